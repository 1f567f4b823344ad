package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ChunkHeaderSize is the fixed part of a chunk header: magic, length, offset
// and transfer-id length.
const ChunkHeaderSize = 4 + 4 + 8 + 1

// MaxTransferIDLength is the longest transfer id a chunk header can carry.
const MaxTransferIDLength = 255

var (
	// ChunkMagic starts every data chunk frame.
	ChunkMagic = [4]byte{'L', 'S', 'C', '1'}

	// ErrBadMagic indicates a frame that does not start with a known magic.
	ErrBadMagic = errors.New("protocol: bad frame magic")
	// ErrChunkTooLarge indicates a chunk longer than the allowed maximum.
	ErrChunkTooLarge = errors.New("protocol: chunk exceeds max size")
	// ErrTransferIDTooLong indicates a transfer id that does not fit in one byte of length.
	ErrTransferIDTooLong = errors.New("protocol: transfer id too long")
)

// ChunkHeader precedes Length raw bytes of file data written at Offset.
type ChunkHeader struct {
	Length     uint32
	Offset     uint64
	TransferID string
}

// End returns the offset just past this chunk.
func (h ChunkHeader) End() uint64 {
	return h.Offset + uint64(h.Length)
}

// Validate checks the chunk length against max.
func (h ChunkHeader) Validate(max int) error {
	if max > 0 && int64(h.Length) > int64(max) {
		return fmt.Errorf("%w: %d > %d", ErrChunkTooLarge, h.Length, max)
	}
	return nil
}

// MarshalBinary encodes the header including the transfer id.
func (h ChunkHeader) MarshalBinary() ([]byte, error) {
	if len(h.TransferID) > MaxTransferIDLength {
		return nil, ErrTransferIDTooLong
	}

	out := make([]byte, ChunkHeaderSize+len(h.TransferID))
	copy(out[0:4], ChunkMagic[:])
	binary.BigEndian.PutUint32(out[4:8], h.Length)
	binary.BigEndian.PutUint64(out[8:16], h.Offset)
	out[16] = byte(len(h.TransferID))
	copy(out[ChunkHeaderSize:], h.TransferID)
	return out, nil
}

// WriteChunk writes one header followed by data.
func WriteChunk(w io.Writer, transferID string, offset uint64, data []byte) error {
	header, err := ChunkHeader{
		Length:     uint32(len(data)),
		Offset:     offset,
		TransferID: transferID,
	}.MarshalBinary()
	if err != nil {
		return err
	}

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write chunk header: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write chunk data: %w", err)
	}
	return nil
}

// ReadChunkHeader reads and validates a full chunk header. The chunk data is
// left unread in r.
func ReadChunkHeader(r io.Reader) (ChunkHeader, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return ChunkHeader{}, fmt.Errorf("read chunk magic: %w", err)
	}
	if magic != ChunkMagic {
		return ChunkHeader{}, fmt.Errorf("%w: %x", ErrBadMagic, magic)
	}
	return readChunkHeaderBody(r)
}

// readChunkHeaderBody reads everything after the magic.
func readChunkHeaderBody(r io.Reader) (ChunkHeader, error) {
	var fixed [ChunkHeaderSize - 4]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return ChunkHeader{}, fmt.Errorf("read chunk header: %w", err)
	}

	header := ChunkHeader{
		Length: binary.BigEndian.Uint32(fixed[0:4]),
		Offset: binary.BigEndian.Uint64(fixed[4:12]),
	}
	idLen := int(fixed[12])
	if idLen > 0 {
		id := make([]byte, idLen)
		if _, err := io.ReadFull(r, id); err != nil {
			return ChunkHeader{}, fmt.Errorf("read chunk transfer id: %w", err)
		}
		header.TransferID = string(id)
	}
	return header, nil
}
