package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxMessageSize bounds one message frame on a stream.
const MaxMessageSize = 4 * 1024 * 1024

var (
	// MessageMagic starts every message frame on a stream.
	MessageMagic = [4]byte{'L', 'S', 'M', '1'}

	// ErrMessageTooLarge indicates a message frame above MaxMessageSize.
	ErrMessageTooLarge = errors.New("protocol: message frame exceeds max size")
)

// WriteMessage writes one message frame: magic, big-endian length, JSON.
func WriteMessage(w io.Writer, msg Message) error {
	payload, err := msg.Marshal()
	if err != nil {
		return err
	}
	if len(payload) > MaxMessageSize {
		return ErrMessageTooLarge
	}

	frame := make([]byte, 8+len(payload))
	copy(frame[0:4], MessageMagic[:])
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[8:], payload)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write message frame: %w", err)
	}
	return nil
}

// Frame is one item read from a stream: either a message or a chunk header
// whose data is still pending in the Reader.
type Frame struct {
	Message *Message
	Chunk   *ChunkHeader
}

// Reader splits a byte stream into message frames and chunk frames.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r with a buffered frame reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64*1024)}
}

// Next reads the next frame header. For a chunk frame the caller must consume
// exactly Chunk.Length bytes with ReadChunkData or Discard before calling Next
// again. A message that fails to decode returns an ErrDecode error and leaves
// the stream positioned at the next frame.
func (r *Reader) Next() (Frame, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r.br, magic[:]); err != nil {
		return Frame{}, err
	}

	switch magic {
	case MessageMagic:
		var lenBuf [4]byte
		if _, err := io.ReadFull(r.br, lenBuf[:]); err != nil {
			return Frame{}, fmt.Errorf("read message length: %w", err)
		}
		length := binary.BigEndian.Uint32(lenBuf[:])
		if length > MaxMessageSize {
			return Frame{}, ErrMessageTooLarge
		}
		payload := make([]byte, int(length))
		if _, err := io.ReadFull(r.br, payload); err != nil {
			return Frame{}, fmt.Errorf("read message payload: %w", err)
		}
		msg, err := Decode(payload)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Message: &msg}, nil
	case ChunkMagic:
		header, err := readChunkHeaderBody(r.br)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Chunk: &header}, nil
	default:
		return Frame{}, fmt.Errorf("%w: %x", ErrBadMagic, magic)
	}
}

// ReadChunkData fills dst completely from the stream.
func (r *Reader) ReadChunkData(dst []byte) error {
	if _, err := io.ReadFull(r.br, dst); err != nil {
		return fmt.Errorf("read chunk data: %w", err)
	}
	return nil
}

// Discard skips n bytes of chunk data.
func (r *Reader) Discard(n int64) error {
	if _, err := io.CopyN(io.Discard, r.br, n); err != nil {
		return fmt.Errorf("discard chunk data: %w", err)
	}
	return nil
}
