package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestChunkHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	data := []byte("hello chunk")
	if err := WriteChunk(&buf, "transfer-1", 4096, data); err != nil {
		t.Fatalf("WriteChunk failed: %v", err)
	}

	header, err := ReadChunkHeader(&buf)
	if err != nil {
		t.Fatalf("ReadChunkHeader failed: %v", err)
	}
	if header.TransferID != "transfer-1" || header.Offset != 4096 || int(header.Length) != len(data) {
		t.Fatalf("unexpected header: %+v", header)
	}
	if header.End() != 4096+uint64(len(data)) {
		t.Fatalf("unexpected end offset: %d", header.End())
	}
	if !bytes.Equal(buf.Bytes(), data) {
		t.Fatalf("unexpected remaining data: %q", buf.Bytes())
	}
}

func TestChunkHeaderBadMagic(t *testing.T) {
	raw := make([]byte, ChunkHeaderSize)
	copy(raw, "XXXX")
	if _, err := ReadChunkHeader(bytes.NewReader(raw)); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestChunkHeaderValidate(t *testing.T) {
	header := ChunkHeader{Length: 3 * 1024 * 1024}
	if err := header.Validate(2 * 1024 * 1024); !errors.Is(err, ErrChunkTooLarge) {
		t.Fatalf("expected ErrChunkTooLarge, got %v", err)
	}
	header.Length = 1024
	if err := header.Validate(2 * 1024 * 1024); err != nil {
		t.Fatalf("unexpected validate error: %v", err)
	}
}

func TestChunkHeaderRejectsLongTransferID(t *testing.T) {
	long := string(bytes.Repeat([]byte("a"), MaxTransferIDLength+1))
	if err := WriteChunk(&bytes.Buffer{}, long, 0, []byte("x")); !errors.Is(err, ErrTransferIDTooLong) {
		t.Fatalf("expected ErrTransferIDTooLong, got %v", err)
	}
}

func TestReaderInterleavesMessagesAndChunks(t *testing.T) {
	var buf bytes.Buffer

	info, err := NewMessage(TypeFileInfo, FileInfoPayload{SchemaVersion: SchemaVersion, TransferID: "t-1", FileSize: 10})
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	if err := WriteMessage(&buf, info); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	if err := WriteChunk(&buf, "t-1", 0, []byte("01234")); err != nil {
		t.Fatalf("WriteChunk failed: %v", err)
	}
	if err := WriteChunk(&buf, "t-1", 5, []byte("56789")); err != nil {
		t.Fatalf("WriteChunk failed: %v", err)
	}
	buf.Write([]byte{'L', 'S', 'M', '1', 0, 0, 0, 3, 'b', 'a', 'd'})
	done, err := NewMessage(TypeComplete, CompletePayload{SchemaVersion: SchemaVersion, TransferID: "t-1"})
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	if err := WriteMessage(&buf, done); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	reader := NewReader(&buf)

	frame, err := reader.Next()
	if err != nil || frame.Message == nil || frame.Message.Type != TypeFileInfo {
		t.Fatalf("expected FILE_INFO frame, got %+v err=%v", frame, err)
	}

	frame, err = reader.Next()
	if err != nil || frame.Chunk == nil || frame.Chunk.Offset != 0 {
		t.Fatalf("expected first chunk, got %+v err=%v", frame, err)
	}
	data := make([]byte, frame.Chunk.Length)
	if err := reader.ReadChunkData(data); err != nil {
		t.Fatalf("ReadChunkData failed: %v", err)
	}
	if string(data) != "01234" {
		t.Fatalf("unexpected chunk data %q", data)
	}

	frame, err = reader.Next()
	if err != nil || frame.Chunk == nil || frame.Chunk.Offset != 5 {
		t.Fatalf("expected second chunk, got %+v err=%v", frame, err)
	}
	if err := reader.Discard(int64(frame.Chunk.Length)); err != nil {
		t.Fatalf("Discard failed: %v", err)
	}

	if _, err := reader.Next(); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode for malformed frame, got %v", err)
	}

	frame, err = reader.Next()
	if err != nil || frame.Message == nil || frame.Message.Type != TypeComplete {
		t.Fatalf("expected COMPLETE after malformed frame, got %+v err=%v", frame, err)
	}
}

func TestReaderRejectsUnknownMagic(t *testing.T) {
	reader := NewReader(bytes.NewReader([]byte("JUNKJUNK")))
	if _, err := reader.Next(); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}
