package network

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"lanshare/protocol"
)

func TestConnCarriesMessagesAndChunks(t *testing.T) {
	left, right := net.Pipe()
	sender := NewConn(left, time.Second)
	receiver := NewConn(right, time.Second)
	defer sender.Close()
	defer receiver.Close()

	go func() {
		_ = sender.Send(protocol.TypeFileInfo, protocol.FileInfoPayload{SchemaVersion: protocol.SchemaVersion, TransferID: "t-9"})
		_ = sender.SendChunk("t-9", 128, []byte("payload"))
		_ = sender.Send(protocol.TypeComplete, protocol.CompletePayload{SchemaVersion: protocol.SchemaVersion, TransferID: "t-9"})
	}()

	frame, err := receiver.Next()
	if err != nil || frame.Message == nil || frame.Message.Type != protocol.TypeFileInfo {
		t.Fatalf("expected FILE_INFO, got %+v err=%v", frame, err)
	}

	frame, err = receiver.Next()
	if err != nil || frame.Chunk == nil {
		t.Fatalf("expected chunk, got %+v err=%v", frame, err)
	}
	if frame.Chunk.Offset != 128 || frame.Chunk.TransferID != "t-9" {
		t.Fatalf("unexpected chunk header: %+v", frame.Chunk)
	}
	data := make([]byte, frame.Chunk.Length)
	if err := receiver.ReadChunkData(data); err != nil {
		t.Fatalf("ReadChunkData failed: %v", err)
	}
	if !bytes.Equal(data, []byte("payload")) {
		t.Fatalf("unexpected chunk data %q", data)
	}

	msg, err := receiver.NextMessage(time.Second)
	if err != nil || msg.Type != protocol.TypeComplete {
		t.Fatalf("expected COMPLETE, got %+v err=%v", msg, err)
	}
}

func TestConnNextTimesOut(t *testing.T) {
	left, right := net.Pipe()
	defer left.Close()
	conn := NewConn(right, 50*time.Millisecond)
	defer conn.Close()

	_, err := conn.Next()
	if !IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestConnSendAfterCloseFails(t *testing.T) {
	left, right := net.Pipe()
	defer right.Close()
	conn := NewConn(left, time.Second)
	_ = conn.Close()
	_ = conn.Close()

	if err := conn.Send(protocol.TypePause, protocol.ControlPayload{TransferID: "t-1"}); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("expected ErrConnClosed, got %v", err)
	}
	if !IsClosed(ErrConnClosed) {
		t.Fatalf("expected IsClosed to recognize ErrConnClosed")
	}
}
