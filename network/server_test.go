package network

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"lanshare/protocol"
)

func TestServerHandsEachConnectionToHandler(t *testing.T) {
	var served atomic.Int32
	server, err := Listen(ServerOptions{
		Address:       "127.0.0.1:0",
		AcceptTimeout: 50 * time.Millisecond,
		IOTimeout:     2 * time.Second,
	}, func(conn *Conn) {
		served.Add(1)
		msg, err := conn.NextMessage(time.Second)
		if err != nil {
			return
		}
		_ = conn.Send(protocol.TypeFileReady, protocol.FileReadyPayload{
			SchemaVersion: protocol.SchemaVersion,
			TransferID:    msg.Payload["transfer_id"].(string),
			ResumeOffset:  42,
		})
	})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer func() {
		_ = server.Close()
	}()

	for i := 0; i < 3; i++ {
		conn, err := Dial(context.Background(), server.Addr().String(), time.Second, 2*time.Second)
		if err != nil {
			t.Fatalf("Dial failed: %v", err)
		}
		if err := conn.Send(protocol.TypeFileInfo, protocol.FileInfoPayload{
			SchemaVersion: protocol.SchemaVersion,
			TransferID:    "t-1",
		}); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
		reply, err := conn.NextMessage(2 * time.Second)
		if err != nil {
			t.Fatalf("NextMessage failed: %v", err)
		}
		var ready protocol.FileReadyPayload
		if err := reply.Bind(&ready); err != nil {
			t.Fatalf("Bind failed: %v", err)
		}
		if reply.Type != protocol.TypeFileReady || ready.ResumeOffset != 42 || ready.TransferID != "t-1" {
			t.Fatalf("unexpected reply: %+v", reply)
		}
		_ = conn.Close()
	}

	if served.Load() != 3 {
		t.Fatalf("expected 3 served connections, got %d", served.Load())
	}
}

func TestServerCloseUnblocksHandlers(t *testing.T) {
	entered := make(chan struct{})
	server, err := Listen(ServerOptions{
		Address:       "127.0.0.1:0",
		AcceptTimeout: 50 * time.Millisecond,
		IOTimeout:     -1,
	}, func(conn *Conn) {
		close(entered)
		_, _ = conn.Next()
	})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	conn, err := net.DialTimeout("tcp", server.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler was not invoked")
	}

	done := make(chan struct{})
	go func() {
		_ = server.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("Close did not return while a handler was blocked")
	}
}

func TestDialReportsRefusedConnection(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	address := listener.Addr().String()
	_ = listener.Close()

	if _, err := Dial(context.Background(), address, 500*time.Millisecond, time.Second); err == nil {
		t.Fatalf("expected dial error for closed port")
	}
}
