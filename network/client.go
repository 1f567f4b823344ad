package network

import (
	"context"
	"fmt"
	"net"
	"time"
)

// DefaultDialTimeout bounds connection establishment.
const DefaultDialTimeout = 10 * time.Second

// Dial opens a transfer connection to address. ioTimeout becomes the Conn's
// per-operation deadline.
func Dial(ctx context.Context, address string, dialTimeout, ioTimeout time.Duration) (*Conn, error) {
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return NewConn(conn, ioTimeout), nil
}
