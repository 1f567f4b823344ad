package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"lanshare/protocol"
)

// DefaultIOTimeout bounds each frame read or write on a transfer connection.
const DefaultIOTimeout = 30 * time.Second

// ErrConnClosed is returned by operations on a closed Conn.
var ErrConnClosed = errors.New("network: connection closed")

// Conn is a framed transfer connection. Writes are serialized; reads are
// expected from a single goroutine at a time.
type Conn struct {
	conn    net.Conn
	reader  *protocol.Reader
	timeout time.Duration

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps conn. A non-positive timeout disables per-operation deadlines.
func NewConn(conn net.Conn, timeout time.Duration) *Conn {
	return &Conn{
		conn:    conn,
		reader:  protocol.NewReader(conn),
		timeout: timeout,
		closed:  make(chan struct{}),
	}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// RemoteIP returns the peer IP in string form.
func (c *Conn) RemoteIP() string {
	if addr, ok := c.conn.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP.String()
	}
	host, _, err := net.SplitHostPort(c.conn.RemoteAddr().String())
	if err != nil {
		return c.conn.RemoteAddr().String()
	}
	return host
}

// Timeout returns the per-operation deadline.
func (c *Conn) Timeout() time.Duration {
	return c.timeout
}

// Send builds a message envelope around payload and writes it.
func (c *Conn) Send(msgType string, payload any) error {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	return c.SendMessage(msg)
}

// SendMessage writes one message frame.
func (c *Conn) SendMessage(msg protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.isClosed() {
		return ErrConnClosed
	}
	c.setWriteDeadline()
	if err := protocol.WriteMessage(c.conn, msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

// SendChunk writes one chunk frame.
func (c *Conn) SendChunk(transferID string, offset int64, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.isClosed() {
		return ErrConnClosed
	}
	c.setWriteDeadline()
	return protocol.WriteChunk(c.conn, transferID, uint64(offset), data)
}

// Next reads the next frame within the connection timeout.
func (c *Conn) Next() (protocol.Frame, error) {
	return c.NextWithin(c.timeout)
}

// NextWithin reads the next frame, waiting at most d. A non-positive d waits
// without a deadline.
func (c *Conn) NextWithin(d time.Duration) (protocol.Frame, error) {
	if d > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(d))
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	frame, err := c.reader.Next()
	if err != nil && c.isClosed() && !errors.Is(err, protocol.ErrDecode) {
		return protocol.Frame{}, ErrConnClosed
	}
	return frame, err
}

// NextMessage reads frames until a message arrives, discarding stray chunk
// data. Decode failures are returned so callers can log and continue.
func (c *Conn) NextMessage(d time.Duration) (protocol.Message, error) {
	for {
		frame, err := c.NextWithin(d)
		if err != nil {
			return protocol.Message{}, err
		}
		if frame.Message != nil {
			return *frame.Message, nil
		}
		if err := c.reader.Discard(int64(frame.Chunk.Length)); err != nil {
			return protocol.Message{}, err
		}
	}
}

// ReadChunkData reads the payload of the chunk returned by Next.
func (c *Conn) ReadChunkData(dst []byte) error {
	return c.reader.ReadChunkData(dst)
}

// DiscardChunk skips the payload of the chunk returned by Next.
func (c *Conn) DiscardChunk(header *protocol.ChunkHeader) error {
	return c.reader.Discard(int64(header.Length))
}

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Close closes the underlying socket. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Conn) setWriteDeadline() {
	if c.timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
}

// IsTimeout reports whether err is a network timeout.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsClosed reports whether err means the connection is gone.
func IsClosed(err error) bool {
	return errors.Is(err, ErrConnClosed) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
