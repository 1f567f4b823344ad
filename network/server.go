package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultAcceptTimeout bounds each Accept so the loop observes shutdown.
const DefaultAcceptTimeout = time.Second

// Handler serves one inbound connection. The server closes conn when the
// handler returns.
type Handler func(conn *Conn)

// ServerOptions controls the transfer listener.
type ServerOptions struct {
	Address       string
	AcceptTimeout time.Duration
	IOTimeout     time.Duration
	Logger        logrus.FieldLogger
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.Address == "" {
		out.Address = ":0"
	}
	if out.AcceptTimeout <= 0 {
		out.AcceptTimeout = DefaultAcceptTimeout
	}
	if out.IOTimeout == 0 {
		out.IOTimeout = DefaultIOTimeout
	}
	if out.Logger == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		out.Logger = logger
	}
	return out
}

// Server accepts inbound transfer connections and hands each one to a Handler
// on its own goroutine.
type Server struct {
	listener *net.TCPListener
	handler  Handler
	options  ServerOptions
	log      logrus.FieldLogger

	mu    sync.Mutex
	conns map[*Conn]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds the transfer port and starts the accept loop.
func Listen(options ServerOptions, handler Handler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("network: handler is required")
	}
	opts := options.withDefaults()

	addr, err := net.ResolveTCPAddr("tcp", opts.Address)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", opts.Address, err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", opts.Address, err)
	}

	server := &Server{
		listener: listener,
		handler:  handler,
		options:  opts,
		log:      opts.Logger.WithField("component", "transport"),
		conns:    make(map[*Conn]struct{}),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Close stops accepting, closes live connections and waits for handlers.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()

		s.mu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()

		s.wg.Wait()
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.closed:
			return
		default:
		}

		_ = s.listener.SetDeadline(time.Now().Add(s.options.AcceptTimeout))
		raw, err := s.listener.Accept()
		if err != nil {
			if IsTimeout(err) {
				continue
			}
			select {
			case <-s.closed:
				return
			default:
			}
			s.log.WithError(err).Warn("accept connection failed")
			continue
		}

		conn := NewConn(raw, s.options.IOTimeout)
		if !s.track(conn) {
			_ = conn.Close()
			return
		}

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) track(conn *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) serve(conn *Conn) {
	defer s.wg.Done()
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("addr", conn.RemoteAddr().String()).Errorf("connection handler panic: %v", r)
		}
	}()

	s.handler(conn)
}
