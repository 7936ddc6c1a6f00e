package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"legacychat/protocol"
	"legacychat/store"
)

type Server struct {
	store      store.Store
	config     *ServerConfig
	dispatcher *Dispatcher
	metrics    *Metrics

	mu          sync.Mutex
	listener    net.Listener
	control     net.Listener
	controlPath string
	conns       map[string]net.Conn
	closing     bool

	// slots is nil when the connection count is unlimited.
	slots chan struct{}
}

type ServerConfig struct {
	Addr           string
	ReadTimeout    time.Duration // 0 disables the idle timeout
	WriteTimeout   time.Duration // 0 disables the write deadline
	MaxLineBytes   int
	MaxConnections int // 0 means unlimited
}

func New(st store.Store, config *ServerConfig) *Server {
	metrics := NewMetrics(st)

	s := &Server{
		store:      st,
		config:     config,
		dispatcher: NewDispatcher(st, metrics),
		metrics:    metrics,
		conns:      make(map[string]net.Conn),
	}
	if config.MaxConnections > 0 {
		s.slots = make(chan struct{}, config.MaxConnections)
	}
	return s
}

// Start binds the configured address and serves until Shutdown.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Listen binds the server address. It does not accept connections.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	log.Printf("LegacyChat server listening on %s", listener.Addr())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until the listener is closed. Each connection
// is handled on its own goroutine. Serve returns nil after Shutdown.
func (s *Server) Serve() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("server: Serve called before Listen")
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isClosing() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			log.Printf("Error accepting connection: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if !s.acquireSlot() {
			s.metrics.connRejected()
			go s.reject(conn)
			continue
		}

		go func() {
			defer s.releaseSlot()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) acquireSlot() bool {
	if s.slots == nil {
		return true
	}
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) releaseSlot() {
	if s.slots != nil {
		<-s.slots
	}
}

func (s *Server) reject(conn net.Conn) {
	defer conn.Close()
	log.Printf("Rejecting connection from %s: connection limit reached", conn.RemoteAddr())
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	protocol.NewEncoder(conn).Encode(protocol.Failure(msgBusy))
}

func (s *Server) handleConnection(conn net.Conn) {
	id := uuid.NewString()
	remoteAddr := conn.RemoteAddr().String()

	if !s.addConn(id, conn) {
		conn.Close()
		return
	}
	s.metrics.connOpened()
	defer func() {
		conn.Close()
		s.removeConn(id)
		s.metrics.connClosed()
	}()

	log.Printf("Connection %s opened from %s", id, remoteAddr)

	dec := protocol.NewDecoder(conn, s.config.MaxLineBytes)
	enc := protocol.NewEncoder(conn)

	for {
		if s.config.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}

		req, err := dec.Next()
		var resp protocol.Response
		switch {
		case err == nil:
			log.Printf("Connection %s: %q request", id, req.Action())
			resp = s.dispatcher.Dispatch(req)
		case errors.Is(err, protocol.ErrDecode):
			s.metrics.decodeError()
			log.Printf("Connection %s: %v", id, err)
			resp = protocol.Failure(msgInvalidJSON)
		case errors.Is(err, protocol.ErrLineTooLong):
			log.Printf("Connection %s: request exceeds %d bytes, closing", id, s.maxLine())
			s.write(conn, enc, protocol.Failure(msgTooLarge))
			return
		default:
			s.logClose(id, remoteAddr, err)
			return
		}

		if err := s.write(conn, enc, resp); err != nil {
			log.Printf("Connection %s: error writing response: %v", id, err)
			return
		}
	}
}

func (s *Server) write(conn net.Conn, enc *protocol.Encoder, resp protocol.Response) error {
	if s.config.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	return enc.Encode(resp)
}

func (s *Server) maxLine() int {
	if s.config.MaxLineBytes <= 0 {
		return protocol.DefaultMaxLine
	}
	return s.config.MaxLineBytes
}

func (s *Server) logClose(id, remoteAddr string, err error) {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		log.Printf("Connection %s from %s closed by peer", id, remoteAddr)
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		log.Printf("Connection %s from %s closed", id, remoteAddr)
	case errors.As(err, &netErr) && netErr.Timeout():
		log.Printf("Connection %s from %s idle, closing", id, remoteAddr)
	default:
		log.Printf("Connection %s: error reading from %s: %v", id, remoteAddr, err)
	}
}

// addConn registers conn unless Shutdown has already run.
func (s *Server) addConn(id string, conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[id] = conn
	return true
}

func (s *Server) removeConn(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// ActiveConnections returns the number of open client connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// MetricsHandler serves this server's Prometheus metrics.
func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

// GetStats returns server statistics as a formatted string.
func (s *Server) GetStats() string {
	connections := s.ActiveConnections()

	stats, err := s.store.Stats()
	if err != nil {
		log.Printf("Stats error: %v", err)
	}

	return "connections=" + strconv.Itoa(connections) +
		",accounts=" + strconv.Itoa(stats.Accounts) +
		",pending=" + strconv.Itoa(stats.PendingMessages)
}

// Shutdown closes the listeners and every open connection. There is no
// goodbye exchange; clients see the socket close. Undelivered messages are
// dropped along with the store.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return
	}
	s.closing = true

	if s.listener != nil {
		s.listener.Close()
	}
	if s.control != nil {
		s.control.Close()
		os.Remove(s.controlPath)
	}
	for _, conn := range s.conns {
		conn.Close()
	}
	log.Printf("LegacyChat server stopped, %d connections closed", len(s.conns))
}
