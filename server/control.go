package server

import (
	"bufio"
	"log"
	"net"
	"os"
	"strings"
)

// ServeControl accepts management commands on a Unix socket at path, one
// command line per connection:
//
//	stats     -> OK|connections=N,accounts=M,pending=P
//	shutdown  -> OK|Shutting down, then onShutdown is called
//
// It blocks until Shutdown closes the socket and removes path.
func (s *Server) ServeControl(path string, onShutdown func()) error {
	// Remove a stale socket file left by a previous run.
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	defer os.Remove(path)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		listener.Close()
		return nil
	}
	s.control = listener
	s.controlPath = path
	s.mu.Unlock()

	log.Printf("Control socket listening on %s", path)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isClosing() {
				return nil
			}
			return err
		}

		go s.handleControlCommand(conn, onShutdown)
	}
}

func (s *Server) handleControlCommand(conn net.Conn, onShutdown func()) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	switch cmd := strings.TrimSpace(line); cmd {
	case "stats":
		conn.Write([]byte("OK|" + s.GetStats() + "\n"))

	case "shutdown":
		conn.Write([]byte("OK|Shutting down\n"))
		conn.Close()

		log.Printf("Shutdown requested via control socket")
		if onShutdown != nil {
			onShutdown()
		}

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
