// Package notify implements the TCP wake server for the delivery loop.
//
// A notification is a zero-payload TCP connection: the sender connects to
// the advertised port and immediately disconnects. The delivery loop blocks
// in Wait instead of busy-polling the store; `hcom send` wakes every
// instance by connecting to each registered notify port.
//
// TCP is used (rather than a pipe or eventfd) so wakes work cleanly across
// process boundaries without shared file descriptors.
package notify

import (
	"fmt"
	"net"
	"time"
)

// Server accepts wake-up connections on an auto-assigned localhost port.
type Server struct {
	listener *net.TCPListener
	port     int
}

// NewServer binds a listener on 127.0.0.1 with an auto-assigned port.
func NewServer() (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to bind notify server: %w", err)
	}
	tcp := ln.(*net.TCPListener)
	return &Server{
		listener: tcp,
		port:     tcp.Addr().(*net.TCPAddr).Port,
	}, nil
}

// Port returns the port the server is listening on.
func (s *Server) Port() int {
	return s.port
}

// Wait blocks until a connection arrives or the timeout elapses. On a wake
// it drains every pending connection before returning true, so a burst of
// sends collapses into one wake.
func (s *Server) Wait(timeout time.Duration) bool {
	if err := s.listener.SetDeadline(time.Now().Add(timeout)); err != nil {
		return false
	}
	conn, err := s.listener.Accept()
	if err != nil {
		return false
	}
	conn.Close()
	s.drain()
	return true
}

// drain accepts and closes every connection already queued. The deadline
// sits just ahead of now: one already in the past makes Accept fail before
// it looks at the queue.
func (s *Server) drain() {
	for {
		if err := s.listener.SetDeadline(time.Now().Add(10 * time.Millisecond)); err != nil {
			return
		}
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}
}

// Close releases the listener.
func (s *Server) Close() error {
	return s.listener.Close()
}

// Wake connects briefly to a notify port to unblock its Wait. Used by the
// PTY loop at shutdown to wake its own delivery goroutine.
func Wake(port int, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}
