// Package statusfeed streams CBOR-encoded status snapshots of the core
// over a listener. The on-screen UI consumes the feed; the core side is
// one goroutine per client pushing a snapshot per period.
package statusfeed

import (
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-daq/tdaq/log"
)

// Source produces one status snapshot per call.
type Source func() map[string]any

// Server pushes snapshots to every connected client.
type Server struct {
	msg    log.MsgStream
	source Source
	period time.Duration

	lis net.Listener

	mu     sync.Mutex
	closed bool
}

// New starts serving on lis; one snapshot per period and client.
func New(lis net.Listener, source Source, period time.Duration, msg log.MsgStream) *Server {
	if period <= 0 {
		period = time.Second
	}
	s := &Server{msg: msg, source: source, period: period, lis: lis}
	go s.accept()
	return s
}

func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.lis.Close()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) accept() {
	for {
		conn, err := s.lis.Accept()
		if err != nil {
			if s.isClosed() {
				return
			}
			s.msg.Warnf("statusfeed accept: %v", err)
			return
		}
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer conn.Close()
	enc := cbor.NewEncoder(conn)
	tick := time.NewTicker(s.period)
	defer tick.Stop()
	// First snapshot right away, then one per tick.
	if err := enc.Encode(s.source()); err != nil {
		return
	}
	for range tick.C {
		if s.isClosed() {
			return
		}
		if err := enc.Encode(s.source()); err != nil {
			return
		}
	}
}
