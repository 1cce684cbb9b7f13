// Package mock provides an in-memory cluster for testing the batch engine. It
// decodes batch requests and answers them from scripted handlers or a record
// store.
package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dan-strohschein/clusterbatch/cluster"
	"github.com/dan-strohschein/clusterbatch/model"
	"github.com/dan-strohschein/clusterbatch/protocol"
	"github.com/dan-strohschein/clusterbatch/transport"
)

// Reply scripts the answer to one request.
type Reply struct {
	// Data is made readable on the connection.
	Data []byte
	// ReadErr is returned by the read that reaches it, after Data.
	ReadErr error
	// Hang delivers nothing. Reads wait until their deadline.
	Hang bool
}

// Handler computes the reply for a request sent to node.
type Handler func(node string, req *protocol.BatchRequest) Reply

// Request records one request received by the server.
type Request struct {
	Node          string
	Batch         *protocol.BatchRequest
	Raw           []byte
	SocketTimeout time.Duration
	Deadline      time.Time
}

// Server is a fake cluster implementing transport.Dialer
type Server struct {
	// Behavior configuration
	handler      Handler
	nodeHandlers map[string]Handler
	records      map[[model.DigestSize]byte]*model.Record
	dialErrs     map[string]error
	writeErrs    map[string]error
	delay        time.Duration

	// Call tracking
	dialCalls atomic.Int32
	history   []Request
	conns     []*Conn

	mu sync.RWMutex
}

// NewServer creates a server answering from its record store.
func NewServer() *Server {
	return &Server{
		nodeHandlers: make(map[string]Handler),
		records:      make(map[[model.DigestSize]byte]*model.Record),
		dialErrs:     make(map[string]error),
		writeErrs:    make(map[string]error),
	}
}

// WithRecords stores records served by the default handler
func (s *Server) WithRecords(records ...*model.Record) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.records[r.Key.Digest] = r
	}
	return s
}

// WithHandler replaces the default handler for every node
func (s *Server) WithHandler(h Handler) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
	return s
}

// WithNodeHandler overrides the handler for one node
func (s *Server) WithNodeHandler(node string, h Handler) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodeHandlers[node] = h
	return s
}

// WithDialError makes dials to node fail
func (s *Server) WithDialError(node string, err error) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialErrs[node] = err
	return s
}

// WithWriteError makes writes to node fail
func (s *Server) WithWriteError(node string, err error) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErrs[node] = err
	return s
}

// WithResponseDelay delays every reply
func (s *Server) WithResponseDelay(delay time.Duration) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = delay
	return s
}

// Dial implements transport.Dialer
func (s *Server) Dial(ctx context.Context, node *cluster.Node) (transport.Conn, error) {
	s.dialCalls.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.dialErrs[node.Name]; err != nil {
		return nil, err
	}
	c := newConn(s, node.Name)
	s.conns = append(s.conns, c)
	return c, nil
}

// Answer is the default handler: entries whose digest is stored are returned
// with the requested bins, the others as not found.
func (s *Server) Answer(node string, req *protocol.BatchRequest) Reply {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b := protocol.NewResponseBuilder()
	for _, e := range req.Entries {
		rec, ok := s.records[e.Digest]
		if !ok {
			b.Record(e.Offset, model.ResultKeyNotFound, 0, 0)
			continue
		}
		b.Record(e.Offset, model.ResultOK, rec.Generation, rec.Expiration, selectBins(rec, e)...)
	}
	b.Last(model.ResultOK)
	return Reply{Data: b.Proto()}
}

func selectBins(rec *model.Record, e protocol.BatchEntry) []protocol.Bin {
	var bins []protocol.Bin
	switch e.Selection {
	case model.SelectNone:
	case model.SelectAll:
		for name, v := range rec.Bins {
			bins = append(bins, protocol.Bin{Name: name, Value: v})
		}
	default:
		for _, name := range e.BinNames {
			if v, ok := rec.Bins[name]; ok {
				bins = append(bins, protocol.Bin{Name: name, Value: v})
			}
		}
	}
	return bins
}

// handle decodes a request written to node and returns the scripted reply.
func (s *Server) handle(node string, raw []byte, socketTimeout time.Duration, deadline time.Time) (Reply, time.Duration, error) {
	s.mu.RLock()
	writeErr := s.writeErrs[node]
	h := s.nodeHandlers[node]
	if h == nil {
		h = s.handler
	}
	delay := s.delay
	s.mu.RUnlock()

	if writeErr != nil {
		return Reply{}, 0, writeErr
	}

	req, err := protocol.ParseBatchRequest(raw)
	if err != nil {
		return Reply{}, 0, err
	}

	s.mu.Lock()
	s.history = append(s.history, Request{
		Node:          node,
		Batch:         req,
		Raw:           append([]byte(nil), raw...),
		SocketTimeout: socketTimeout,
		Deadline:      deadline,
	})
	s.mu.Unlock()

	if h == nil {
		return s.Answer(node, req), delay, nil
	}
	return h(node, req), delay, nil
}

// GetDialCallCount returns the number of times Dial was called
func (s *Server) GetDialCallCount() int {
	return int(s.dialCalls.Load())
}

// GetRequestHistory returns all requests received
func (s *Server) GetRequestHistory() []Request {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Return a copy to prevent external modifications
	history := make([]Request, len(s.history))
	copy(history, s.history)
	return history
}

// GetRequestCount returns the number of requests received
func (s *Server) GetRequestCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

// RequestsTo returns the requests received by node
func (s *Server) RequestsTo(node string) []Request {
	var out []Request
	for _, r := range s.GetRequestHistory() {
		if r.Node == node {
			out = append(out, r)
		}
	}
	return out
}

// OpenConnCount returns the number of connections not yet closed
func (s *Server) OpenConnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.conns {
		if !c.IsClosed() {
			n++
		}
	}
	return n
}

// Reset clears scripted behavior, history and call counts. Stored records
// are kept.
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handler = nil
	s.nodeHandlers = make(map[string]Handler)
	s.dialErrs = make(map[string]error)
	s.writeErrs = make(map[string]error)
	s.delay = 0

	s.dialCalls.Store(0)
	s.history = nil
	s.conns = nil
}
