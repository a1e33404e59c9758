// Package logstore keeps a bounded log of proxied exchanges folded from
// event bus traffic.
package logstore

import (
	"sync"

	"ttun/internal/tunnel"
)

// Exchange kinds.
const (
	KindHTTP      = "http"
	KindWebSocket = "websocket"
)

// Entry is one request/response pair or one websocket session.
type Entry struct {
	ID              string         `json:"id"`
	Kind            string         `json:"kind"`
	Timestamp       string         `json:"timestamp"`
	Method          string         `json:"method,omitempty"`
	Path            string         `json:"path"`
	RequestHeaders  tunnel.Headers `json:"request_headers,omitempty"`
	RequestBody     tunnel.Body    `json:"request_body,omitempty"`
	Status          int            `json:"status,omitempty"`
	Timing          float64        `json:"timing,omitempty"`
	ResponseHeaders tunnel.Headers `json:"response_headers,omitempty"`
	ResponseBody    tunnel.Body    `json:"response_body,omitempty"`
	Frames          int            `json:"frames,omitempty"`
	CloseCode       int            `json:"close_code,omitempty"`
	Done            bool           `json:"done"`
}

// Sink persists entries. Put replaces any entry with the same ID.
type Sink interface {
	Put(e Entry) error
	Recent(limit int) ([]Entry, error)
	Get(id string) (Entry, bool, error)
	Close() error
}

// Store is a fixed-size circular buffer of entries safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	buf   []Entry
	index map[string]int
	size  int
	head  int
	full  bool
}

func New(size int) *Store {
	if size <= 0 {
		size = 1
	}
	return &Store{buf: make([]Entry, size), index: make(map[string]int), size: size}
}

// Put updates e in place when its ID is still buffered, otherwise it takes
// the oldest slot.
func (s *Store) Put(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.index[e.ID]; ok {
		s.buf[i] = e
		return nil
	}
	if s.full {
		delete(s.index, s.buf[s.head].ID)
	}
	s.buf[s.head] = e
	s.index[e.ID] = s.head
	s.head = (s.head + 1) % s.size
	if s.head == 0 {
		s.full = true
	}
	return nil
}

// Recent returns up to limit entries, newest first. limit <= 0 means all.
func (s *Store) Recent(limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.head
	if s.full {
		n = s.size
	}
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, s.buf[(s.head-i+s.size)%s.size])
	}
	return out, nil
}

func (s *Store) Get(id string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return Entry{}, false, nil
	}
	return s.buf[i], true, nil
}

func (s *Store) Close() error { return nil }
