package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/linwinbackup/linwin/internal/control"
)

// MemoryStore is the in-process Store. It backs single-node deployments
// and tests; nothing survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	clients map[string]*Client
	results map[string][]*control.BackupResult

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients: make(map[string]*Client),
		results: make(map[string][]*control.BackupResult),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClientNotFound, id)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) Put(_ context.Context, c *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.clients[c.ID] = &cp
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[id]; !ok {
		return fmt.Errorf("%w: %s", ErrClientNotFound, id)
	}
	delete(s.clients, id)
	delete(s.results, id)
	return nil
}

// WithLock serializes fn against other WithLock calls for the same client.
func (s *MemoryStore) WithLock(id string, fn func() error) error {
	s.locksMu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.locksMu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn()
}

func (s *MemoryStore) AppendResult(_ context.Context, r *control.BackupResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.results[r.ClientID] = append(s.results[r.ClientID], &cp)
	return nil
}

func (s *MemoryStore) Results(_ context.Context, clientID string, limit int) ([]*control.BackupResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.results[clientID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	// Newest first.
	out := make([]*control.BackupResult, 0, limit)
	for i := len(all) - 1; i >= len(all)-limit; i-- {
		cp := *all[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
