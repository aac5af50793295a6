package ledger

import (
	"context"
	"sync"

	"github.com/lox/sus/internal/session"
)

// Store persists committed sessions and their events. Save is called under
// the session's transaction lock, before the new snapshot becomes visible;
// a failed Save aborts the mutation.
type Store interface {
	Save(ctx context.Context, s *session.Session, events []session.Envelope) error
	Load(ctx context.Context, id string) (*session.Session, error)
	LoadActive(ctx context.Context) ([]*session.Session, error)
	Events(ctx context.Context, id string, afterSeq uint64) ([]session.Envelope, error)
}

// MemoryStore keeps every committed record in process memory. It is the
// default store and backs audit reads for evicted sessions in tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
	events   map[string][]session.Envelope
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*session.Session),
		events:   make(map[string][]session.Envelope),
	}
}

// Save implements Store.
func (m *MemoryStore) Save(ctx context.Context, s *session.Session, events []session.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
	m.events[s.ID] = append(m.events[s.ID], events...)
	return nil
}

// Load implements Store.
func (m *MemoryStore) Load(ctx context.Context, id string) (*session.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, session.ErrSessionNotFound.With("session", id)
	}
	return s.Clone(), nil
}

// LoadActive implements Store.
func (m *MemoryStore) LoadActive(ctx context.Context) ([]*session.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*session.Session
	for _, s := range m.sessions {
		if !s.State.Terminal() {
			out = append(out, s.Clone())
		}
	}
	sortByCreated(out)
	return out, nil
}

// Events implements Store.
func (m *MemoryStore) Events(ctx context.Context, id string, afterSeq uint64) ([]session.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []session.Envelope
	for _, env := range m.events[id] {
		if env.Seq > afterSeq {
			out = append(out, env)
		}
	}
	return out, nil
}
