package session

import (
	"context"
	"sort"
	"sync"

	"github.com/GoCodeAlone/relay/event"
)

// Persister stores session aggregates. Every Store mutation writes through, so
// an aggregate evicted from the cache can always be reloaded.
type Persister interface {
	CreateSession(ctx context.Context, s *Session) error
	// UpdateSession stores the header fields: title, status and updated_at.
	UpdateSession(ctx context.Context, s *Session) error
	// LoadSession returns the full aggregate or ErrSessionNotFound.
	LoadSession(ctx context.Context, id string) (*Session, error)
	// ListSessions returns headers, newest first. An empty userID lists all.
	ListSessions(ctx context.Context, userID string) ([]*Session, error)
	AppendMessage(ctx context.Context, sessionID string, m Message) error
	AddTask(ctx context.Context, sessionID, taskID string) error
}

// MemoryPersister keeps sessions in process memory.
type MemoryPersister struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryPersister creates an empty MemoryPersister.
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{sessions: make(map[string]*Session)}
}

func (p *MemoryPersister) CreateSession(_ context.Context, s *Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := s.Clone()
	p.sessions[s.ID] = &c
	return nil
}

func (p *MemoryPersister) UpdateSession(_ context.Context, s *Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	stored, ok := p.sessions[s.ID]
	if !ok {
		return notFound(s.ID)
	}
	stored.Title = s.Title
	stored.Status = s.Status
	stored.UpdatedAt = s.UpdatedAt
	return nil
}

func (p *MemoryPersister) LoadSession(_ context.Context, id string) (*Session, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	stored, ok := p.sessions[id]
	if !ok {
		return nil, notFound(id)
	}
	c := stored.Clone()
	return &c, nil
}

func (p *MemoryPersister) ListSessions(_ context.Context, userID string) ([]*Session, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*Session
	for _, s := range p.sessions {
		if userID != "" && s.UserID != userID {
			continue
		}
		h := s.Header()
		out = append(out, &h)
	}
	sortNewestFirst(out)
	return out, nil
}

func (p *MemoryPersister) AppendMessage(_ context.Context, sessionID string, m Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	stored, ok := p.sessions[sessionID]
	if !ok {
		return notFound(sessionID)
	}
	m.Sources = event.CopySources(m.Sources)
	stored.Messages = append(stored.Messages, m)
	return nil
}

func (p *MemoryPersister) AddTask(_ context.Context, sessionID, taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	stored, ok := p.sessions[sessionID]
	if !ok {
		return notFound(sessionID)
	}
	for _, id := range stored.TaskIDs {
		if id == taskID {
			return nil
		}
	}
	stored.TaskIDs = append(stored.TaskIDs, taskID)
	return nil
}

func sortNewestFirst(ss []*Session) {
	sort.SliceStable(ss, func(i, j int) bool {
		if ss[i].UpdatedAt.Equal(ss[j].UpdatedAt) {
			return ss[i].ID > ss[j].ID
		}
		return ss[i].UpdatedAt.After(ss[j].UpdatedAt)
	})
}
