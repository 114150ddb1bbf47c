package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/GoCodeAlone/relay/event"
	"github.com/GoCodeAlone/relay/internal/idgen"
	"github.com/GoCodeAlone/relay/provider"
	"github.com/GoCodeAlone/relay/task"
)

// DefaultCacheSize is the number of hydrated sessions kept in memory.
const DefaultCacheSize = 256

// Tasks is the read-only view of live task state the store derives summaries from.
type Tasks interface {
	ListRunning(sessionID string) []task.Task
	List(f task.Filter) []task.Task
	Stats(sessionID string) map[task.Status]int
}

// Store is the sole owner of session aggregates. Reads return copies.
type Store struct {
	mu        sync.Mutex
	cache     *lru.Cache[string, *Session]
	persister Persister
	tasks     Tasks
	logger    *slog.Logger
	now       func() time.Time
}

// NewStore creates a Store. tasks may be nil, in which case running tasks and
// task stats are always empty.
func NewStore(p Persister, tasks Tasks, cacheSize int, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, *Session](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("session cache: %w", err)
	}
	return &Store{
		cache:     cache,
		persister: p,
		tasks:     tasks,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// load returns the cached aggregate for id, hydrating it from the persister
// on a miss. Callers hold s.mu.
func (s *Store) load(ctx context.Context, id string) (*Session, error) {
	if sess, ok := s.cache.Get(id); ok {
		return sess, nil
	}
	sess, err := s.persister.LoadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.TaskIDs == nil {
		sess.TaskIDs = []string{}
	}
	sess.index()
	s.cache.Add(id, sess)
	return sess, nil
}

// create builds and stores a new aggregate. Callers hold s.mu.
func (s *Store) create(ctx context.Context, id, userID, title string) (*Session, error) {
	now := s.now()
	sess := &Session{
		ID:        id,
		UserID:    userID,
		Title:     title,
		Status:    StatusActive,
		TaskIDs:   []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	sess.index()
	if err := s.persister.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	s.cache.Add(id, sess)
	s.logger.Debug("session created", slog.String("session_id", id), slog.String("user_id", userID))
	return sess, nil
}

// GetOrCreate returns the session with id, creating it for userID when it does
// not exist. An empty id always creates a new session.
func (s *Store) GetOrCreate(ctx context.Context, id, userID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "" {
		sess, err := s.load(ctx, id)
		if err == nil {
			return sess.Clone(), nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return Session{}, err
		}
	} else {
		id = idgen.New()
	}
	sess, err := s.create(ctx, id, userID, "")
	if err != nil {
		return Session{}, err
	}
	return sess.Clone(), nil
}

// Create starts a new session with an optional explicit title.
func (s *Store) Create(ctx context.Context, userID, title string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.create(ctx, idgen.New(), userID, DeriveTitle(title))
	if err != nil {
		return Session{}, err
	}
	return sess.Clone(), nil
}

// Get returns a copy of the session or ErrSessionNotFound.
func (s *Store) Get(ctx context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.load(ctx, id)
	if err != nil {
		return Session{}, err
	}
	return sess.Clone(), nil
}

// List returns session headers for userID, newest first. Archived sessions
// are included; callers filter on Status.
func (s *Store) List(ctx context.Context, userID string) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.persister.ListSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]Session, len(stored))
	for i, h := range stored {
		out[i] = h.Header()
	}
	return out, nil
}

// Archive soft-deletes a session. Archiving twice is a no-op.
func (s *Store) Archive(ctx context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.load(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if sess.Status == StatusArchived {
		return sess.Clone(), nil
	}
	sess.Status = StatusArchived
	sess.UpdatedAt = s.now()
	if err := s.persister.UpdateSession(ctx, sess); err != nil {
		return Session{}, err
	}
	return sess.Clone(), nil
}

// RecordUserMessage appends a user message. The first one also names the
// session when it has no title yet.
func (s *Store) RecordUserMessage(ctx context.Context, sessionID, content string) (Message, error) {
	m := Message{Role: RoleUser, Kind: KindText, Content: content}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return Message{}, err
	}
	if sess.Title == "" {
		sess.Title = DeriveTitle(content)
	}
	return s.append(ctx, sess, m)
}

// RecordAssistantMessage appends an assistant message. Messages that close a
// task are ignored when that task already has one.
func (s *Store) RecordAssistantMessage(ctx context.Context, sessionID string, m Message) (Message, error) {
	m.Role = RoleAssistant
	if m.Kind == "" {
		m.Kind = KindText
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return Message{}, err
	}
	if m.terminal() && sess.isClosed(m.TaskID) {
		return Message{}, nil
	}
	return s.append(ctx, sess, m)
}

// append stores m on sess. Callers hold s.mu.
func (s *Store) append(ctx context.Context, sess *Session, m Message) (Message, error) {
	if m.ID == "" {
		m.ID = idgen.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	m.Sources = event.CopySources(m.Sources)
	if err := s.persister.AppendMessage(ctx, sess.ID, m); err != nil {
		return Message{}, err
	}
	sess.addMessage(m)
	sess.UpdatedAt = s.now()
	if err := s.persister.UpdateSession(ctx, sess); err != nil {
		s.logger.Warn("session header not persisted", slog.String("session_id", sess.ID), slog.Any("err", err))
	}
	return m, nil
}

// AttachTask records that taskID belongs to the session.
func (s *Store) AttachTask(ctx context.Context, sessionID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	return s.attach(ctx, sess, taskID)
}

func (s *Store) attach(ctx context.Context, sess *Session, taskID string) error {
	if sess.hasTask(taskID) {
		return nil
	}
	if err := s.persister.AddTask(ctx, sess.ID, taskID); err != nil {
		return err
	}
	sess.addTask(taskID)
	return nil
}

// OnTaskEvent is a bus handler. It keeps task membership current and, on the
// first terminal event of a task, records the assistant message that closes it.
func (s *Store) OnTaskEvent(ctx context.Context, ev event.Event) error {
	if ev.SessionID == "" || ev.TaskID == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.load(ctx, ev.SessionID)
	if errors.Is(err, ErrSessionNotFound) {
		s.logger.Warn("event for unknown session", slog.String("session_id", ev.SessionID), slog.String("task_id", ev.TaskID))
		sess, err = s.create(ctx, ev.SessionID, "", "")
	}
	if err != nil {
		return fmt.Errorf("session %s: %w", ev.SessionID, err)
	}
	if err := s.attach(ctx, sess, ev.TaskID); err != nil {
		return fmt.Errorf("attach task %s: %w", ev.TaskID, err)
	}
	if !ev.Terminal() || sess.isClosed(ev.TaskID) {
		return nil
	}

	m, ok := closingMessage(ev)
	if !ok {
		return nil
	}
	if _, err := s.append(ctx, sess, m); err != nil {
		return fmt.Errorf("record closing message for %s: %w", ev.TaskID, err)
	}
	return nil
}

// closingMessage turns a terminal event into the transcript message for it.
func closingMessage(ev event.Event) (Message, bool) {
	m := Message{
		Role:      RoleAssistant,
		TaskID:    ev.TaskID,
		AgentName: ev.AgentName,
		CreatedAt: ev.Timestamp,
	}
	switch p := ev.Payload.(type) {
	case event.TaskCompleted:
		if p.Status == event.CompletionCancelled {
			m.Kind = KindCancelled
			m.Content = CancelledNotice
			return m, true
		}
		m.Kind = KindAnswer
		m.Content = p.Answer
		m.Sources = p.Sources
		return m, true
	case event.Error:
		m.Kind = KindError
		m.Content = p.Message
		if m.Content == "" {
			m.Content = task.FailureMessage(ev.TaskID)
		}
		return m, true
	}
	return Message{}, false
}

// RunningTasks summarises the session's unfinished tasks. Tasks whose closing
// message is already recorded are left out even if the registry has not caught
// up yet, so the summary agrees with the transcript.
func (s *Store) RunningTasks(ctx context.Context, sessionID string) (RunningSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return RunningSummary{}, err
	}
	return s.running(sess), nil
}

func (s *Store) running(sess *Session) RunningSummary {
	sum := RunningSummary{Tasks: []task.Summary{}}
	if s.tasks == nil {
		return sum
	}
	for _, t := range s.tasks.ListRunning(sess.ID) {
		if sess.isClosed(t.ID) {
			continue
		}
		sum.Tasks = append(sum.Tasks, t.Summary())
	}
	sum.Count = len(sum.Tasks)
	return sum
}

// GetFullState returns everything needed to rebuild a client's view of the
// session in one read.
func (s *Store) GetFullState(ctx context.Context, sessionID string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return State{}, err
	}

	full := sess.Clone()
	st := State{
		Session:      sess.Header(),
		Messages:     full.Messages,
		RunningTasks: s.running(sess),
		TaskStats:    make(map[task.Status]int),
	}
	if st.Messages == nil {
		st.Messages = []Message{}
	}
	if s.tasks != nil {
		st.TaskStats = s.tasks.Stats(sess.ID)
	}

	agents := make(map[string]struct{})
	for _, m := range sess.Messages {
		if m.AgentName != "" {
			agents[m.AgentName] = struct{}{}
		}
	}
	if s.tasks != nil {
		for _, t := range s.tasks.List(task.Filter{SessionID: sess.ID}) {
			if t.AgentName != "" {
				agents[t.AgentName] = struct{}{}
			}
		}
	}
	st.AgentsInvolved = make([]string, 0, len(agents))
	for a := range agents {
		st.AgentsInvolved = append(st.AgentsInvolved, a)
	}
	sort.Strings(st.AgentsInvolved)
	return st, nil
}

// History implements agent.HistorySource. It returns up to limit earlier
// turns, oldest first. Trailing user messages are the queries still being
// answered and are left out, as are error and cancellation notices.
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]provider.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	msgs := sess.Messages
	end := len(msgs)
	for end > 0 && msgs[end-1].Role == RoleUser {
		end--
	}
	var out []provider.Message
	for _, m := range msgs[:end] {
		switch {
		case m.Role == RoleUser:
			out = append(out, provider.Message{Role: provider.RoleUser, Content: m.Content})
		case m.Kind == KindAnswer || m.Kind == KindText:
			out = append(out, provider.Message{Role: provider.RoleAssistant, Content: m.Content})
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
