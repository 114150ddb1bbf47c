package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/GoCodeAlone/relay/agent"
	"github.com/GoCodeAlone/relay/protocol"
	"github.com/GoCodeAlone/relay/scheduler"
	"github.com/GoCodeAlone/relay/session"
	"github.com/GoCodeAlone/relay/task"
)

// NotAcceptedMessage closes a user message whose task could not be started.
const NotAcceptedMessage = "Sorry, I couldn't start on this request. Please try again."

// Submitted describes a chat request that was accepted.
type Submitted struct {
	SessionID string      `json:"session_id"`
	TaskID    string      `json:"task_id"`
	AgentName string      `json:"agent_name"`
	Status    task.Status `json:"status"`
}

// CancelOutcome describes what a cancel request did.
type CancelOutcome struct {
	TaskID  string                 `json:"task_id"`
	Result  scheduler.CancelResult `json:"result"`
	Warning string                 `json:"warning,omitempty"`
}

// Service is the entry point for submitting and cancelling work. Both the
// REST handlers and the WebSocket dispatcher go through it.
type Service struct {
	Sessions  *session.Store
	Scheduler *scheduler.Controller
	Roster    *agent.Roster
	Logger    *slog.Logger
	// Subject resolves the authenticated user from a request context.
	Subject func(ctx context.Context) string
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Service) subject(ctx context.Context) string {
	if s.Subject == nil {
		return ""
	}
	return s.Subject(ctx)
}

// Submit records the user's message and hands a chat task to the scheduler.
// bind, if set, sees the resolved session ID before the task exists.
func (s *Service) Submit(ctx context.Context, req protocol.Chat, bind func(sessionID string)) (Submitted, error) {
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return Submitted{}, protocol.ErrEmptyMessage
	}
	profile, err := s.Roster.Resolve(req.Agent())
	if err != nil {
		return Submitted{}, err
	}

	sess, err := s.Sessions.GetOrCreate(ctx, req.SessionID, s.subject(ctx))
	if err != nil {
		return Submitted{}, fmt.Errorf("open session: %w", err)
	}
	if sess.Status == session.StatusArchived {
		return Submitted{}, fmt.Errorf("%w: %s", session.ErrSessionArchived, sess.ID)
	}
	if bind != nil {
		bind(sess.ID)
	}
	if _, err := s.Sessions.RecordUserMessage(ctx, sess.ID, msg); err != nil {
		return Submitted{}, fmt.Errorf("record message: %w", err)
	}

	t, err := s.Scheduler.Submit(ctx, task.NewTask{
		SessionID: sess.ID,
		AgentName: profile.Personality.Name,
		Type:      task.TypeChat,
		Input:     task.Input{Query: msg, Options: req.Options},
	})
	if err != nil {
		// The user message is already in the transcript; close it so the
		// session does not show a question nobody will answer.
		if _, rerr := s.Sessions.RecordAssistantMessage(ctx, sess.ID, session.Message{
			Kind:      session.KindError,
			Content:   NotAcceptedMessage,
			AgentName: profile.Personality.Name,
		}); rerr != nil {
			s.logger().Warn("record rejection", slog.String("session_id", sess.ID), slog.Any("err", rerr))
		}
		return Submitted{}, fmt.Errorf("submit: %w", err)
	}
	if err := s.Sessions.AttachTask(ctx, sess.ID, t.ID); err != nil {
		s.logger().Warn("attach task", slog.String("session_id", sess.ID), slog.String("task_id", t.ID), slog.Any("err", err))
	}
	s.logger().Info("chat submitted",
		slog.String("session_id", sess.ID),
		slog.String("task_id", t.ID),
		slog.String("agent", t.AgentName),
		slog.String("status", string(t.Status)))
	return Submitted{SessionID: sess.ID, TaskID: t.ID, AgentName: t.AgentName, Status: t.Status}, nil
}

// Cancel cancels a task. Unknown tasks are a warning, never an error, so
// retrying clients always get an answer.
func (s *Service) Cancel(ctx context.Context, taskID string) (CancelOutcome, error) {
	res, err := s.Scheduler.Cancel(ctx, taskID)
	out := CancelOutcome{TaskID: taskID, Result: res}
	if errors.Is(err, task.ErrTaskNotFound) {
		s.logger().Warn("cancel for unknown task", slog.String("task_id", taskID))
		out.Result = scheduler.NotFound
		out.Warning = "unknown task"
		return out, nil
	}
	if err != nil {
		return CancelOutcome{}, err
	}
	return out, nil
}

// Dispatcher answers WebSocket chat and cancel requests with acknowledgements.
type Dispatcher struct {
	svc *Service
}

// Dispatcher returns the WebSocket view of the service.
func (s *Service) Dispatcher() *Dispatcher { return &Dispatcher{svc: s} }

// Chat submits a request and acknowledges it.
func (d *Dispatcher) Chat(ctx context.Context, req protocol.Chat, bind func(sessionID string)) protocol.Ack {
	sub, err := d.svc.Submit(ctx, req, bind)
	if err != nil {
		d.svc.logger().Warn("chat rejected", slog.String("session_id", req.SessionID), slog.Any("err", err))
		ack := protocol.ErrorAck(protocol.TypeChat, publicError(err))
		ack.SessionID = req.SessionID
		return ack
	}
	ack := protocol.NewAck(protocol.TypeChat)
	ack.SessionID = sub.SessionID
	ack.TaskID = sub.TaskID
	ack.Status = string(sub.Status)
	return ack
}

// Cancel cancels a task and acknowledges it, whatever the outcome.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) protocol.Ack {
	ack := protocol.NewAck(protocol.TypeCancel)
	ack.TaskID = taskID
	out, err := d.svc.Cancel(ctx, taskID)
	if err != nil {
		d.svc.logger().Error("cancel", slog.String("task_id", taskID), slog.Any("err", err))
		ack.Error = "cancel failed"
		return ack
	}
	ack.Result = string(out.Result)
	ack.Warning = out.Warning
	return ack
}

// publicError keeps internal detail out of client-facing messages.
func publicError(err error) error {
	switch {
	case errors.Is(err, protocol.ErrEmptyMessage),
		errors.Is(err, session.ErrSessionArchived),
		errors.Is(err, agent.ErrNoAgents),
		errors.Is(err, scheduler.ErrClosed):
		return err
	}
	return errors.New("request could not be submitted")
}
