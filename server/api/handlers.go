package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/GoCodeAlone/relay/agent"
	"github.com/GoCodeAlone/relay/protocol"
	"github.com/GoCodeAlone/relay/scheduler"
	"github.com/GoCodeAlone/relay/session"
	"github.com/GoCodeAlone/relay/task"
)

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Service     *Service
	Tasks       *task.Registry
	Agents      AgentLister
	Status      StatusReporter
	Connections ConnectionCounter
	Logger      *slog.Logger
	Version     string
	StartAt     time.Time
}

// RegisterRoutes registers all protected API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/agents", h.listAgents)
	mux.HandleFunc("GET /api/agents/{name}", h.getAgent)

	mux.HandleFunc("POST /api/sessions", h.createSession)
	mux.HandleFunc("GET /api/sessions", h.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}/state", h.sessionState)
	mux.HandleFunc("GET /api/sessions/{id}/running", h.sessionRunning)
	mux.HandleFunc("POST /api/sessions/{id}/messages", h.postMessage)
	mux.HandleFunc("POST /api/sessions/{id}/archive", h.archiveSession)

	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", h.cancelTask)

	mux.HandleFunc("GET /api/version", h.version)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps domain errors onto HTTP status codes. Internal
// detail is logged, never returned.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, task.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, task.ErrInvalidTransition), errors.Is(err, session.ErrSessionArchived):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, protocol.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, scheduler.ErrClosed), errors.Is(err, agent.ErrNoAgents):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger().Error("request failed", slog.String("path", r.URL.Path), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handlers) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// --- Agent handlers ---

func (h *Handlers) listAgents(w http.ResponseWriter, _ *http.Request) {
	agents := h.Agents.ListAgents()
	if agents == nil {
		agents = []agent.Info{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *Handlers) getAgent(w http.ResponseWriter, r *http.Request) {
	info, ok := h.Agents.GetAgent(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// --- Session handlers ---

type createSessionRequest struct {
	Title string `json:"title"`
}

func (h *Handlers) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	sess, err := h.Service.Sessions.Create(r.Context(), h.Service.subject(r.Context()), req.Title)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.Service.Sessions.List(r.Context(), h.Service.subject(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if r.URL.Query().Get("include_archived") != "true" {
		active := sessions[:0]
		for _, s := range sessions {
			if s.Status == session.StatusActive {
				active = append(active, s)
			}
		}
		sessions = active
	}
	if sessions == nil {
		sessions = []session.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// sessionState is the full rehydrate read used on reconnect and after polling.
func (h *Handlers) sessionState(w http.ResponseWriter, r *http.Request) {
	st, err := h.Service.Sessions.GetFullState(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// sessionRunning is the cheap polling read.
func (h *Handlers) sessionRunning(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Service.Sessions.RunningTasks(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

type postMessageRequest struct {
	Message string            `json:"message"`
	Options map[string]string `json:"options,omitempty"`
}

func (h *Handlers) postMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	id := r.PathValue("id")
	if _, err := h.Service.Sessions.Get(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	sub, err := h.Service.Submit(r.Context(), protocol.Chat{SessionID: id, Message: req.Message, Options: req.Options}, nil)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

func (h *Handlers) archiveSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Service.Sessions.Archive(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// --- Task handlers ---

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.Lookup(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// cancelTask always answers 200: unknown and finished tasks are reported in
// the body so that retries stay idempotent.
func (h *Handlers) cancelTask(w http.ResponseWriter, r *http.Request) {
	out, err := h.Service.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// --- Status / version ---

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Running       int     `json:"running"`
	Queued        int     `json:"queued"`
	MaxConcurrent int     `json:"max_concurrent"`
	Connections   int     `json:"connections"`
}

func (h *Handlers) status(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{Status: "ok", Version: h.Version}
	if !h.StartAt.IsZero() {
		resp.UptimeSeconds = time.Since(h.StartAt).Seconds()
	}
	if h.Status != nil {
		resp.Running = h.Status.Running()
		resp.Queued = h.Status.Queued()
		resp.MaxConcurrent = h.Status.MaxConcurrent()
	}
	if h.Connections != nil {
		resp.Connections = h.Connections.Count()
	}
	writeJSON(w, http.StatusOK, resp)
}

// StatusHandler returns the status handler function for external registration.
func (h *Handlers) StatusHandler() http.HandlerFunc {
	return h.status
}

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
	})
}
