// Package app assembles the relay daemon from its configuration: storage,
// the task pipeline, the event fan-out and the HTTP surface.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/relay/agent"
	"github.com/GoCodeAlone/relay/comms"
	"github.com/GoCodeAlone/relay/config"
	"github.com/GoCodeAlone/relay/internal/sqlitedb"
	"github.com/GoCodeAlone/relay/internal/telemetry"
	"github.com/GoCodeAlone/relay/internal/version"
	"github.com/GoCodeAlone/relay/memory"
	"github.com/GoCodeAlone/relay/plugin"
	"github.com/GoCodeAlone/relay/provider/mock"
	"github.com/GoCodeAlone/relay/scheduler"
	"github.com/GoCodeAlone/relay/server"
	"github.com/GoCodeAlone/relay/server/api"
	"github.com/GoCodeAlone/relay/server/ws"
	"github.com/GoCodeAlone/relay/session"
	"github.com/GoCodeAlone/relay/task"
)

const shutdownTimeout = 10 * time.Second

// App is a fully wired relay instance.
type App struct {
	Config  config.Config
	Logger  *slog.Logger
	DB      *sql.DB
	Metrics *telemetry.Metrics

	Tasks     *task.Registry
	Bus       *comms.InMemoryBus
	Roster    *agent.Roster
	Scheduler *scheduler.Controller
	Sessions  *session.Store
	Board     *agent.StatusBoard
	Hub       *ws.Hub
	Memory    *memory.Store // nil when memory is disabled
	Server    *server.Server

	// Interrupted lists the tasks a previous process left unfinished.
	Interrupted []task.Task
}

// New opens storage and wires every component. The caller owns the App and
// must call Run or Close.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	policy, err := scheduler.ParsePolicy(cfg.Scheduler.QueuePolicy)
	if err != nil {
		return nil, err
	}

	db, err := sqlitedb.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger, DB: db, Metrics: telemetry.New()}
	if err := a.wire(ctx, policy); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, policy scheduler.Policy) error {
	cfg, logger := a.Config, a.Logger

	taskStore, err := task.NewSQLiteStore(a.DB)
	if err != nil {
		return fmt.Errorf("task store: %w", err)
	}
	a.Interrupted, err = task.MarkInterrupted(ctx, taskStore, logger)
	if err != nil {
		return err
	}
	a.Tasks = task.NewRegistry(taskStore, logger)

	persister, err := session.NewSQLitePersister(a.DB)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	a.Sessions, err = session.NewStore(persister, a.Tasks, cfg.Sessions.CacheSize, logger)
	if err != nil {
		return err
	}
	a.closeInterrupted(ctx)

	tools := plugin.NewRegistry()
	if cfg.Memory.Enabled {
		a.Memory = memory.NewStore(a.DB)
		if err := a.Memory.InitTables(ctx); err != nil {
			return fmt.Errorf("memory store: %w", err)
		}
		if err := tools.Register(&memory.SearchTool{Store: a.Memory}); err != nil {
			return err
		}
	}

	a.Roster = agent.NewRoster()
	for _, ac := range cfg.Agents {
		steps, err := mock.ParseScript(ac.Responses)
		if err != nil {
			return fmt.Errorf("agent %s: %w", ac.Name, err)
		}
		err = a.Roster.Add(agent.Profile{
			Personality: agent.Personality{
				Name:         ac.Name,
				Role:         ac.Role,
				SystemPrompt: ac.SystemPrompt,
				Provider:     ac.Provider,
			},
			Backend: agent.NewProviderBackend(mock.NewScripted(steps...), tools, logger),
		}, ac.Default)
		if err != nil {
			return err
		}
	}

	router := scheduler.NewRouter()
	runner := agent.NewRunner(a.Roster, a.Sessions, cfg.Runner.MaxIterations, logger)
	runner.SetLoopLimit(cfg.Runner.LoopLimit)
	router.Handle(task.TypeChat, runner)
	a.Bus = comms.NewInMemoryBus(logger)
	a.Scheduler = scheduler.New(scheduler.Config{
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		Policy:        policy,
	}, a.Tasks, a.Bus, router, a.Metrics, logger)
	if a.Memory != nil {
		router.Handle(task.TypeMemoryCapture, memory.NewCaptureRunner(a.Memory, logger))
		a.Scheduler.OnFinish(memory.CaptureHook(a.Scheduler, logger))
	}

	a.Hub = ws.NewHub(ws.Config{
		BufferSize:        cfg.Hub.BufferSize,
		HeartbeatInterval: cfg.Hub.HeartbeatInterval,
	}, nil, a.Metrics, logger)
	a.Board = agent.NewStatusBoard(a.Roster.Names(), a.Hub)
	a.Hub.SetStatusSource(a.Board)

	// The transcript must hold a task's closing message before any client
	// sees the terminal event, so the session store subscribes first.
	a.Bus.Subscribe("sessions", a.Sessions.OnTaskEvent)
	a.Bus.Subscribe("agent-status", a.Board.Handle)
	a.Bus.Subscribe("hub", a.Hub.Handle)

	svc := &api.Service{
		Sessions:  a.Sessions,
		Scheduler: a.Scheduler,
		Roster:    a.Roster,
		Logger:    logger,
		Subject:   server.SubjectFromContext,
	}
	handlers := &api.Handlers{
		Service:     svc,
		Tasks:       a.Tasks,
		Agents:      api.NewAgentDirectory(a.Roster, a.Board),
		Status:      a.Scheduler,
		Connections: a.Hub,
		Logger:      logger,
		Version:     version.Version,
		StartAt:     time.Now(),
	}
	push := &ws.Handler{
		Hub:            a.Hub,
		Dispatch:       svc.Dispatcher(),
		WriteTimeout:   cfg.Server.WriteTimeout,
		OriginPatterns: cfg.Hub.AllowedOrigins,
		Logger:         logger,
	}
	a.Server = server.New(cfg, handlers, push, a.Metrics, logger)
	return nil
}

// closeInterrupted gives every interrupted chat task its closing message so
// sessions do not report it as running forever.
func (a *App) closeInterrupted(ctx context.Context) {
	for _, t := range a.Interrupted {
		if t.SessionID == "" || t.Detached {
			continue
		}
		_, err := a.Sessions.RecordAssistantMessage(ctx, t.SessionID, session.Message{
			Kind:      session.KindError,
			TaskID:    t.ID,
			AgentName: t.AgentName,
			Content:   task.FailureMessage(t.ID),
		})
		if err != nil {
			a.Logger.Warn("close interrupted task", slog.String("task_id", t.ID), slog.Any("err", err))
		}
	}
}

// Handler returns the HTTP handler, for tests.
func (a *App) Handler() http.Handler { return a.Server.Handler() }

// Run serves until ctx is done, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.Server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.Hub.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.Close(sctx)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops accepting requests, cancels outstanding work and closes storage.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Server.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop server: %w", err))
	}
	if err := a.Scheduler.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
	}
	a.Hub.Close()
	if err := a.DB.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close db: %w", err))
	}
	a.Logger.Info("relay stopped")
	return errors.Join(errs...)
}
