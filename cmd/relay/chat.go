package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/relay/client"
	"github.com/GoCodeAlone/relay/event"
	"github.com/GoCodeAlone/relay/protocol"
	"github.com/GoCodeAlone/relay/session"
)

// connectWait bounds how long chat waits for push before falling back to HTTP.
const connectWait = 3 * time.Second

// watcher prints the live progress of one task and reports when the view
// holds its closing message.
type watcher struct {
	mu     sync.Mutex
	taskID string
	done   chan session.Message
	once   sync.Once
}

func newWatcher() *watcher {
	return &watcher{done: make(chan session.Message, 1)}
}

func (w *watcher) target() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.taskID
}

func (w *watcher) watch(taskID string, v client.View) {
	w.mu.Lock()
	w.taskID = taskID
	w.mu.Unlock()
	w.onChange(v)
}

func (w *watcher) onEvent(ev event.Event) {
	if id := w.target(); id != "" && ev.TaskID == id {
		printProgress(ev)
	}
}

func (w *watcher) onChange(v client.View) {
	id := w.target()
	if id == "" {
		return
	}
	if _, running := v.Running[id]; running {
		return
	}
	for i := len(v.Messages) - 1; i >= 0; i-- {
		m := v.Messages[i]
		if m.TaskID == id && m.Role == session.RoleAssistant {
			w.once.Do(func() { w.done <- m })
			return
		}
	}
}

func onState(s client.ConnState) {
	switch s {
	case client.Disconnected:
		fmt.Println(yellow("· push connection lost, polling until it is back"))
	case client.Subscribed:
		fmt.Println(gray("· live"))
	}
}

func chatCmd() *cobra.Command {
	var (
		agentName string
		sessionID string
		fresh     bool
	)
	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Send a message and follow the answer live",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			mem := sessionMemory()
			if fresh {
				if err := mem.Save(""); err != nil {
					return err
				}
			}
			w := newWatcher()
			c := client.New(newAPI(), client.Options{
				Memory:   mem,
				OnChange: w.onChange,
				OnEvent:  w.onEvent,
				OnState:  onState,
			})
			if sessionID != "" {
				if err := c.Use(ctx, sessionID); err != nil {
					return err
				}
			}

			runErr := make(chan error, 1)
			go func() { runErr <- c.Run(ctx) }()
			waitConnected(ctx, c, connectWait)

			var opts map[string]string
			if agentName != "" {
				opts = map[string]string{protocol.AgentOption: agentName}
			}
			ack, err := c.Chat(ctx, strings.Join(args, " "), opts)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s %s\n", gray("task"), ack.TaskID, gray("in session "+ack.SessionID))
			w.watch(ack.TaskID, c.View())

			select {
			case m := <-w.done:
				printMessage(m)
				return nil
			case err := <-runErr:
				if err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			case <-ctx.Done():
				fmt.Printf("\n%s the task keeps running; run `relay watch` to follow it\n", gray("·"))
				return nil
			}
		},
	}
	cmd.Flags().StringVar(&agentName, "agent", "", "agent to ask (the default agent when empty)")
	cmd.Flags().StringVar(&sessionID, "session", "", "session to post to (the active one when empty)")
	cmd.Flags().BoolVar(&fresh, "new", false, "start a new session")
	return cmd
}

func waitConnected(ctx context.Context, c *client.Client, limit time.Duration) {
	deadline := time.NewTimer(limit)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		switch c.State() {
		case client.Connected, client.Subscribed:
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			fmt.Println(yellow("· push unavailable, sending over HTTP"))
			return
		case <-tick.C:
		}
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [session-id]",
		Short: "Follow a session live, recovering across disconnects",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := sessionArg(args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			var (
				mu      sync.Mutex
				printed = make(map[string]bool)
			)
			show := func(v client.View) {
				mu.Lock()
				defer mu.Unlock()
				for _, m := range v.Messages {
					// Live closing messages have no ID until the next
					// reconcile, so those are keyed by task.
					key := m.ID
					if m.Role == session.RoleAssistant && m.TaskID != "" {
						key = "task:" + m.TaskID
					}
					if printed[key] {
						continue
					}
					printed[key] = true
					printMessage(m)
				}
			}
			c := client.New(newAPI(), client.Options{
				Memory:   sessionMemory(),
				OnChange: show,
				OnEvent: func(ev event.Event) {
					if ev.TaskID != "" {
						printProgress(ev)
					}
				},
				OnState: onState,
			})
			if err := c.Use(ctx, id); err != nil {
				return err
			}
			err = c.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
