package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/GoCodeAlone/relay/event"
	"github.com/GoCodeAlone/relay/plugin"
	"github.com/GoCodeAlone/relay/provider"
)

const defaultSystemPrompt = "You are a helpful research assistant."

// ProviderBackend reasons through a chat-completion provider, executing the
// tool calls the provider requests between turns.
type ProviderBackend struct {
	provider provider.Provider
	tools    *plugin.Registry
	logger   *slog.Logger
}

// NewProviderBackend creates a backend. tools may be nil.
func NewProviderBackend(p provider.Provider, tools *plugin.Registry, logger *slog.Logger) *ProviderBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProviderBackend{provider: p, tools: tools, logger: logger}
}

// Reason starts a conversation for req.
func (b *ProviderBackend) Reason(_ context.Context, req Request) (Stream, error) {
	if b.provider == nil {
		return nil, fmt.Errorf("agent %s: no provider configured", req.Agent.Name)
	}
	var defs []provider.ToolDef
	if b.tools != nil {
		defs = b.tools.Definitions()
	}
	return &providerStream{
		b:        b,
		req:      req,
		messages: buildMessages(req),
		defs:     defs,
	}, nil
}

type providerStream struct {
	b        *ProviderBackend
	req      Request
	messages []provider.Message
	defs     []provider.ToolDef
	done     bool
}

// Next makes one provider call and runs the tools it asked for.
func (s *providerStream) Next(ctx context.Context) (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}
	resp, err := s.b.provider.Chat(ctx, s.messages, s.defs)
	if err != nil {
		return Chunk{}, fmt.Errorf("provider %s: %w", s.b.provider.Name(), err)
	}

	chunk := Chunk{Sources: citations(resp.Citations)}
	if len(resp.ToolCalls) == 0 {
		s.done = true
		chunk.FinalAnswer = resp.Content
		return chunk, nil
	}

	chunk.Thought = resp.Content
	s.messages = append(s.messages, provider.Message{
		Role:    provider.RoleAssistant,
		Content: resp.Content,
	})
	for _, tc := range resp.ToolCalls {
		ex := ToolExchange{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
		ex.Output, ex.Failed = s.executeTool(ctx, tc)
		chunk.ToolCalls = append(chunk.ToolCalls, ex)
		s.messages = append(s.messages, provider.Message{
			Role:       provider.RoleTool,
			Content:    ex.Output,
			ToolCallID: tc.ID,
		})
	}
	return chunk, nil
}

// executeTool runs a tool call. Tool failures are reported to the model, not
// raised, so one bad tool does not fail the task.
func (s *providerStream) executeTool(ctx context.Context, tc provider.ToolCall) (string, bool) {
	if s.b.tools == nil {
		return fmt.Sprintf("tool %q is not available", tc.Name), true
	}
	ctx = plugin.WithCaller(ctx, s.req.Agent.Name, s.req.SessionID)
	out, err := s.b.tools.Execute(ctx, tc.Name, tc.Arguments)
	if err != nil {
		s.b.logger.Warn("tool call failed",
			slog.String("task_id", s.req.TaskID),
			slog.String("tool", tc.Name),
			slog.Any("err", err))
		return "Tool error: " + err.Error(), true
	}
	return out, false
}

// buildMessages constructs the conversation context for a request.
func buildMessages(req Request) []provider.Message {
	sysPrompt := defaultSystemPrompt
	if req.Agent.SystemPrompt != "" {
		sysPrompt = req.Agent.SystemPrompt
	}
	msgs := []provider.Message{{Role: provider.RoleSystem, Content: sysPrompt}}
	msgs = append(msgs, req.History...)

	var content strings.Builder
	content.WriteString(req.Query)
	if len(req.Options) > 0 {
		content.WriteString("\n\nOptions:")
		for _, k := range sortedKeys(req.Options) {
			fmt.Fprintf(&content, "\n- %s: %s", k, req.Options[k])
		}
	}
	return append(msgs, provider.Message{Role: provider.RoleUser, Content: content.String()})
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func citations(cs []provider.Citation) []event.Source {
	if len(cs) == 0 {
		return nil
	}
	out := make([]event.Source, len(cs))
	for i, c := range cs {
		out[i] = event.Source{Title: c.Title, URL: c.URL, Snippet: c.Snippet}
	}
	return out
}
