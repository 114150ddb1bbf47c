package plugin

import "context"

type contextKey int

const (
	contextKeyAgent contextKey = iota
	contextKeySession
)

// WithCaller returns a context carrying the agent and session a tool runs for.
func WithCaller(ctx context.Context, agentName, sessionID string) context.Context {
	ctx = context.WithValue(ctx, contextKeyAgent, agentName)
	return context.WithValue(ctx, contextKeySession, sessionID)
}

// AgentFromContext returns the calling agent's name, if set.
func AgentFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(contextKeyAgent).(string)
	return v, ok && v != ""
}

// SessionFromContext returns the calling session ID, if set.
func SessionFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(contextKeySession).(string)
	return v, ok && v != ""
}
