// Package mock provides a scripted provider for default agents and tests.
package mock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/GoCodeAlone/relay/provider"
)

const defaultResponse = "Task acknowledged. Working on it."

// Step is one scripted model turn.
type Step struct {
	Content   string
	ToolCalls []provider.ToolCall
	Citations []provider.Citation
	Err       error         // returned instead of a response
	Delay     time.Duration // simulated latency, cut short by ctx
}

// MockProvider implements provider.Provider with a cyclic script.
// It is safe for concurrent use; concurrent conversations share the cursor.
type MockProvider struct {
	mu    sync.Mutex
	steps []Step
	idx   int
	calls int
}

// New creates a MockProvider that cycles through plain text responses.
func New(responses ...string) *MockProvider {
	steps := make([]Step, len(responses))
	for i, r := range responses {
		steps[i] = Step{Content: r}
	}
	return &MockProvider{steps: steps}
}

// NewScripted creates a MockProvider from explicit steps.
func NewScripted(steps ...Step) *MockProvider {
	return &MockProvider{steps: steps}
}

// Name returns the provider identifier.
func (m *MockProvider) Name() string { return "mock" }

// Calls returns how many Chat calls were made.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Chat returns the next scripted step, cycling through the script.
func (m *MockProvider) Chat(ctx context.Context, _ []provider.Message, _ []provider.ToolDef) (*provider.Response, error) {
	m.mu.Lock()
	m.calls++
	if len(m.steps) == 0 {
		m.mu.Unlock()
		return &provider.Response{Content: defaultResponse}, nil
	}
	step := m.steps[m.idx%len(m.steps)]
	m.idx++
	m.mu.Unlock()

	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return &provider.Response{
		Content:   step.Content,
		ToolCalls: step.ToolCalls,
		Citations: step.Citations,
		Usage:     provider.Usage{OutputTokens: len(step.Content)},
	}, nil
}

// ParseScript turns configuration lines into steps:
//
//	tool:<name> <json arguments>   a tool call
//	error:<message>                a provider failure
//	sleep:<duration> <line>        any other line after a delay
//	anything else                  plain text
func ParseScript(lines []string) ([]Step, error) {
	steps := make([]Step, 0, len(lines))
	for i, line := range lines {
		st, err := parseLine(line, i+1)
		if err != nil {
			return nil, fmt.Errorf("script line %d: %w", i+1, err)
		}
		steps = append(steps, st)
	}
	return steps, nil
}

func parseLine(line string, n int) (Step, error) {
	switch {
	case strings.HasPrefix(line, "sleep:"):
		d, rest, _ := strings.Cut(strings.TrimPrefix(line, "sleep:"), " ")
		delay, err := time.ParseDuration(d)
		if err != nil {
			return Step{}, err
		}
		st, err := parseLine(rest, n)
		if err != nil {
			return Step{}, err
		}
		st.Delay += delay
		return st, nil
	case strings.HasPrefix(line, "tool:"):
		name, rawArgs, _ := strings.Cut(strings.TrimPrefix(line, "tool:"), " ")
		args := map[string]any{}
		if strings.TrimSpace(rawArgs) != "" {
			if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
				return Step{}, fmt.Errorf("tool arguments: %w", err)
			}
		}
		return Step{
			Content:   "Calling " + name,
			ToolCalls: []provider.ToolCall{{ID: fmt.Sprintf("call_%d", n), Name: name, Arguments: args}},
		}, nil
	case strings.HasPrefix(line, "error:"):
		return Step{Err: errors.New(strings.TrimPrefix(line, "error:"))}, nil
	default:
		return Step{Content: line}, nil
	}
}
