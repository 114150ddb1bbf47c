package memory

import (
	"context"
	"fmt"

	"github.com/GoCodeAlone/relay/plugin"
	"github.com/GoCodeAlone/relay/provider"
)

// SearchTool lets an agent recall what it answered before.
type SearchTool struct {
	Store     *Store
	AgentName string // fallback when the context carries no caller
}

func (t *SearchTool) Name() string        { return "memory_search" }
func (t *SearchTool) Description() string { return "Search answers this agent gave in earlier tasks" }
func (t *SearchTool) Definition() provider.ToolDef {
	return provider.ToolDef{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Search query to find relevant memories",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of results to return (default 5)",
				},
			},
			"required": []string{"query"},
		},
	}
}

func (t *SearchTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	limit := 5
	switch v := args["limit"].(type) {
	case float64:
		if v > 0 {
			limit = int(v)
		}
	case int:
		if v > 0 {
			limit = v
		}
	}

	agentName, ok := plugin.AgentFromContext(ctx)
	if !ok {
		agentName = t.AgentName
	}
	if agentName == "" {
		return nil, fmt.Errorf("agent name not available")
	}
	if t.Store == nil {
		return nil, fmt.Errorf("memory store not initialized")
	}

	entries, err := t.Store.Search(ctx, agentName, query, limit)
	if err != nil {
		return nil, fmt.Errorf("memory search: %w", err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return map[string]any{
		"results": entries,
		"count":   len(entries),
	}, nil
}
