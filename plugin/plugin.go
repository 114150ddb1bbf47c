// Package plugin defines the tool interface agents invoke during reasoning and
// the registry the provider backend resolves tool calls against.
package plugin

import (
	"context"

	"github.com/GoCodeAlone/relay/provider"
)

// Tool extends agents with additional capabilities.
type Tool interface {
	// Name returns the unique tool identifier.
	Name() string

	// Description returns a human-readable description.
	Description() string

	// Definition returns the tool definition offered to the provider.
	Definition() provider.ToolDef

	// Execute runs the tool with the given arguments.
	Execute(ctx context.Context, args map[string]any) (any, error)
}
