package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/GoCodeAlone/relay/event"
	"github.com/GoCodeAlone/relay/session"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()

	title = cases.Title(language.English)
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row(header))
	return tw
}

// label turns identifiers like "in_progress" into "In Progress".
func label(s string) string {
	return title.String(strings.ReplaceAll(s, "_", " "))
}

func stateColor(s event.AgentState) string {
	switch s {
	case event.AgentIdle:
		return green(label(string(s)))
	case event.AgentError:
		return red(label(string(s)))
	default:
		return yellow(label(string(s)))
	}
}

func ago(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}

func printMessage(m session.Message) {
	switch {
	case m.Role == session.RoleUser:
		fmt.Printf("%s %s\n", bold("you:"), m.Content)
	case m.Kind == session.KindError:
		fmt.Printf("%s %s\n", red(m.AgentName+":"), m.Content)
	case m.Kind == session.KindCancelled:
		fmt.Printf("%s %s\n", yellow(m.AgentName+":"), m.Content)
	default:
		fmt.Printf("%s %s\n", cyan(m.AgentName+":"), m.Content)
		for _, s := range m.Sources {
			fmt.Printf("  %s %s %s\n", gray("source:"), s.Title, gray(s.URL))
		}
	}
}

// printProgress prints one line for a live event of the watched task.
func printProgress(ev event.Event) {
	switch p := ev.Payload.(type) {
	case event.TaskAssigned:
		q := ""
		if p.Queued {
			q = gray(" (was queued)")
		}
		fmt.Printf("%s %s started%s\n", gray("·"), ev.AgentName, q)
	case event.Thinking:
		fmt.Printf("%s %s\n", gray("· thinking:"), gray(p.Thought))
	case event.ToolCall:
		fmt.Printf("%s %s\n", gray("· tool:"), cyan(p.Tool))
	case event.ToolResult:
		if p.Failed {
			fmt.Printf("%s %s failed\n", gray("· tool:"), red(p.Tool))
		}
	case event.Step:
		fmt.Printf("%s %d/%d %s\n", gray("· step"), p.Iteration, p.MaxIterations, gray(p.Summary))
	}
}
