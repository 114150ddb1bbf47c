package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// loopGuard stops a task whose backend keeps asking for the same tool work.
// It trips on:
//   - the same call (tool and arguments) limit times in a row
//   - the same call failing with the same output twice
//   - an A/B/A/B alternation of two calls repeated limit times
//
// A nil guard never trips.
type loopGuard struct {
	limit int
	calls []string // call keys, oldest first
	fails map[string]int
}

func newLoopGuard(limit int) *loopGuard {
	if limit <= 0 {
		return nil
	}
	return &loopGuard{limit: limit, fails: make(map[string]int)}
}

// observe records one step's tool calls and reports why the task should stop.
func (g *loopGuard) observe(calls []ToolExchange) (string, bool) {
	if g == nil {
		return "", false
	}
	for _, c := range calls {
		key := c.Name + ":" + digest(c.Arguments)
		g.calls = append(g.calls, key)
		if c.Failed {
			fk := key + ":" + c.Output
			g.fails[fk]++
			if g.fails[fk] >= 2 {
				return fmt.Sprintf("tool %q failed the same way %d times", c.Name, g.fails[fk]), true
			}
		}
		if n := g.repeats(); n >= g.limit {
			return fmt.Sprintf("tool %q called with the same arguments %d times in a row", c.Name, n), true
		}
		if n := g.alternations(); n >= g.limit {
			return fmt.Sprintf("two tool calls alternated %d times", n), true
		}
	}
	return "", false
}

// repeats counts identical calls at the tail.
func (g *loopGuard) repeats() int {
	n := len(g.calls)
	last := g.calls[n-1]
	count := 1
	for i := n - 2; i >= 0 && g.calls[i] == last; i-- {
		count++
	}
	return count
}

// alternations counts complete A/B cycles at the tail.
func (g *loopGuard) alternations() int {
	n := len(g.calls)
	if n < 4 || g.calls[n-1] == g.calls[n-2] {
		return 0
	}
	a, b := g.calls[n-2], g.calls[n-1]
	cycles := 0
	for i := n - 1; i >= 1 && g.calls[i] == b && g.calls[i-1] == a; i -= 2 {
		cycles++
	}
	return cycles
}

// digest is a short stable hash of tool arguments. Map keys marshal sorted.
func digest(args map[string]any) string {
	b, _ := json.Marshal(args)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}
