package scheduler

import (
	"container/list"
	"fmt"

	"github.com/GoCodeAlone/relay/task"
)

// Policy selects how queued tasks are ordered for admission.
type Policy string

const (
	// PolicyFIFO admits strictly by arrival.
	PolicyFIFO Policy = "fifo"
	// PolicyRoundRobin rotates between sessions, FIFO within each session.
	PolicyRoundRobin Policy = "round_robin"
)

// ParsePolicy validates a policy name. Empty means FIFO.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyFIFO:
		return PolicyFIFO, nil
	case PolicyRoundRobin:
		return PolicyRoundRobin, nil
	}
	return "", fmt.Errorf("unknown queue policy %q", s)
}

// waitQueue holds queued tasks. Callers serialize access.
type waitQueue interface {
	push(t task.Task)
	pop() (task.Task, bool)
	remove(id string) bool
	len() int
	drain() []task.Task
}

func newWaitQueue(p Policy) waitQueue {
	if p == PolicyRoundRobin {
		return newRoundRobinQueue()
	}
	return newFIFOQueue()
}

type fifoQueue struct {
	order *list.List
	index map[string]*list.Element
}

func newFIFOQueue() *fifoQueue {
	return &fifoQueue{order: list.New(), index: make(map[string]*list.Element)}
}

func (q *fifoQueue) push(t task.Task) {
	q.index[t.ID] = q.order.PushBack(t)
}

func (q *fifoQueue) pop() (task.Task, bool) {
	front := q.order.Front()
	if front == nil {
		return task.Task{}, false
	}
	t := q.order.Remove(front).(task.Task)
	delete(q.index, t.ID)
	return t, true
}

func (q *fifoQueue) remove(id string) bool {
	el, ok := q.index[id]
	if !ok {
		return false
	}
	q.order.Remove(el)
	delete(q.index, id)
	return true
}

func (q *fifoQueue) len() int { return q.order.Len() }

func (q *fifoQueue) drain() []task.Task {
	var out []task.Task
	for {
		t, ok := q.pop()
		if !ok {
			return out
		}
		out = append(out, t)
	}
}

// roundRobinQueue keeps one FIFO per session and serves sessions in turn.
type roundRobinQueue struct {
	sessions map[string]*fifoQueue
	ring     []string // sessions with waiting tasks, in service order
	next     int
	owner    map[string]string // task ID -> session
	size     int
}

func newRoundRobinQueue() *roundRobinQueue {
	return &roundRobinQueue{
		sessions: make(map[string]*fifoQueue),
		owner:    make(map[string]string),
	}
}

func (q *roundRobinQueue) push(t task.Task) {
	sq, ok := q.sessions[t.SessionID]
	if !ok {
		sq = newFIFOQueue()
		q.sessions[t.SessionID] = sq
		q.ring = append(q.ring, t.SessionID)
	}
	sq.push(t)
	q.owner[t.ID] = t.SessionID
	q.size++
}

func (q *roundRobinQueue) pop() (task.Task, bool) {
	if q.size == 0 {
		return task.Task{}, false
	}
	if q.next >= len(q.ring) {
		q.next = 0
	}
	sid := q.ring[q.next]
	t, _ := q.sessions[sid].pop()
	delete(q.owner, t.ID)
	q.size--
	if q.sessions[sid].len() == 0 {
		q.dropSession(q.next)
	} else {
		q.next++
	}
	return t, true
}

func (q *roundRobinQueue) remove(id string) bool {
	sid, ok := q.owner[id]
	if !ok {
		return false
	}
	q.sessions[sid].remove(id)
	delete(q.owner, id)
	q.size--
	if q.sessions[sid].len() == 0 {
		for i, s := range q.ring {
			if s == sid {
				q.dropSession(i)
				break
			}
		}
	}
	return true
}

// dropSession removes ring[i] and keeps next pointing at the session that
// would have been served after it.
func (q *roundRobinQueue) dropSession(i int) {
	delete(q.sessions, q.ring[i])
	q.ring = append(q.ring[:i], q.ring[i+1:]...)
	if i < q.next {
		q.next--
	}
}

func (q *roundRobinQueue) len() int { return q.size }

func (q *roundRobinQueue) drain() []task.Task {
	var out []task.Task
	for {
		t, ok := q.pop()
		if !ok {
			return out
		}
		out = append(out, t)
	}
}
