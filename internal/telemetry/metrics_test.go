package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.SetQueueDepth(1, 2)
	m.TaskFinished("completed")
	m.EventPublished("step")
	m.SetConnections(3)
	m.ConnectionDropped()
}

func TestMetrics_Record(t *testing.T) {
	m := New()
	m.SetQueueDepth(4, 1)
	m.TaskFinished("failed")
	m.TaskFinished("failed")
	m.ConnectionDropped()

	if got := testutil.ToFloat64(m.TasksRunning()); got != 4 {
		t.Errorf("tasks_running = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.TasksFinished().WithLabelValues("failed")); got != 2 {
		t.Errorf("tasks_finished{failed} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.DroppedConnections()); got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}
}
