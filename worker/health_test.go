package worker_test

import (
	"testing"
	"time"

	"github.com/davidhopkirk/stride/id"
	"github.com/davidhopkirk/stride/worker"
)

func TestHealth_Classify(t *testing.T) {
	now := time.Now().UTC()
	interval := 10 * time.Second

	tests := []struct {
		name      string
		status    worker.Status
		heartbeat time.Time
		want      worker.Status
	}{
		{"fresh idle", worker.StatusIdle, now.Add(-interval), worker.StatusIdle},
		{"fresh busy", worker.StatusBusy, now, worker.StatusBusy},
		{"stale heartbeat", worker.StatusBusy, now.Add(-3 * interval), worker.StatusUnhealthy},
		{"shutdown is final", worker.StatusShutdown, now.Add(-time.Hour), worker.StatusShutdown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := &worker.Health{
				WorkerID:      id.NewWorkerID(),
				Status:        tc.status,
				LastHeartbeat: tc.heartbeat,
			}
			if got := h.Classify(now, interval); got != tc.want {
				t.Errorf("Classify = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestHealth_ClassifyZeroInterval(t *testing.T) {
	h := &worker.Health{
		Status:        worker.StatusIdle,
		LastHeartbeat: time.Now().Add(-time.Hour),
	}
	// With no known interval staleness cannot be judged.
	if got := h.Classify(time.Now(), 0); got != worker.StatusIdle {
		t.Errorf("Classify = %q, want idle", got)
	}
}

func TestHealth_Uptime(t *testing.T) {
	now := time.Now().UTC()
	h := &worker.Health{StartedAt: now.Add(-time.Minute)}
	if got := h.Uptime(now); got != time.Minute {
		t.Errorf("Uptime = %v, want 1m", got)
	}

	var never worker.Health
	if got := never.Uptime(now); got != 0 {
		t.Errorf("Uptime with zero StartedAt = %v, want 0", got)
	}
}
