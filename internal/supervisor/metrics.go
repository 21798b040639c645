package supervisor

import "time"

// Metrics holds the supervisor's counters and pool occupancy
type Metrics struct {
	Spawned       int `json:"spawned"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
	TimedOut      int `json:"timed_out"`
	ActiveWorkers int `json:"active_workers"`
	QueuedTasks   int `json:"queued_tasks"`
	MaxWorkers    int `json:"max_workers"`

	AvgExecution time.Duration `json:"avg_execution_ns"`
}

// counters is owned by the supervisor loop
type counters struct {
	spawned   int
	completed int
	failed    int
	timedOut  int

	totalExecution time.Duration
}

func (c *counters) recordCompletion(d time.Duration) {
	c.completed++
	c.totalExecution += d
}

func (c *counters) snapshot() Metrics {
	m := Metrics{
		Spawned:   c.spawned,
		Completed: c.completed,
		Failed:    c.failed,
		TimedOut:  c.timedOut,
	}
	if c.completed > 0 {
		m.AvgExecution = c.totalExecution / time.Duration(c.completed)
	}
	return m
}
