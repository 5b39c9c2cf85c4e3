package dispatch

import "time"

// Task is the opaque unit of work submitted for distribution.
type Task struct {
	TaskID       string   `json:"task_id"`
	Payload      []byte   `json:"payload"`
	Priority     string   `json:"priority,omitempty"` // "high" | "normal" | "low"
	Capabilities []string `json:"capabilities,omitempty"`
}

// QueueEntry is a task waiting for dispatch, persisted in the Redis queue
// list.
type QueueEntry struct {
	EntryID  string    `json:"entry_id"`
	Task     Task      `json:"task"`
	QueuedAt time.Time `json:"queued_at"`
	QueuedBy string    `json:"queued_by"`
	Attempts int       `json:"attempts"`
}

// Strategy identifies a pluggable selection rule.
type Strategy string

const (
	StrategyLeastLoaded Strategy = "least_loaded"
	StrategyRoundRobin  Strategy = "round_robin"
	StrategyPriority    Strategy = "priority"
	StrategyCapability  Strategy = "capability"
)

// Config tunes dispatcher behavior.
type Config struct {
	Prefix         string
	MaxAttempts    int
	DispatchBatch  int
	QueueThreshold int // circuit breaker opens above this queue depth
	Strategy       Strategy
}

func DefaultConfig(prefix string) Config {
	return Config{
		Prefix:         prefix,
		MaxAttempts:    3,
		DispatchBatch:  10,
		QueueThreshold: 500,
		Strategy:       StrategyLeastLoaded,
	}
}
