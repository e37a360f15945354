package models

import "time"

// ProcessState enumerates lifecycle states persisted in process_live_status.
const (
	StateRunning   = "RUNNING"
	StateCompleted = "COMPLETED"
	StateFailed    = "FAILED"
	StateStale     = "STALE"
)

// ProcessStatus is the live view of one monitored unit of work, as served by
// GET /status/{pid} and GET /processes.
type ProcessStatus struct {
	ProcessID     string     `json:"process_id"`
	TenantID      string     `json:"tenant_id"`
	ProcessName   string     `json:"process_name,omitempty"`
	Status        string     `json:"status"`
	LastEventType string     `json:"last_event_type,omitempty"`
	ProgressPct   float64    `json:"progress_pct"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ProcessLog is one persisted log row as served by GET /logs/{pid}.
type ProcessLog struct {
	ProcessID     string    `json:"process_id"`
	TenantID      string    `json:"tenant_id"`
	LogLevel      string    `json:"log_level"`
	EventType     string    `json:"event_type,omitempty"`
	Component     string    `json:"component,omitempty"`
	Message       string    `json:"message"`
	DetailsJSON   string    `json:"details_json,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	SpanID        string    `json:"span_id,omitempty"`
	TraceID       string    `json:"trace_id,omitempty"`
	LoggedAt      time.Time `json:"logged_at"`
}

// StatusUpdate is the state transition a worker derives from one event and
// merges into process_live_status. Nil optionals leave the stored value
// untouched.
type StatusUpdate struct {
	ProcessID     string
	TenantID      string
	ProcessName   string
	Status        string
	LastEventType string
	ProgressPct   *float64
	Heartbeat     *time.Time
	EventTime     time.Time
}

// Metric is one measurement extracted from an event payload, bound for
// process_metrics.
type Metric struct {
	ProcessID string
	TenantID  string
	Name      string
	Value     float64
	At        time.Time
}

// StatusForEvent maps an event type onto the live-status lifecycle.
func StatusForEvent(et EventType) string {
	switch et {
	case EventCompleted:
		return StateCompleted
	case EventError:
		return StateFailed
	default:
		return StateRunning
	}
}
