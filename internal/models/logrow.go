package models

// LogLevel enumerates the closed set accepted by process_logs.log_level.
type LogLevel string

const (
	LevelTrace LogLevel = "TRACE"
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
	LevelFatal LogLevel = "FATAL"
)

// MaxLogMessageLen is the declared width of process_logs.message.
const MaxLogMessageLen = 4000

// LogRow is one row bound for process_logs. The insertion timestamp is
// assigned by the database at flush time, so it does not appear here.
// Optional fields are empty strings / zero and are bound as SQL NULL.
type LogRow struct {
	ProcessID       string   `json:"process_id"`
	TenantID        string   `json:"tenant_id"`
	LogLevel        LogLevel `json:"log_level"`
	EventType       string   `json:"event_type,omitempty"`
	Component       string   `json:"component,omitempty"`
	Message         string   `json:"message"`
	DetailsJSON     string   `json:"details_json,omitempty"`
	StackTrace      string   `json:"stack_trace,omitempty"`
	CorrelationID   string   `json:"correlation_id,omitempty"`
	SpanID          string   `json:"span_id,omitempty"`
	TraceID         string   `json:"trace_id,omitempty"`
	EventDurationUS int64    `json:"event_duration_us,omitempty"`
}

// Truncated returns a copy whose message fits the declared column width.
func (r LogRow) Truncated() LogRow {
	if len(r.Message) > MaxLogMessageLen {
		r.Message = r.Message[:MaxLogMessageLen]
	}
	return r
}
