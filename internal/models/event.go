package models

import (
	"fmt"
	"time"
)

// EventType enumerates the lifecycle events produced by database procedures.
type EventType string

const (
	EventStarted   EventType = "STARTED"
	EventHeartbeat EventType = "HEARTBEAT"
	EventProgress  EventType = "PROGRESS"
	EventCompleted EventType = "COMPLETED"
	EventError     EventType = "ERROR"
)

// Declared column widths of sentinel_event_t. Anything longer is rejected at
// the queue boundary rather than truncated, since truncation would break the
// event_id idempotence key.
const (
	MaxEventIDLen   = 64
	MaxEventTypeLen = 32
	MaxProcessIDLen = 128
	MaxTenantIDLen  = 64
)

// ParseEventType maps a raw queue attribute to a known EventType.
func ParseEventType(s string) (EventType, error) {
	switch EventType(s) {
	case EventStarted, EventHeartbeat, EventProgress, EventCompleted, EventError:
		return EventType(s), nil
	}
	return "", fmt.Errorf("unknown event type %q", s)
}

// Event is the typed payload dequeued from SENTINEL_QUEUE. String fields are
// copied out of the driver-owned object before the message commits, so an
// Event stays valid after its dequeue transaction ends.
type Event struct {
	EventID      string    `json:"event_id"`
	EventType    EventType `json:"event_type"`
	ProcessID    string    `json:"process_id"`
	TenantID     string    `json:"tenant_id"`
	TimestampUTC time.Time `json:"timestamp_utc"`
	Payload      []byte    `json:"payload,omitempty"`
}

// Validate enforces the wire invariants: required fields non-empty and within
// declared widths, event_type a member of the closed enumeration.
func (e *Event) Validate() error {
	switch {
	case e.EventID == "" || len(e.EventID) > MaxEventIDLen:
		return fmt.Errorf("event_id %q outside 1..%d", e.EventID, MaxEventIDLen)
	case e.ProcessID == "" || len(e.ProcessID) > MaxProcessIDLen:
		return fmt.Errorf("process_id %q outside 1..%d", e.ProcessID, MaxProcessIDLen)
	case e.TenantID == "" || len(e.TenantID) > MaxTenantIDLen:
		return fmt.Errorf("tenant_id %q outside 1..%d", e.TenantID, MaxTenantIDLen)
	}
	if _, err := ParseEventType(string(e.EventType)); err != nil {
		return err
	}
	return nil
}

// Priority returns the enqueue priority the database procedures assign for
// this event type: ERROR is most urgent, everything else shares the default.
func (e *Event) Priority() int {
	if e.EventType == EventError {
		return 1
	}
	return 5
}
