// Package audit records fleet-visible actions (firmware changes, update
// dispatches, reboots) for operator review.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Actions recorded by the hub.
const (
	ActionFirmwareUpdated  = "firmware-updated"
	ActionUpdateDispatched = "update-dispatched"
	ActionUpdateApplied    = "update-applied"
	ActionDeviceRebooting  = "device-rebooting"
	ActionDeviceAssigned   = "deployment-assigned"
)

// Event is one audit trail entry.
type Event struct {
	ID          string    `json:"id"`
	DeviceID    string    `json:"device_id"`
	Action      string    `json:"action"`
	Description string    `json:"description"`
	At          time.Time `json:"at"`
}

// Log appends audit events to wherever the deployment keeps its trail.
type Log interface {
	Append(ctx context.Context, evt Event) error
}

// Logger writes the audit trail as structured log lines.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger returns a Log writing through the given zerolog logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("component", "audit").Logger()}
}

// Append stamps missing id/time fields and writes the entry.
func (l *Logger) Append(_ context.Context, evt Event) error {
	fill(&evt)
	l.logger.Info().
		Str("audit_id", evt.ID).
		Str("device_id", evt.DeviceID).
		Str("action", evt.Action).
		Str("description", evt.Description).
		Time("at", evt.At).
		Msg("Audit event")
	return nil
}

// Recorder collects audit events in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Append stores the event.
func (r *Recorder) Append(_ context.Context, evt Event) error {
	fill(&evt)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

// Events returns a snapshot of recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// ByAction returns the recorded events with the given action.
func (r *Recorder) ByAction(action string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, evt := range r.events {
		if evt.Action == action {
			out = append(out, evt)
		}
	}
	return out
}

func fill(evt *Event) {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
}
