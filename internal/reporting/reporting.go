// Package reporting forwards unexpected errors to an external tracker.
package reporting

import (
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
)

// Reporter captures errors and noteworthy messages for offline triage.
type Reporter interface {
	CaptureException(err error, tags map[string]string)
	CaptureMessage(msg string, tags map[string]string)
}

// Sentry reports through the Sentry SDK.
type Sentry struct{}

// NewSentry initializes the SDK and returns a Reporter backed by it.
func NewSentry(dsn, environment string) (*Sentry, error) {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sentry: %w", err)
	}
	return &Sentry{}, nil
}

// CaptureException reports the error with the given tags.
func (s *Sentry) CaptureException(err error, tags map[string]string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureException(err)
	})
}

// CaptureMessage reports the message with the given tags.
func (s *Sentry) CaptureMessage(msg string, tags map[string]string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureMessage(msg)
	})
}

// Close flushes buffered events before shutdown.
func (s *Sentry) Close() {
	sentry.Flush(2 * time.Second)
}

// Nop discards everything. Used when no DSN is configured and in tests.
type Nop struct{}

func (Nop) CaptureException(error, map[string]string) {}
func (Nop) CaptureMessage(string, map[string]string) {}

// Recorder collects reported errors in memory for tests.
type Recorder struct {
	mu       sync.Mutex
	errors   []error
	messages []string
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// CaptureException stores the error.
func (r *Recorder) CaptureException(err error, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err)
}

// CaptureMessage stores the message.
func (r *Recorder) CaptureMessage(msg string, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

// Errors returns a snapshot of captured errors.
func (r *Recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errors...)
}

// Messages returns a snapshot of captured messages.
func (r *Recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}
