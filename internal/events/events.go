// Package events defines the diagnostic channel shared by the demuxers,
// decrypters and the transmuxer. Parse anomalies are reported here instead of
// being returned as errors so that one corrupt segment never stops a pipeline.
package events

import (
	"log/slog"
	"sync"
)

// ErrorType classifies the origin of an error event.
type ErrorType string

// Error types.
const (
	MediaError ErrorType = "mediaError"
	MuxError   ErrorType = "muxError"
	OtherError ErrorType = "otherError"
)

// ErrorDetail narrows an ErrorType to the operation that failed.
type ErrorDetail string

// Error details.
const (
	FragParsingError ErrorDetail = "fragParsingError"
	FragDecryptError ErrorDetail = "fragDecryptError"
	RemuxAllocError  ErrorDetail = "remuxAllocError"
)

// ErrorEvent is a single diagnostic. Events raised while parsing are never
// Fatal; the host decides whether to retry or skip the segment.
type ErrorEvent struct {
	Type    ErrorType
	Details ErrorDetail
	Fatal   bool
	Reason  string
	Err     error
}

// Observer receives error events.
type Observer interface {
	OnError(ev ErrorEvent)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ev ErrorEvent)

// OnError calls f(ev).
func (f ObserverFunc) OnError(ev ErrorEvent) {
	f(ev)
}

// Discard drops every event.
var Discard Observer = ObserverFunc(func(ErrorEvent) {})

// Recorder collects events in memory. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []ErrorEvent
}

// OnError records ev.
func (r *Recorder) OnError(ev ErrorEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []ErrorEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ErrorEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Reset discards all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// EmitParsingError logs err and reports it as a media parsing error.
func EmitParsingError(o Observer, logger *slog.Logger, err error, recoverable bool) {
	if logger != nil {
		logger.Warn("parsing error", slog.String("error", err.Error()), slog.Bool("recoverable", recoverable))
	}
	if o == nil {
		return
	}
	o.OnError(ErrorEvent{
		Type:    MediaError,
		Details: FragParsingError,
		Fatal:   false,
		Reason:  err.Error(),
		Err:     err,
	})
}
