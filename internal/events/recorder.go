// Package events implements the event recorder embedded by every parsing,
// handling and generation stage. Stages record classified events, poll
// HasErrors to decide whether to continue, and hand the collected events to
// the caller when they abort.
package events

import (
	"fmt"
	"strings"
	"time"
)

// Level classifies a recorded event.
type Level int

// Event levels in ascending severity.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	case LevelCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// Event is one recorded message stamped with the originating stage.
type Event struct {
	Stage   string    `json:"stage" csv:"stage"`
	Level   Level     `json:"level" csv:"-"`
	Message string    `json:"message" csv:"message"`
	Time    time.Time `json:"time" csv:"-"`
}

// Logger is satisfied by *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// NoopLogger discards everything.
func NoopLogger() Logger { return noopLogger{} }

// Recorder collects the events of one stage.
type Recorder struct {
	stage      string
	logger     Logger
	events     []Event
	errorCount int
	abort      bool
	silenced   bool
	nowFn      func() time.Time
}

// NewRecorder returns a recorder for the named stage. A nil logger discards.
func NewRecorder(stage string, logger Logger) *Recorder {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Recorder{
		stage:  stage,
		logger: logger,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// Stage returns the stage name.
func (r *Recorder) Stage() string { return r.stage }

// Logger returns the logger events are forwarded to.
func (r *Recorder) Logger() Logger { return r.logger }

func (r *Recorder) add(level Level, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	if level >= LevelError {
		r.errorCount++
		r.abort = true
	}
	if r.silenced && level >= LevelWarning {
		return
	}
	r.events = append(r.events, Event{Stage: r.stage, Level: level, Message: msg, Time: r.nowFn()})
	switch level {
	case LevelDebug:
		r.logger.Debug(msg, "stage", r.stage)
	case LevelInfo:
		r.logger.Info(msg, "stage", r.stage)
	case LevelWarning:
		r.logger.Warn(msg, "stage", r.stage)
	default:
		r.logger.Error(msg, "stage", r.stage, "level", level.String())
	}
}

// AddDebug records a debug message.
func (r *Recorder) AddDebug(format string, args ...any) { r.add(LevelDebug, format, args...) }

// AddInfo records an info message.
func (r *Recorder) AddInfo(format string, args ...any) { r.add(LevelInfo, format, args...) }

// AddWarning records a warning; warnings never abort.
func (r *Recorder) AddWarning(format string, args ...any) { r.add(LevelWarning, format, args...) }

// AddError records an error and sets the abort flag.
func (r *Recorder) AddError(format string, args ...any) { r.add(LevelError, format, args...) }

// AddCritical records a critical error and sets the abort flag.
func (r *Recorder) AddCritical(format string, args ...any) { r.add(LevelCritical, format, args...) }

// HasErrors is true when an error was counted or execution was aborted.
func (r *Recorder) HasErrors() bool { return r.errorCount > 0 || r.abort }

// ErrorCount returns the number of errors and criticals seen.
func (r *Recorder) ErrorCount() int { return r.errorCount }

// DisableErrorAndWarningRecording stops storing warnings and errors. Error
// conditions still abort execution.
func (r *Recorder) DisableErrorAndWarningRecording() { r.silenced = true }

// Reset zeroes the counters and the abort flag and drops recorded events.
func (r *Recorder) Reset() {
	r.events = nil
	r.errorCount = 0
	r.abort = false
}

// Events returns a copy of all recorded events.
func (r *Recorder) Events() []Event { return append([]Event(nil), r.events...) }

// EventsAtLeast returns the events whose level is at least min.
func (r *Recorder) EventsAtLeast(min Level) []Event {
	var out []Event
	for _, e := range r.events {
		if e.Level >= min {
			out = append(out, e)
		}
	}
	return out
}

// Errors returns error and critical events.
func (r *Recorder) Errors() []Event { return r.EventsAtLeast(LevelError) }

// Warnings returns warning events.
func (r *Recorder) Warnings() []Event {
	var out []Event
	for _, e := range r.events {
		if e.Level == LevelWarning {
			out = append(out, e)
		}
	}
	return out
}

// Messages returns the messages of events at the exact level.
func (r *Recorder) Messages(level Level) []string {
	var out []string
	for _, e := range r.events {
		if e.Level == level {
			out = append(out, e.Message)
		}
	}
	return out
}

// Absorb copies the events of a child stage into r. Child errors abort r.
func (r *Recorder) Absorb(child *Recorder) {
	if child == nil {
		return
	}
	if !r.silenced {
		r.events = append(r.events, child.events...)
	}
	r.errorCount += child.errorCount
	if child.abort {
		r.abort = true
	}
}

// Try runs fn and records a returned error under the operation name.
func (r *Recorder) Try(operation string, fn func() error) bool {
	if err := fn(); err != nil {
		r.AddError("%s: %v", operation, err)
		return false
	}
	return true
}

// Err returns an *AbortError carrying the collected events, or nil.
func (r *Recorder) Err() error {
	if !r.HasErrors() {
		return nil
	}
	return &AbortError{Stage: r.stage, Events: r.Events()}
}

// AbortError is returned by a stage whose recorder reports errors.
type AbortError struct {
	Stage  string
	Events []Event
}

func (e *AbortError) Error() string {
	var msgs []string
	for _, ev := range e.Events {
		if ev.Level >= LevelError {
			msgs = append(msgs, ev.Message)
		}
	}
	if len(msgs) == 0 {
		return fmt.Sprintf("%s aborted", e.Stage)
	}
	return fmt.Sprintf("%s aborted: %s", e.Stage, strings.Join(msgs, "; "))
}

// ErrorMessages returns the error-level messages.
func (e *AbortError) ErrorMessages() []string {
	var out []string
	for _, ev := range e.Events {
		if ev.Level >= LevelError {
			out = append(out, ev.Message)
		}
	}
	return out
}
