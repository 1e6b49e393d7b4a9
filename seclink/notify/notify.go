// Package notify delivers operator notifications from the server core.
//
// Notifiers are fire-and-forget: implementations must never block the caller.
package notify

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
)

type Notifier interface {
	Notify(msg string)
	NotifyError(msg string)
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(string)      {}
func (Nop) NotifyError(string) {}

// Logger sends notifications to a zerolog.Logger.
type Logger struct {
	log zerolog.Logger
}

func NewLogger(log zerolog.Logger) *Logger {
	return &Logger{log: log}
}

func (l *Logger) Notify(msg string) {
	l.log.Info().Msg(msg)
}

func (l *Logger) NotifyError(msg string) {
	l.log.Error().Msg(msg)
}

// With returns a Logger whose events carry key=value.
func (l *Logger) With(key, value string) *Logger {
	return &Logger{log: l.log.With().Str(key, value).Logger()}
}

// NewNonBlocking returns a Logger writing through a ring buffer of size
// entries, so a slow w drops messages instead of stalling the caller.
// Close the returned io.Closer to flush.
func NewNonBlocking(w io.Writer, size int, level zerolog.Level) (*Logger, io.Closer) {
	if w == nil {
		w = os.Stderr
	}
	dw := diode.NewWriter(w, size, 10*time.Millisecond, func(missed int) {
		_, _ = io.WriteString(w, "notify: dropped messages\n")
	})
	log := zerolog.New(dw).Level(level).With().Timestamp().Str("component", "seclink").Logger()
	return NewLogger(log), dw
}

// Entry is one notification captured by a Recorder.
type Entry struct {
	Error   bool
	Message string
}

// Recorder keeps notifications in memory.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

func (r *Recorder) Notify(msg string)      { r.add(Entry{Message: msg}) }
func (r *Recorder) NotifyError(msg string) { r.add(Entry{Error: true, Message: msg}) }

func (r *Recorder) add(e Entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

// Entries returns a copy of everything recorded so far.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Errors returns the messages recorded through NotifyError.
func (r *Recorder) Errors() []string {
	var out []string
	for _, e := range r.Entries() {
		if e.Error {
			out = append(out, e.Message)
		}
	}
	return out
}
