// Package trace is a lightweight source-tagged tracer for packet-level
// debugging. Tracing is off until Open is called; the hot-path cost when
// disabled is a single atomic load.
package trace

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

type sink struct {
	mu sync.Mutex
	w  io.Writer
}

var out atomic.Pointer[sink]

// Open starts writing trace lines to w. A previous sink, if any, is
// replaced; its writer is not closed.
func Open(w io.Writer) {
	out.Store(&sink{w: w})
}

// Close stops tracing.
func Close() {
	out.Store(nil)
}

// Enabled reports whether a trace sink is installed.
func Enabled() bool {
	return out.Load() != nil
}

func write(source, msg string) {
	s := out.Load()
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "%s %s: %s\n", time.Now().Format("15:04:05.000000"), source, msg)
}

// Writef writes a formatted trace line tagged with source.
func Writef(source, format string, args ...any) {
	if out.Load() == nil {
		return
	}
	write(source, fmt.Sprintf(format, args...))
}

// Source is a tracer bound to a fixed source tag.
type Source struct {
	source string
}

// WithSource returns a tracer that tags every line with source.
func WithSource(source string) *Source {
	return &Source{source: source}
}

func (s *Source) Write(msg string) {
	write(s.source, msg)
}

func (s *Source) Writef(format string, args ...any) {
	if out.Load() == nil {
		return
	}
	write(s.source, fmt.Sprintf(format, args...))
}
