package runner

import (
	"fmt"
	"sync"
	"time"
)

const (
	repeatFlushInterval = 5 * time.Second
	logBufferSize       = 100
)

// LogAggregator collapses consecutive duplicate output lines and keeps a
// bounded tail of what it emitted, so a failing command can be summarised.
type LogAggregator struct {
	mu       sync.Mutex
	emit     func(string)
	last     string
	repeats  int
	lastEmit time.Time
	maxDelay time.Duration
	buffer   []string
	bufSize  int
	now      func() time.Time
}

// NewLogAggregator returns an aggregator forwarding lines to emit. emit may be nil.
func NewLogAggregator(emit func(string)) *LogAggregator {
	return &LogAggregator{
		emit:     emit,
		maxDelay: repeatFlushInterval,
		bufSize:  logBufferSize,
		now:      time.Now,
	}
}

// Add records one output line.
func (a *LogAggregator) Add(line string) {
	if a == nil || line == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	if a.last == "" {
		a.last = line
		a.repeats = 0
		a.emitLine(line, now)
		return
	}
	if line == a.last {
		a.repeats++
		if a.maxDelay > 0 && now.Sub(a.lastEmit) >= a.maxDelay {
			a.flushRepeatsAt(now)
		}
		return
	}
	a.flushRepeatsAt(now)
	a.last = line
	a.repeats = 0
	a.emitLine(line, now)
}

// Flush emits a pending repeat summary.
func (a *LogAggregator) Flush() {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushRepeatsAt(a.now())
}

func (a *LogAggregator) flushRepeatsAt(now time.Time) {
	if a.repeats == 0 || a.last == "" {
		return
	}
	msg := fmt.Sprintf("%s (repeated %d more times)", a.last, a.repeats)
	a.repeats = 0
	a.emitLine(msg, now)
}

func (a *LogAggregator) emitLine(line string, now time.Time) {
	if a.emit != nil {
		a.emit(line)
	}
	a.record(line)
	a.lastEmit = now
}

func (a *LogAggregator) record(line string) {
	if a.bufSize <= 0 {
		return
	}
	if len(a.buffer) < a.bufSize {
		a.buffer = append(a.buffer, line)
		return
	}
	a.buffer = append(a.buffer[1:], line)
}

// Snapshot returns up to limit of the most recent emitted lines.
func (a *LogAggregator) Snapshot(limit int) []string {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.buffer) == 0 {
		return nil
	}
	if limit <= 0 || limit >= len(a.buffer) {
		return append([]string(nil), a.buffer...)
	}
	return append([]string(nil), a.buffer[len(a.buffer)-limit:]...)
}
