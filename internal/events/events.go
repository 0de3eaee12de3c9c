// Package events implements sps2's structured event stream (spec §4.13).
//
// Every long-running operation (resolve, download, install, guard) reports
// progress and diagnostics as a typed Event rather than writing to stdout
// directly. A Bus fans events out to one or more Sinks over a bounded
// channel; emission never blocks the producer. The shape is distribution/
// distribution's notifications.Sink interface (Write/Close) adapted from
// its unbounded cond-variable queue to a bounded channel with a drop
// counter, since sps2 cares more about producer latency than guaranteed
// delivery of every progress tick.
package events

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Kind identifies the shape of an Event's payload.
type Kind string

const (
	KindResolveStarted   Kind = "resolve.started"
	KindResolveProgress  Kind = "resolve.progress"
	KindResolveConflict  Kind = "resolve.conflict"
	KindResolveCompleted Kind = "resolve.completed"
	KindDownloadStarted  Kind = "download.started"
	KindDownloadProgress Kind = "download.progress"
	KindDownloadComplete Kind = "download.completed"
	KindInstallStarted   Kind = "install.started"
	KindInstallProgress  Kind = "install.progress"
	KindInstallCompleted Kind = "install.completed"
	KindStateActivated   Kind = "state.activated"
	KindStateRolledBack  Kind = "state.rolled_back"
	KindGCStarted        Kind = "gc.started"
	KindGCCompleted      Kind = "gc.completed"
	KindGuardDiscrepancy Kind = "guard.discrepancy"
	KindGuardHealed      Kind = "guard.healed"
	KindWarning          Kind = "warning"
	KindError            Kind = "error"
)

// Event is one point-in-time occurrence reported by a running operation.
// Fields are a flat superset over all Kinds; a consumer switches on Kind
// and reads the fields relevant to it.
type Event struct {
	Kind Kind

	Package  string
	Version  string
	Message  string
	Err      error
	Progress Progress

	// Conflict carries a human-readable minimal conflict core when
	// Kind == KindResolveConflict.
	Conflict []string
}

// Progress describes a fractional or byte-count progress update.
type Progress struct {
	Current int64
	Total   int64
}

func (e Event) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	if e.Package != "" {
		return fmt.Sprintf("%s: %s %s: %s", e.Kind, e.Package, e.Version, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Sink receives events written by a Bus. Write must not block for long;
// a slow sink throttles the whole bus. Close flushes and releases any
// resources the sink owns.
type Sink interface {
	Write(Event) error
	Close() error
}

// ErrSinkClosed is returned by Bus.Emit after Close.
var ErrSinkClosed = fmt.Errorf("events: bus closed")

// Bus fans events out to its sinks over a bounded channel. Emit never
// blocks: once the channel is full, further events are dropped and
// counted rather than back-pressuring the caller.
type Bus struct {
	ch        chan Event
	sinks     []Sink
	dropped   atomic.Int64
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool
}

// NewBus creates a Bus with the given channel capacity, delivering every
// event to each of sinks in order.
func NewBus(capacity int, sinks ...Sink) *Bus {
	b := &Bus{
		ch:    make(chan Event, capacity),
		sinks: sinks,
	}
	b.wg.Add(1)
	go b.run()
	return b
}

func (b *Bus) run() {
	defer b.wg.Done()
	for ev := range b.ch {
		for _, s := range b.sinks {
			if err := s.Write(ev); err != nil {
				logrus.WithError(err).Warn("events: sink write failed")
			}
		}
	}
}

// Emit enqueues ev for delivery. It never blocks: if the bus is closed
// the event is dropped and ErrSinkClosed is returned; if the channel is
// full the event is dropped and counted but no error is surfaced, since
// producers must not stall on a backed-up sink.
func (b *Bus) Emit(ev Event) error {
	if b.closed.Load() {
		return ErrSinkClosed
	}
	select {
	case b.ch <- ev:
		return nil
	default:
		b.dropped.Add(1)
		return nil
	}
}

// Dropped returns the number of events discarded due to a full channel.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close stops accepting new events, drains the queue, and closes every
// sink, returning the first error encountered.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		close(b.ch)
		b.wg.Wait()
		for _, s := range b.sinks {
			if cerr := s.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}

// LogrusSink adapts a logrus.FieldLogger into a Sink, the default sink
// wired by the CLI when no other consumer (e.g. a progress renderer)
// is attached.
type LogrusSink struct {
	Logger logrus.FieldLogger
}

// NewLogrusSink returns a Sink writing to logger at Info level, Warn for
// KindWarning, and Error for KindError.
func NewLogrusSink(logger logrus.FieldLogger) *LogrusSink {
	return &LogrusSink{Logger: logger}
}

func (l *LogrusSink) Write(ev Event) error {
	fields := logrus.Fields{"kind": ev.Kind}
	if ev.Package != "" {
		fields["package"] = ev.Package
		fields["version"] = ev.Version
	}
	entry := l.Logger.WithFields(fields)
	switch ev.Kind {
	case KindError:
		entry.WithError(ev.Err).Error(ev.Message)
	case KindWarning:
		entry.Warn(ev.Message)
	default:
		entry.Info(ev.Message)
	}
	return nil
}

func (l *LogrusSink) Close() error { return nil }
