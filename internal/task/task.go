// Package task holds the cancellable unit of work shared by every protocol
// handler: stop requests, batch progress slicing and progress publication.
package task

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datallboy/gowish/internal/domain"
)

// StopMode is the kind of stop a caller asked for.
type StopMode int32

const (
	StopNone StopMode = iota
	// StopCancel discards partial data created by the current attempt.
	StopCancel
	// StopHold keeps bytes and file identity so the order can resume later.
	StopHold
	// StopDefer keeps bytes and requeues the order as a Wish.
	StopDefer
)

func (m StopMode) String() string {
	switch m {
	case StopCancel:
		return "cancel"
	case StopHold:
		return "hold"
	case StopDefer:
		return "defer"
	default:
		return "none"
	}
}

// Status maps a stop mode onto its delivery status.
func (m StopMode) Status() int {
	switch m {
	case StopHold:
		return domain.StatusHeld
	case StopDefer:
		return domain.StatusDeferred
	default:
		return domain.StatusCancelled
	}
}

// KeepsData reports whether partial bytes must survive the stop.
func (m StopMode) KeepsData() bool {
	return m == StopHold || m == StopDefer
}

// Sink receives progress for a download id. Implementations must not block.
type Sink interface {
	Publish(id string, p domain.Progress)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(id string, p domain.Progress)

func (f SinkFunc) Publish(id string, p domain.Progress) { f(id, p) }

// Task is one cancellable, resumable unit of work over a batch of orders.
type Task struct {
	ID string

	ctx    context.Context
	cancel context.CancelFunc
	mode   atomic.Int32
	sink   Sink

	mu       sync.Mutex
	index    int
	total    int
	lastFrac float64
}

// New creates a task bound to parent. A nil sink discards progress.
func New(parent context.Context, id string, sink Sink) *Task {
	ctx, cancel := context.WithCancel(parent)
	return &Task{ID: id, ctx: ctx, cancel: cancel, sink: sink, total: 1}
}

// Context is cancelled once a stop is requested or the parent ends.
func (t *Task) Context() context.Context { return t.ctx }

// Stop requests a stop. The first request wins; later ones are ignored.
func (t *Task) Stop(mode StopMode) bool {
	if mode == StopNone {
		return false
	}
	if !t.mode.CompareAndSwap(int32(StopNone), int32(mode)) {
		return false
	}
	t.cancel()
	return true
}

// Mode returns the requested stop mode. A cancelled parent context without an
// explicit request counts as StopCancel.
func (t *Task) Mode() StopMode {
	if m := StopMode(t.mode.Load()); m != StopNone {
		return m
	}
	if t.ctx.Err() != nil {
		return StopCancel
	}
	return StopNone
}

// StopRequested reports whether an explicit stop was asked for.
func (t *Task) StopRequested() bool { return StopMode(t.mode.Load()) != StopNone }

// IsCancelled reports whether the task context is done.
func (t *Task) IsCancelled() bool { return t.ctx.Err() != nil }

// Stopped is the check polled by read loops.
func (t *Task) Stopped() bool { return t.StopRequested() || t.IsCancelled() }

// Release frees the task context.
func (t *Task) Release() { t.cancel() }

// Begin moves the progress window to order index of total.
func (t *Task) Begin(index, total int) {
	if total < 1 {
		total = 1
	}
	t.mu.Lock()
	t.index, t.total = index, total
	t.mu.Unlock()
	t.Fraction(0)
}

// Fraction publishes completion f (0..1) of the current order mapped into the
// slice it owns within the batch. Published values never decrease.
func (t *Task) Fraction(f float64) {
	if f < 0 {
		f = 0
	}
	if f > 1 {
		f = 1
	}
	t.mu.Lock()
	v := (float64(t.index) + f) / float64(t.total)
	if v < t.lastFrac {
		v = t.lastFrac
	}
	t.lastFrac = v
	t.mu.Unlock()
	t.publish(domain.FractionProgress(v))
}

func (t *Task) Duration(elapsed, total time.Duration) {
	t.publish(domain.DurationProgress(elapsed, total))
}

func (t *Task) Buffering(level float64) { t.publish(domain.BufferingProgress(level)) }

func (t *Task) Renamed(oldName, newName string) {
	t.publish(domain.RenameProgress(oldName, newName))
}

func (t *Task) Message(msg string) { t.publish(domain.MessageProgress(msg)) }

func (t *Task) Indeterminate() { t.publish(domain.IndeterminateProgress()) }

func (t *Task) publish(p domain.Progress) {
	if t.sink != nil {
		t.sink.Publish(t.ID, p)
	}
}
