// Package queue holds deferred and pending wishes in a persisted, ordered
// list.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/datallboy/gowish/internal/domain"
	"github.com/datallboy/gowish/internal/infra/logger"
)

// ErrIndex is returned by moves with an out of range or inverted index pair.
var ErrIndex = errors.New("queue index out of range")

// Persister stores the whole queue atomically.
type Persister interface {
	SaveWishes(ctx context.Context, wishes []domain.Wish) error
	LoadWishes(ctx context.Context) ([]domain.Wish, error)
}

type EventKind int

const (
	// Changed fires on every mutation.
	Changed EventKind = iota
	// EmptyToPending fires when unheld work appears.
	EmptyToPending
	// PendingToEmpty fires when the last unheld wish leaves.
	PendingToEmpty
)

func (k EventKind) String() string {
	switch k {
	case EmptyToPending:
		return "empty-to-pending"
	case PendingToEmpty:
		return "pending-to-empty"
	default:
		return "changed"
	}
}

type Event struct {
	Kind    EventKind
	Pending int
}

// Queue is safe for concurrent use. Mutations are persisted after the
// debounce interval; Flush forces a write.
type Queue struct {
	mu     sync.Mutex
	wishes []domain.Wish
	subs   map[int]chan Event
	nextID int
	closed bool

	store    Persister
	log      *logger.Logger
	debounce time.Duration
	timer    *time.Timer
	saveMu   sync.Mutex
}

// Open loads the persisted queue. Partial wishes whose destination file has
// disappeared are dropped.
func Open(ctx context.Context, store Persister, debounce time.Duration, log *logger.Logger) (*Queue, error) {
	if log == nil {
		log = logger.Discard()
	}
	q := &Queue{
		store:    store,
		log:      log,
		debounce: debounce,
		subs:     map[int]chan Event{},
	}
	if store == nil {
		return q, nil
	}

	loaded, err := store.LoadWishes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}
	for _, w := range loaded {
		if w.Partial && !exists(w.Order.Path()) {
			log.Info("dropping wish %s: partial file %s is gone", w.ID, w.Order.Path())
			continue
		}
		q.wishes = append(q.wishes, w)
	}
	if len(q.wishes) != len(loaded) {
		q.schedule()
	}
	return q, nil
}

func exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// Add appends w and returns the new length. A wish already queued under the
// same id is replaced in place.
func (q *Queue) Add(w domain.Wish) int {
	var n int
	q.mutate(func() bool {
		for i := range q.wishes {
			if q.wishes[i].ID == w.ID {
				q.wishes[i] = w
				n = len(q.wishes)
				return true
			}
		}
		q.wishes = append(q.wishes, w)
		n = len(q.wishes)
		return true
	})
	return n
}

func (q *Queue) Remove(id string) bool {
	var removed bool
	q.mutate(func() bool {
		if i := q.index(id); i >= 0 {
			q.wishes = append(q.wishes[:i], q.wishes[i+1:]...)
			removed = true
		}
		return removed
	})
	return removed
}

// PeekNext returns the first unheld wish without removing it.
func (q *Queue) PeekNext() (domain.Wish, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, w := range q.wishes {
		if !w.Held {
			return w, true
		}
	}
	return domain.Wish{}, false
}

// TakeNext removes and returns the first wish. With respectHold, held wishes
// are skipped and never returned.
func (q *Queue) TakeNext(respectHold bool) (domain.Wish, bool) {
	var (
		got domain.Wish
		ok  bool
	)
	q.mutate(func() bool {
		for i, w := range q.wishes {
			if respectHold && w.Held {
				continue
			}
			got, ok = w, true
			q.wishes = append(q.wishes[:i], q.wishes[i+1:]...)
			return true
		}
		return false
	})
	return got, ok
}

// Take removes the wish with id regardless of its hold flag.
func (q *Queue) Take(id string) (domain.Wish, bool) {
	var (
		got domain.Wish
		ok  bool
	)
	q.mutate(func() bool {
		if i := q.index(id); i >= 0 {
			got, ok = q.wishes[i], true
			q.wishes = append(q.wishes[:i], q.wishes[i+1:]...)
		}
		return ok
	})
	return got, ok
}

// MoveUp moves the wish at from to the earlier position to.
func (q *Queue) MoveUp(from, to int) error {
	return q.move(from, to, to < from)
}

// MoveDown moves the wish at from to the later position to.
func (q *Queue) MoveDown(from, to int) error {
	return q.move(from, to, to > from)
}

func (q *Queue) move(from, to int, direction bool) error {
	var err error
	q.mutate(func() bool {
		n := len(q.wishes)
		if from < 0 || from >= n || to < 0 || to >= n || !direction {
			err = fmt.Errorf("%w: move %d -> %d of %d", ErrIndex, from, to, n)
			return false
		}
		w := q.wishes[from]
		q.wishes = append(q.wishes[:from], q.wishes[from+1:]...)
		q.wishes = append(q.wishes[:to], append([]domain.Wish{w}, q.wishes[to:]...)...)
		return true
	})
	return err
}

func (q *Queue) Clear() {
	q.mutate(func() bool {
		changed := len(q.wishes) > 0
		q.wishes = nil
		return changed
	})
}

// Hold marks a wish as not eligible for TakeNext(true).
func (q *Queue) Hold(id string) bool { return q.setHeld(id, true) }

// Release makes a held wish eligible again.
func (q *Queue) Release(id string) bool { return q.setHeld(id, false) }

func (q *Queue) setHeld(id string, held bool) bool {
	var found bool
	q.mutate(func() bool {
		if i := q.index(id); i >= 0 {
			found = true
			if q.wishes[i].Held != held {
				q.wishes[i].Held = held
				return true
			}
		}
		return false
	})
	return found
}

func (q *Queue) Get(id string) (domain.Wish, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.index(id); i >= 0 {
		return q.wishes[i], true
	}
	return domain.Wish{}, false
}

// List returns a copy of the queue in order.
func (q *Queue) List() []domain.Wish {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.Wish, len(q.wishes))
	copy(out, q.wishes)
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.wishes)
}

// HasPending reports whether any unheld wish is queued.
func (q *Queue) HasPending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending() > 0
}

// Subscribe returns a channel of queue events and a cancel func. Slow
// subscribers miss events rather than block the queue.
func (q *Queue) Subscribe() (<-chan Event, func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.nextID
	q.nextID++
	ch := make(chan Event, 16)
	q.subs[id] = ch
	return ch, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if c, ok := q.subs[id]; ok {
			delete(q.subs, id)
			close(c)
		}
	}
}

// Flush writes the queue immediately.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.mu.Unlock()
	return q.save(ctx)
}

// Close flushes pending writes and closes subscriber channels.
func (q *Queue) Close() error {
	err := q.Flush(context.Background())
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for id, c := range q.subs {
		delete(q.subs, id)
		close(c)
	}
	return err
}

// mutate applies fn under the lock. fn reports whether it changed anything.
func (q *Queue) mutate(fn func() bool) {
	q.mu.Lock()
	before := q.pending()
	if !fn() {
		q.mu.Unlock()
		return
	}
	after := q.pending()

	events := []Event{{Kind: Changed, Pending: after}}
	switch {
	case before == 0 && after > 0:
		events = append(events, Event{Kind: EmptyToPending, Pending: after})
	case before > 0 && after == 0:
		events = append(events, Event{Kind: PendingToEmpty, Pending: after})
	}
	for _, e := range events {
		for _, c := range q.subs {
			select {
			case c <- e:
			default:
			}
		}
	}
	q.mu.Unlock()

	q.schedule()
}

func (q *Queue) schedule() {
	if q.store == nil {
		return
	}
	if q.debounce <= 0 {
		if err := q.save(context.Background()); err != nil {
			q.log.Error("failed to persist queue: %v", err)
		}
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if q.timer != nil {
		q.timer.Reset(q.debounce)
		return
	}
	q.timer = time.AfterFunc(q.debounce, func() {
		q.mu.Lock()
		q.timer = nil
		q.mu.Unlock()
		if err := q.save(context.Background()); err != nil {
			q.log.Error("failed to persist queue: %v", err)
		}
	})
}

func (q *Queue) save(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	q.saveMu.Lock()
	defer q.saveMu.Unlock()
	return q.store.SaveWishes(ctx, q.List())
}

func (q *Queue) pending() int {
	n := 0
	for _, w := range q.wishes {
		if !w.Held {
			n++
		}
	}
	return n
}

func (q *Queue) index(id string) int {
	for i, w := range q.wishes {
		if w.ID == id {
			return i
		}
	}
	return -1
}
