package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/datallboy/gowish/internal/domain"
	"github.com/datallboy/gowish/internal/infra/logger"
	"github.com/datallboy/gowish/internal/queue"
	"github.com/datallboy/gowish/internal/task"
)

var (
	ErrNotFound = errors.New("download not found")
	ErrNoOrders = errors.New("no orders submitted")
)

// historySize bounds the finished downloads kept for inspection.
const historySize = 100

// Snapshot is the externally visible state of one download.
type Snapshot struct {
	ID         string            `json:"id"`
	Orders     []domain.Order    `json:"orders"`
	Running    bool              `json:"running"`
	Completed  bool              `json:"completed"`
	Fraction   float64           `json:"fraction"`
	Message    string            `json:"message,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Deliveries []domain.Delivery `json:"deliveries,omitempty"`
}

type job struct {
	id       string
	task     *task.Task
	orders   []domain.Order
	started  time.Time
	fraction float64
	message  string
	done     chan struct{}
	requeued []domain.Wish
}

func (j *job) snapshot() Snapshot {
	return Snapshot{
		ID:        j.id,
		Orders:    j.orders,
		Running:   true,
		Fraction:  j.fraction,
		Message:   j.message,
		StartedAt: j.started,
	}
}

// Manager runs each submitted batch on its own goroutine and moves stopped
// work in and out of the queue.
type Manager struct {
	ctx      context.Context
	worker   *Worker
	queue    *queue.Queue
	listener Listener
	log      *logger.Logger

	mu      sync.Mutex
	jobs    map[string]*job
	history []Snapshot
	wg      sync.WaitGroup
}

// NewManager creates a manager whose downloads inherit ctx. q and l may be
// nil.
func NewManager(ctx context.Context, w *Worker, q *queue.Queue, l Listener, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Discard()
	}
	return &Manager{
		ctx:      ctx,
		worker:   w,
		queue:    q,
		listener: l,
		log:      log,
		jobs:     map[string]*job{},
	}
}

// Submit starts a download over orders and returns its id. Orders without a
// wish identity get a fresh one.
func (m *Manager) Submit(orders ...domain.Order) (string, error) {
	if len(orders) == 0 {
		return "", ErrNoOrders
	}
	batch := make([]domain.Order, len(orders))
	copy(batch, orders)
	for i := range batch {
		if batch[i].WishID == "" {
			batch[i].WishID = ksuid.New().String()
		}
	}
	return m.start(batch).id, nil
}

func (m *Manager) start(orders []domain.Order) *job {
	j := &job{
		id:      ksuid.New().String(),
		orders:  orders,
		started: time.Now().UTC(),
		done:    make(chan struct{}),
	}
	j.task = task.New(m.ctx, j.id, task.SinkFunc(m.publish))

	m.mu.Lock()
	m.jobs[j.id] = j
	m.mu.Unlock()

	m.log.Info("download %s started with %d order(s)", j.id, len(orders))
	m.wg.Add(1)
	go m.run(j)
	return j
}

func (m *Manager) publish(id string, p domain.Progress) {
	m.mu.Lock()
	if j, ok := m.jobs[id]; ok {
		switch p.Kind {
		case domain.ProgressFraction:
			j.fraction = p.Fraction
		case domain.ProgressMessage:
			j.message = p.Message
		}
	}
	m.mu.Unlock()
	if m.listener != nil {
		m.listener.Progress(id, p)
	}
}

func (m *Manager) run(j *job) {
	defer m.wg.Done()
	defer j.task.Release()

	deliveries := m.worker.Run(j.task, j.orders)
	completed := true
	for _, d := range deliveries {
		if !d.OK() {
			completed = false
			break
		}
	}

	m.mu.Lock()
	j.requeued = m.requeue(deliveries)
	snap := j.snapshot()
	finished := time.Now().UTC()
	snap.Running = false
	snap.Completed = completed
	snap.FinishedAt = &finished
	snap.Deliveries = deliveries
	delete(m.jobs, j.id)
	m.history = append(m.history, snap)
	if len(m.history) > historySize {
		m.history = m.history[len(m.history)-historySize:]
	}
	m.mu.Unlock()
	close(j.done)

	m.log.Info("download %s finished (completed=%t)", j.id, completed)
	if m.listener != nil {
		m.listener.Done(j.id, completed, deliveries)
	}
}

// requeue turns held and deferred deliveries into wishes. Called with m.mu
// held so a wish is never running and queued at once.
func (m *Manager) requeue(deliveries []domain.Delivery) []domain.Wish {
	var out []domain.Wish
	for _, d := range deliveries {
		if d.Status != domain.StatusDeferred && d.Status != domain.StatusHeld {
			continue
		}
		if m.queue == nil {
			m.log.Warn("no queue configured, dropping %s", d.Order.Locator())
			continue
		}
		id := d.Order.WishID
		if id == "" {
			id = ksuid.New().String()
		}
		w := domain.NewWish(id, d.Order)
		w.Held = d.Status == domain.StatusHeld
		w.Partial = partial(d.Path)
		m.queue.Add(w)
		out = append(out, w)
	}
	return out
}

func partial(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

// Stop asks download id to stop and waits until its worker has returned.
// Held and deferred orders are queued before Stop returns and are returned
// as wishes.
func (m *Manager) Stop(ctx context.Context, id string, mode task.StopMode) ([]domain.Wish, error) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	j.task.Stop(mode)
	select {
	case <-j.done:
		return j.requeued, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) Cancel(ctx context.Context, id string) error {
	_, err := m.Stop(ctx, id, task.StopCancel)
	return err
}

// Hold stops id keeping its data and queues it as a held wish.
func (m *Manager) Hold(ctx context.Context, id string) ([]domain.Wish, error) {
	return m.Stop(ctx, id, task.StopHold)
}

// Defer stops id keeping its data and queues it for the queue runner.
func (m *Manager) Defer(ctx context.Context, id string) ([]domain.Wish, error) {
	return m.Stop(ctx, id, task.StopDefer)
}

// Resume takes a wish out of the queue, regardless of its hold flag, and
// starts it.
func (m *Manager) Resume(wishID string) (string, error) {
	if m.queue == nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, wishID)
	}
	w, ok := m.queue.Take(wishID)
	if !ok {
		return "", fmt.Errorf("%w: wish %s", ErrNotFound, wishID)
	}
	w.Order.WishID = w.ID
	return m.start([]domain.Order{w.Order}).id, nil
}

// Wait blocks until id has finished and returns its deliveries.
func (m *Manager) Wait(ctx context.Context, id string) ([]domain.Delivery, error) {
	m.mu.Lock()
	j, running := m.jobs[id]
	m.mu.Unlock()
	if running {
		select {
		case <-j.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	snap, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return snap.Deliveries, nil
}

// RunQueue runs unheld wishes one at a time until ctx ends, sleeping while
// the queue has no pending work. A download still running at shutdown is
// deferred back into the queue.
func (m *Manager) RunQueue(ctx context.Context) error {
	if m.queue == nil {
		return errors.New("no queue configured")
	}
	events, unsubscribe := m.queue.Subscribe()
	defer unsubscribe()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if m.runNext(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case _, open := <-events:
			if !open {
				return nil
			}
		}
	}
}

// Drain runs unheld wishes until none are pending and returns the ids it
// started.
func (m *Manager) Drain(ctx context.Context) ([]string, error) {
	if m.queue == nil {
		return nil, errors.New("no queue configured")
	}
	var ids []string
	for ctx.Err() == nil {
		w, ok := m.queue.TakeNext(true)
		if !ok {
			return ids, nil
		}
		ids = append(ids, m.runWish(ctx, w))
	}
	return ids, ctx.Err()
}

func (m *Manager) runNext(ctx context.Context) bool {
	w, ok := m.queue.TakeNext(true)
	if !ok {
		return false
	}
	m.runWish(ctx, w)
	return true
}

func (m *Manager) runWish(ctx context.Context, w domain.Wish) string {
	w.Order.WishID = w.ID
	j := m.start([]domain.Order{w.Order})
	select {
	case <-j.done:
	case <-ctx.Done():
		j.task.Stop(task.StopDefer)
		<-j.done
	}
	return j.id
}

// Shutdown defers every running download and waits for the workers.
func (m *Manager) Shutdown(ctx context.Context) error {
	for _, s := range m.Running() {
		if _, err := m.Defer(ctx, s.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running lists active downloads, oldest first.
func (m *Manager) Running() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.snapshot())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].StartedAt.Before(out[b].StartedAt) })
	return out
}

// History lists finished downloads, most recent last.
func (m *Manager) History() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, len(m.history))
	copy(out, m.history)
	return out
}

// Get returns a running or recently finished download.
func (m *Manager) Get(id string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		return j.snapshot(), true
	}
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].ID == id {
			return m.history[i], true
		}
	}
	return Snapshot{}, false
}
