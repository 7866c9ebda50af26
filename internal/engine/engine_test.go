package engine

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/datallboy/gowish/internal/domain"
	"github.com/datallboy/gowish/internal/fetch"
	"github.com/datallboy/gowish/internal/netpolicy"
	"github.com/datallboy/gowish/internal/queue"
	"github.com/datallboy/gowish/internal/resolve"
	"github.com/datallboy/gowish/internal/task"
)

// fakeHandler answers http and https orders through fn and records what it
// was asked for.
type fakeHandler struct {
	mu    sync.Mutex
	seen  []domain.Order
	fn    func(t *task.Task, o domain.Order) domain.Delivery
	start chan string
}

func (f *fakeHandler) Schemes() []string { return []string{"http", "https"} }

func (f *fakeHandler) Fetch(t *task.Task, o domain.Order) domain.Delivery {
	f.mu.Lock()
	f.seen = append(f.seen, o)
	f.mu.Unlock()
	if f.start != nil {
		f.start <- o.Locator()
	}
	return f.fn(t, o)
}

func (f *fakeHandler) orders() []domain.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Order(nil), f.seen...)
}

// writeFile delivers a small file for every order.
func writeFile(t *task.Task, o domain.Order) domain.Delivery {
	if err := os.WriteFile(o.Path(), []byte("data"), 0o644); err != nil {
		return domain.Fail(o, domain.StatusFailed, err)
	}
	t.Fraction(1)
	return domain.Delivery{Order: o, Status: 200, Path: o.Path(), Bytes: 4}
}

// blockUntilStopped writes part of a file and waits for a stop request.
func blockUntilStopped(t *task.Task, o domain.Order) domain.Delivery {
	os.WriteFile(o.Path(), []byte("part"), 0o644)
	t.Fraction(0.5)
	<-t.Context().Done()
	mode := t.Mode()
	if !mode.KeepsData() {
		os.Remove(o.Path())
		return domain.Delivery{Order: o, Status: mode.Status()}
	}
	return domain.Delivery{Order: o, Status: mode.Status(), Path: o.Path(), Bytes: 4}
}

type stubResolver func(o domain.Order) (resolve.Result, error)

func (s stubResolver) Resolve(_ context.Context, o domain.Order) (resolve.Result, error) {
	return s(o)
}

type fractions struct {
	mu   sync.Mutex
	vals []float64
}

func (f *fractions) Publish(_ string, p domain.Progress) {
	if p.Kind != domain.ProgressFraction {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vals = append(f.vals, p.Fraction)
}

func order(t *testing.T, dir, raw string) domain.Order {
	t.Helper()
	o, err := domain.NewOrder("", raw, dir, "")
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func TestEvilHostShortCircuits(t *testing.T) {
	h := &fakeHandler{fn: writeFile}
	w := NewWorker(WorkerOptions{
		Handlers:  []fetch.Handler{h},
		Blocklist: netpolicy.NewBlocklist("evil.example"),
	})
	dir := t.TempDir()
	tk := task.New(context.Background(), "d1", nil)
	defer tk.Release()

	ds := w.Run(tk, []domain.Order{order(t, dir, "https://cdn.evil.example/x.bin")})
	if len(ds) != 1 || ds[0].Status != domain.StatusBlocked {
		t.Fatalf("expected blocked delivery, got %v", ds)
	}
	if ds[0].Bytes != 0 || len(h.orders()) != 0 {
		t.Error("blocked orders must never reach a handler")
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Error("nothing should be written for a blocked host")
	}
}

func TestBatchContinuesAfterFailure(t *testing.T) {
	dir := t.TempDir()
	h := &fakeHandler{fn: func(tk *task.Task, o domain.Order) domain.Delivery {
		switch o.Filename {
		case "boom.bin":
			panic("handler bug")
		case "gone.bin":
			return domain.Fail(o, 404, errors.New("not found"))
		}
		return writeFile(tk, o)
	}}
	w := NewWorker(WorkerOptions{Handlers: []fetch.Handler{h}})
	rec := &fractions{}
	tk := task.New(context.Background(), "d1", rec)
	defer tk.Release()

	ds := w.Run(tk, []domain.Order{
		order(t, dir, "https://example.com/boom.bin"),
		order(t, dir, "https://example.com/gone.bin"),
		order(t, dir, "https://example.com/ok.bin"),
	})
	want := []int{domain.StatusFailed, 404, 200}
	if len(ds) != len(want) {
		t.Fatalf("expected %d deliveries, got %d", len(want), len(ds))
	}
	for i, d := range ds {
		if d.Status != want[i] {
			t.Errorf("delivery %d: expected %d, got %v", i, want[i], d)
		}
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i := 1; i < len(rec.vals); i++ {
		if rec.vals[i] < rec.vals[i-1] {
			t.Fatalf("progress went backwards: %v", rec.vals)
		}
	}
	if last := rec.vals[len(rec.vals)-1]; last != 1 {
		t.Errorf("expected final progress 1, got %v", last)
	}
}

func TestStopReportsRemainingOrders(t *testing.T) {
	dir := t.TempDir()
	h := &fakeHandler{fn: blockUntilStopped, start: make(chan string, 3)}
	w := NewWorker(WorkerOptions{Handlers: []fetch.Handler{h}})
	tk := task.New(context.Background(), "d1", nil)
	defer tk.Release()

	go func() {
		<-h.start
		tk.Stop(task.StopHold)
	}()
	ds := w.Run(tk, []domain.Order{
		order(t, dir, "https://example.com/a.bin"),
		order(t, dir, "https://example.com/b.bin"),
		order(t, dir, "https://example.com/c.bin"),
	})
	if len(ds) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(ds))
	}
	for i, d := range ds {
		if d.Status != domain.StatusHeld {
			t.Errorf("delivery %d: expected held, got %v", i, d)
		}
	}
	if n := len(h.orders()); n != 1 {
		t.Errorf("orders after the stop must not start, %d did", n)
	}
	if _, err := os.Stat(filepath.Join(dir, "a.bin")); err != nil {
		t.Error("held data must be kept")
	}
}

func TestResolverRouting(t *testing.T) {
	dir := t.TempDir()
	media, _ := url.Parse("https://media.example/files/clip.mp4")
	sub, _ := url.Parse("https://media.example/files/en.vtt")
	playlist, _ := url.Parse("https://media.example/live/index.m3u8")

	pages := stubResolver(func(o domain.Order) (resolve.Result, error) {
		switch o.URL.Path {
		case "/watch/clip":
			return resolve.Result{URL: media, MIME: "video/mp4", Aux: []*url.URL{sub}}, nil
		case "/watch/live":
			return resolve.Result{URL: playlist, MIME: "application/vnd.apple.mpegurl"}, nil
		case "/watch/loop":
			return resolve.Result{URL: o.URL}, nil
		}
		return resolve.Result{}, resolve.ErrNoSource
	})
	table, err := resolve.DefaultTable(pages, nil)
	if err != nil {
		t.Fatal(err)
	}

	h := &fakeHandler{fn: writeFile}
	stream := &fakeHandler{fn: writeFile}
	w := NewWorker(WorkerOptions{
		Handlers:  []fetch.Handler{h},
		Stream:    stream,
		Rules:     table,
		Blocklist: netpolicy.NewBlocklist("evil.example"),
	})

	tests := []struct {
		name   string
		url    string
		status int
	}{
		{"page to media", "https://site.example/watch/clip", 200},
		{"page to playlist", "https://site.example/watch/live", 200},
		{"no source", "https://site.example/watch/empty", domain.StatusNoSourceFound},
		{"endless resolution", "https://site.example/watch/loop", domain.StatusNoSourceFound},
		{"unsupported scheme", "gopher://site.example/x", domain.StatusUnsupportedScheme},
		{"blocked page", "https://evil.example/watch/clip", domain.StatusBlocked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := task.New(context.Background(), "d1", nil)
			defer tk.Release()
			ds := w.Run(tk, []domain.Order{order(t, dir, tt.url)})
			if ds[0].Status != tt.status {
				t.Errorf("expected %d, got %v", tt.status, ds[0])
			}
		})
	}

	seen := h.orders()
	if len(seen) != 2 {
		t.Fatalf("expected media and subtitle fetches, got %d", len(seen))
	}
	if seen[0].Locator() != media.String() || seen[0].Referer != "https://site.example/watch/clip" {
		t.Errorf("unexpected follow-up order %+v", seen[0])
	}
	if seen[1].Filename != "clip.en.vtt" {
		t.Errorf("expected sibling subtitle name, got %q", seen[1].Filename)
	}
	if s := stream.orders(); len(s) != 1 || s[0].Locator() != playlist.String() {
		t.Errorf("playlist should go to the stream handler, got %v", s)
	}
}

func newQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q, err := queue.Open(context.Background(), nil, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	return q
}

func TestDeferRequeuesAndResumes(t *testing.T) {
	dir := t.TempDir()
	var blocking atomic.Bool
	blocking.Store(true)
	h := &fakeHandler{start: make(chan string, 4)}
	h.fn = func(tk *task.Task, o domain.Order) domain.Delivery {
		if blocking.Load() {
			return blockUntilStopped(tk, o)
		}
		return writeFile(tk, o)
	}
	q := newQueue(t)
	listener := NewChannelListener(64)
	m := NewManager(context.Background(), NewWorker(WorkerOptions{Handlers: []fetch.Handler{h}}), q, listener, nil)

	o := order(t, dir, "https://example.com/movie.bin")
	id, err := m.Submit(o)
	if err != nil {
		t.Fatal(err)
	}
	<-h.start

	wishes, err := m.Defer(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if len(wishes) != 1 || !wishes[0].Partial || wishes[0].Held {
		t.Fatalf("expected one partial released wish, got %+v", wishes)
	}
	if len(m.Running()) != 0 {
		t.Error("a deferred download must not be running")
	}
	if got, ok := q.Get(wishes[0].ID); !ok || got.Order.Path() != filepath.Join(dir, "movie.bin") {
		t.Fatalf("deferred wish not queued: %+v", got)
	}

	done := <-listener.Finished()
	if done.ID != id || done.Completed || done.Deliveries[0].Status != domain.StatusDeferred {
		t.Errorf("unexpected done event %+v", done)
	}

	blocking.Store(false)
	next, err := m.Resume(wishes[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	ds, err := m.Wait(context.Background(), next)
	if err != nil {
		t.Fatal(err)
	}
	if len(ds) != 1 || ds[0].Status != 200 {
		t.Fatalf("expected resumed delivery, got %v", ds)
	}
	if ds[0].Order.WishID != wishes[0].ID {
		t.Error("resumed order must keep its wish identity")
	}
	if q.Len() != 0 {
		t.Error("resumed wish should leave the queue")
	}
	if _, err := m.Resume("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestHoldQueuesHeldWish(t *testing.T) {
	dir := t.TempDir()
	h := &fakeHandler{fn: blockUntilStopped, start: make(chan string, 1)}
	q := newQueue(t)
	m := NewManager(context.Background(), NewWorker(WorkerOptions{Handlers: []fetch.Handler{h}}), q, nil, nil)

	id, _ := m.Submit(order(t, dir, "https://example.com/a.bin"))
	<-h.start
	wishes, err := m.Hold(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if len(wishes) != 1 || !wishes[0].Held {
		t.Fatalf("expected held wish, got %+v", wishes)
	}
	if q.HasPending() {
		t.Error("held wishes are not pending")
	}
}

func TestCancelDiscardsAndForgets(t *testing.T) {
	dir := t.TempDir()
	h := &fakeHandler{fn: blockUntilStopped, start: make(chan string, 1)}
	q := newQueue(t)
	m := NewManager(context.Background(), NewWorker(WorkerOptions{Handlers: []fetch.Handler{h}}), q, nil, nil)

	id, _ := m.Submit(order(t, dir, "https://example.com/a.bin"))
	<-h.start
	if err := m.Cancel(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	if q.Len() != 0 {
		t.Error("cancelled work must not be queued")
	}
	snap, ok := m.Get(id)
	if !ok || snap.Running || snap.Deliveries[0].Status != domain.StatusCancelled {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if _, err := os.Stat(filepath.Join(dir, "a.bin")); !os.IsNotExist(err) {
		t.Error("cancel should remove the partial file")
	}
	if err := m.Cancel(context.Background(), id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for a finished download, got %v", err)
	}
}

func TestRunQueueTakesUnheldWishes(t *testing.T) {
	dir := t.TempDir()
	h := &fakeHandler{fn: writeFile}
	q := newQueue(t)
	m := NewManager(context.Background(), NewWorker(WorkerOptions{Handlers: []fetch.Handler{h}}), q, nil, nil)

	held := domain.NewWish("held", order(t, dir, "https://example.com/held.bin"))
	held.Held = true
	q.Add(held)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- m.RunQueue(ctx) }()

	q.Add(domain.NewWish("a", order(t, dir, "https://example.com/a.bin")))
	q.Add(domain.NewWish("b", order(t, dir, "https://example.com/b.bin")))

	deadline := time.Now().Add(5 * time.Second)
	for len(m.History()) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
	if n := len(m.History()); n != 2 {
		t.Fatalf("expected 2 finished downloads, got %d", n)
	}
	if list := q.List(); len(list) != 1 || list[0].ID != "held" {
		t.Errorf("only the held wish should remain, got %v", list)
	}
}

func TestDrainStopsWhenQueueIsEmpty(t *testing.T) {
	dir := t.TempDir()
	h := &fakeHandler{fn: writeFile}
	q := newQueue(t)
	m := NewManager(context.Background(), NewWorker(WorkerOptions{Handlers: []fetch.Handler{h}}), q, nil, nil)
	q.Add(domain.NewWish("a", order(t, dir, "https://example.com/a.bin")))
	q.Add(domain.NewWish("b", order(t, dir, "https://example.com/b.bin")))

	ids, err := m.Drain(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || q.Len() != 0 {
		t.Errorf("expected 2 runs and an empty queue, got %v and %d", ids, q.Len())
	}
}
