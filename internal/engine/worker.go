package engine

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/datallboy/gowish/internal/domain"
	"github.com/datallboy/gowish/internal/fetch"
	"github.com/datallboy/gowish/internal/infra/logger"
	"github.com/datallboy/gowish/internal/resolve"
	"github.com/datallboy/gowish/internal/task"
)

// DefaultMaxDepth bounds resolver hops for a single order.
const DefaultMaxDepth = 4

// Fetcher downloads one order.
type Fetcher interface {
	Fetch(t *task.Task, order domain.Order) domain.Delivery
}

// Blocklist reports hosts that must never be contacted.
type Blocklist interface {
	IsEvil(host string) bool
}

type WorkerOptions struct {
	Handlers  []fetch.Handler
	Stream    Fetcher
	Rules     *resolve.Table
	Blocklist Blocklist
	MaxDepth  int
	Logger    *logger.Logger
}

// Worker runs a batch of orders one after another, routing each through the
// resolver table to a protocol handler.
type Worker struct {
	handlers  map[string]fetch.Handler
	stream    Fetcher
	rules     *resolve.Table
	blocklist Blocklist
	maxDepth  int
	log       *logger.Logger
}

func NewWorker(opts WorkerOptions) *Worker {
	w := &Worker{
		handlers:  map[string]fetch.Handler{},
		stream:    opts.Stream,
		rules:     opts.Rules,
		blocklist: opts.Blocklist,
		maxDepth:  opts.MaxDepth,
		log:       opts.Logger,
	}
	if w.maxDepth <= 0 {
		w.maxDepth = DefaultMaxDepth
	}
	if w.rules == nil {
		w.rules = resolve.NewTable()
	}
	if w.log == nil {
		w.log = logger.Discard()
	}
	for _, h := range opts.Handlers {
		for _, s := range h.Schemes() {
			w.handlers[s] = h
		}
	}
	return w
}

// Run processes orders sequentially. Every order yields exactly one delivery;
// orders left after a stop are reported with the stop status.
func (w *Worker) Run(t *task.Task, orders []domain.Order) []domain.Delivery {
	log := w.log.With(t.ID)
	out := make([]domain.Delivery, 0, len(orders))
	for i, order := range orders {
		if t.Stopped() {
			status := t.Mode().Status()
			for _, rest := range orders[i:] {
				out = append(out, domain.Delivery{Order: rest, Status: status})
			}
			break
		}
		t.Begin(i, len(orders))
		d := w.process(t, order)
		if d.OK() {
			log.Info("%s -> %s", order.Locator(), d.Path)
		} else {
			log.Warn("%s", d)
		}
		out = append(out, d)
	}
	return out
}

func (w *Worker) process(t *task.Task, order domain.Order) (d domain.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("panic while fetching %s: %v\n%s", order.Locator(), r, debug.Stack())
			d = domain.Fail(order, domain.StatusFailed, fmt.Errorf("panic: %v", r))
		}
	}()
	return w.dispatch(t, order, 0)
}

func (w *Worker) dispatch(t *task.Task, order domain.Order, depth int) domain.Delivery {
	if order.URL == nil {
		return domain.Fail(order, domain.StatusFailed, errors.New("order has no locator"))
	}
	if w.isEvil(order.Host()) {
		return domain.Fail(order, domain.StatusBlocked, fmt.Errorf("host %s is blocked", order.Host()))
	}

	rule, matched := w.rules.Match(order.URL)
	if matched && rule.Resolver != nil {
		if depth >= w.maxDepth {
			return domain.Fail(order, domain.StatusNoSourceFound, fmt.Errorf("resolution deeper than %d steps", w.maxDepth))
		}
		t.Message("resolving " + order.Locator())
		res, err := rule.Resolver.Resolve(t.Context(), order)
		if err != nil {
			switch {
			case t.Stopped():
				return domain.Delivery{Order: order, Status: t.Mode().Status()}
			case errors.Is(err, resolve.ErrNoSource):
				return domain.Fail(order, domain.StatusNoSourceFound, err)
			}
			return domain.Fail(order, fetch.Classify(err), err)
		}
		w.log.Debug("%s resolved %s -> %s", rule.Name, order.Locator(), res.URL)
		next := order.FollowUp(res.URL, res.MIME)
		if order.Filename != "" && order.Filename != domain.FilenameFromURL(order.URL) {
			next.Filename = order.Filename
		}
		for _, a := range res.Aux {
			next.AuxStreams = append(next.AuxStreams, a.String())
		}
		return w.dispatch(t, next, depth+1)
	}

	if (matched && rule.Playlist) || resolve.IsPlaylist(order.MIME) {
		if w.stream == nil {
			return domain.Fail(order, domain.StatusUnsupportedScheme, errors.New("no stream handler configured"))
		}
		return w.primary(t, w.stream, order)
	}

	h, ok := w.handlers[order.Scheme()]
	if !ok {
		return domain.Fail(order, domain.StatusUnsupportedScheme, fmt.Errorf("unsupported scheme %q", order.Scheme()))
	}
	return w.primary(t, h, order)
}

// primary fetches order and then its auxiliary streams as siblings of the
// delivered file. Auxiliary failures never fail the primary delivery.
func (w *Worker) primary(t *task.Task, h Fetcher, order domain.Order) domain.Delivery {
	d := h.Fetch(t, order)
	if !d.OK() || len(order.AuxStreams) == 0 {
		return d
	}
	base := d.Order.URL
	if base == nil {
		base = order.URL
	}
	for _, raw := range order.AuxStreams {
		if t.Stopped() {
			break
		}
		u, err := base.Parse(raw)
		if err != nil {
			w.log.Warn("skipping auxiliary stream %q: %v", raw, err)
			continue
		}
		aux := order.FollowUp(u, "")
		aux.Dir = filepath.Dir(d.Path)
		aux.Filename = siblingName(filepath.Base(d.Path), u)
		if ad := w.auxiliary(t, aux); !ad.OK() {
			w.log.Warn("auxiliary stream: %s", ad)
		}
	}
	return d
}

func (w *Worker) auxiliary(t *task.Task, order domain.Order) domain.Delivery {
	if w.isEvil(order.Host()) {
		return domain.Fail(order, domain.StatusBlocked, fmt.Errorf("host %s is blocked", order.Host()))
	}
	h, ok := w.handlers[order.Scheme()]
	if !ok {
		return domain.Fail(order, domain.StatusUnsupportedScheme, fmt.Errorf("unsupported scheme %q", order.Scheme()))
	}
	return h.Fetch(t, order)
}

func (w *Worker) isEvil(host string) bool {
	return w.blocklist != nil && w.blocklist.IsEvil(host)
}

// siblingName names an auxiliary file after the primary one, so clip.mp4 and
// en.vtt become clip.en.vtt.
func siblingName(primary string, u *url.URL) string {
	stem := strings.TrimSuffix(primary, filepath.Ext(primary))
	name := domain.FilenameFromURL(u)
	if name == "" {
		return stem + ".aux"
	}
	return stem + "." + name
}
