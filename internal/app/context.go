package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/datallboy/gowish/internal/auth"
	"github.com/datallboy/gowish/internal/engine"
	"github.com/datallboy/gowish/internal/fetch"
	"github.com/datallboy/gowish/internal/infra/config"
	"github.com/datallboy/gowish/internal/infra/logger"
	"github.com/datallboy/gowish/internal/netpolicy"
	"github.com/datallboy/gowish/internal/queue"
	"github.com/datallboy/gowish/internal/resolve"
	"github.com/datallboy/gowish/internal/store"
	"github.com/datallboy/gowish/internal/stream"
)

// Context holds the core environment and shared resources for gowish.
// It acts as the single source of truth for the application state.
type Context struct {
	Config *config.Config
	Logger *logger.Logger

	Store       *store.PersistentStore
	Queue       *queue.Queue
	Credentials *auth.Store
	Blocklist   *netpolicy.Blocklist
	Proxies     *netpolicy.ProxySelector

	Env     *fetch.Env
	HTTP    *fetch.HTTP
	Rules   *resolve.Table
	Worker  *engine.Worker
	Manager *engine.Manager
}

// NewContext opens the store and queue and wires every collaborator.
// Downloads started by the manager inherit ctx; listeners observe them.
func NewContext(ctx context.Context, cfg *config.Config, log *logger.Logger, listeners ...engine.Listener) (*Context, error) {
	st, err := store.NewPersistentStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	q, err := queue.Open(ctx, st, cfg.Queue.Debounce, log.With("queue"))
	if err != nil {
		st.Close()
		return nil, err
	}

	proxies, err := netpolicy.NewProxySelector(cfg.Proxies)
	if err != nil {
		st.Close()
		return nil, err
	}

	a := &Context{
		Config:      cfg,
		Logger:      log,
		Store:       st,
		Queue:       q,
		Credentials: auth.NewStore(cfg.Credentials),
		Blocklist:   netpolicy.NewBlocklist(cfg.Blocklist...),
		Proxies:     proxies,
	}

	a.Env = &fetch.Env{
		Config:      cfg.Download,
		Logger:      log.With("fetch"),
		Ancestry:    st,
		Credentials: a.Credentials,
		Proxies:     proxies,
		Blocklist:   a.Blocklist,
		FreeSpace:   fetch.FreeSpace,
	}
	a.HTTP = fetch.NewHTTP(a.Env)

	pages := resolve.NewPageResolver(a.HTTP, log.With("resolve"))
	a.Rules, err = resolve.DefaultTable(pages, cfg.Resolve.PagePatterns)
	if err != nil {
		st.Close()
		return nil, err
	}

	a.Worker = engine.NewWorker(engine.WorkerOptions{
		Handlers:  []fetch.Handler{a.HTTP, fetch.NewFTP(a.Env), fetch.NewSFTP(a.Env)},
		Stream:    stream.NewHLS(a.Env, a.HTTP),
		Rules:     a.Rules,
		Blocklist: a.Blocklist,
		MaxDepth:  cfg.Resolve.MaxDepth,
		Logger:    log.With("worker"),
	})

	var l engine.Listener
	if len(listeners) > 0 {
		l = engine.Listeners(listeners)
	}
	a.Manager = engine.NewManager(ctx, a.Worker, q, l, log.With("manager"))
	return a, nil
}

// Close defers running downloads, flushes the queue and closes the store.
func (a *Context) Close(ctx context.Context) error {
	var errs []error
	if err := a.Manager.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.Queue.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
