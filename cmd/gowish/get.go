package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/segmentio/ksuid"
	"github.com/spf13/cobra"

	"github.com/datallboy/gowish/internal/domain"
	"github.com/datallboy/gowish/internal/engine"
	"github.com/datallboy/gowish/internal/task"
)

var errIncomplete = errors.New("some orders did not complete")

type orderOptions struct {
	dir      string
	name     string
	referer  string
	user     string
	password string
}

func (o *orderOptions) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&o.dir, "out", "o", "", "destination directory (default download.out_dir)")
	f.StringVarP(&o.name, "name", "n", "", "destination filename, single URL only")
	f.StringVar(&o.referer, "referer", "", "Referer header sent with the first request")
	f.StringVar(&o.user, "user", "", "user name for an authentication challenge")
	f.StringVar(&o.password, "password", "", "password for an authentication challenge")
}

// orders turns locators into orders sharing the same options.
func (o *orderOptions) orders(args []string, defaultDir string) ([]domain.Order, error) {
	if o.name != "" && len(args) > 1 {
		return nil, errors.New("--name only applies to a single URL")
	}
	dir := o.dir
	if dir == "" {
		dir = defaultDir
	}
	out := make([]domain.Order, 0, len(args))
	for _, raw := range args {
		order, err := domain.NewOrder("", raw, dir, domain.SanitizeFilename(o.name))
		if err != nil {
			return nil, fmt.Errorf("invalid url %q: %w", raw, err)
		}
		if order.URL.Scheme == "" || order.URL.Host == "" {
			return nil, fmt.Errorf("%q is not an absolute url", raw)
		}
		order.Referer = o.referer
		if o.user != "" {
			order.Credential = &domain.Credential{User: o.user, Password: o.password}
		}
		out = append(out, order)
	}
	return out, nil
}

func parseStopMode(s string) (task.StopMode, error) {
	switch strings.ToLower(s) {
	case "defer", "":
		return task.StopDefer, nil
	case "hold":
		return task.StopHold, nil
	case "cancel":
		return task.StopCancel, nil
	}
	return task.StopNone, fmt.Errorf("unknown stop mode %q, want defer, hold or cancel", s)
}

func (c *cli) getCmd() *cobra.Command {
	var (
		opts        orderOptions
		enqueue     bool
		held        bool
		onInterrupt string
	)
	cmd := &cobra.Command{
		Use:   "get URL [URL...]",
		Short: "Download one or more locators as a single batch",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseStopMode(onInterrupt)
			if err != nil {
				return err
			}
			orders, err := opts.orders(args, c.cfg.Download.OutDir)
			if err != nil {
				return err
			}
			if enqueue {
				return c.enqueue(orders, held)
			}
			return c.get(cmd.Context(), orders, mode)
		},
	}
	opts.register(cmd)
	cmd.Flags().BoolVar(&enqueue, "queue", false, "add to the queue instead of downloading now")
	cmd.Flags().BoolVar(&held, "held", false, "with --queue, add the wishes on hold")
	cmd.Flags().StringVar(&onInterrupt, "on-interrupt", "defer", "what Ctrl+C does: defer, hold or cancel")
	return cmd
}

func (c *cli) enqueue(orders []domain.Order, held bool) error {
	a, err := c.open()
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	for _, o := range orders {
		w := domain.NewWish(ksuid.New().String(), o)
		w.Held = held
		n := a.Queue.Add(w)
		fmt.Fprintf(c.out, "queued %s as #%d (%s)\n", o.Locator(), n-1, w.ID)
	}
	return nil
}

func (c *cli) get(ctx context.Context, orders []domain.Order, mode task.StopMode) error {
	listener := engine.NewChannelListener(256)
	a, err := c.open(listener)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	id, err := a.Manager.Submit(orders...)
	if err != nil {
		return err
	}

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-sigCtx.Done():
			c.log.Info("interrupted, stopping download %s (%s)", id, mode)
			a.Manager.Stop(context.Background(), id, mode)
		case <-finished:
		}
	}()

	done := newRenderer(c.out, c.isTerminal()).follow(listener, id)
	printDeliveries(c.out, done.Deliveries)
	if !done.Completed {
		return errIncomplete
	}
	return nil
}
