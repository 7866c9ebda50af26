package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/datallboy/gowish/internal/engine"
)

func (c *cli) drainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Download every unheld wish in queue order, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.drain(cmd.Context())
		},
	}
}

func (c *cli) drain(ctx context.Context) error {
	listener := engine.NewChannelListener(256)
	a, err := c.open(listener)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	type result struct {
		ids []string
		err error
	}
	results := make(chan result, 1)
	go func() {
		ids, err := a.Manager.Drain(ctx)
		results <- result{ids, err}
	}()

	// Done events trail the drain itself, so keep reading until every
	// started download has reported.
	r := newRenderer(c.out, c.isTerminal())
	var (
		res      *result
		finished int
		failed   int
	)
	for res == nil || finished < len(res.ids) {
		select {
		case ev := <-listener.Updates():
			r.update(ev.Progress)
		case done := <-listener.Finished():
			r.clear()
			printDeliveries(c.out, done.Deliveries)
			r = newRenderer(c.out, c.isTerminal())
			finished++
			if !done.Completed {
				failed++
			}
		case got := <-results:
			res = &got
		}
	}

	fmt.Fprintf(c.out, "drained %d wish(es), %d incomplete\n", len(res.ids), failed)
	if errors.Is(res.err, context.Canceled) {
		fmt.Fprintln(c.out, "interrupted, the remaining wishes stay queued")
		return nil
	}
	if res.err != nil {
		return res.err
	}
	if failed > 0 {
		return errIncomplete
	}
	return nil
}
