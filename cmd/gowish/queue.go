package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/datallboy/gowish/internal/app"
	"github.com/datallboy/gowish/internal/domain"
	"github.com/datallboy/gowish/internal/engine"
	"github.com/datallboy/gowish/internal/task"
)

func (c *cli) queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and reorder the persistent wish queue",
	}

	var opts orderOptions
	add := &cobra.Command{
		Use:   "add URL [URL...]",
		Short: "Queue locators for a later drain",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			orders, err := opts.orders(args, c.cfg.Download.OutDir)
			if err != nil {
				return err
			}
			return c.enqueue(orders, false)
		},
	}
	opts.register(add)

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List queued wishes in order",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				return c.withApp(func(a *app.Context) error {
					printQueue(c.out, a.Queue.List())
					return nil
				})
			},
		},
		add,
		c.wishCmd("remove ID", "Remove a wish", func(a *app.Context, id string) bool { return a.Queue.Remove(id) }),
		c.wishCmd("hold ID", "Keep a wish from being drained", func(a *app.Context, id string) bool { return a.Queue.Hold(id) }),
		c.wishCmd("release ID", "Make a held wish eligible again", func(a *app.Context, id string) bool { return a.Queue.Release(id) }),
		&cobra.Command{
			Use:   "move FROM TO",
			Short: "Move the wish at position FROM to position TO",
			Args:  cobra.ExactArgs(2),
			RunE: func(_ *cobra.Command, args []string) error {
				from, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("bad position %q", args[0])
				}
				to, err := strconv.Atoi(args[1])
				if err != nil {
					return fmt.Errorf("bad position %q", args[1])
				}
				return c.withApp(func(a *app.Context) error {
					if to < from {
						return a.Queue.MoveUp(from, to)
					}
					return a.Queue.MoveDown(from, to)
				})
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove every wish",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				return c.withApp(func(a *app.Context) error {
					a.Queue.Clear()
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "resume ID",
			Short: "Download a queued wish now, even if held",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.resume(cmd.Context(), args[0])
			},
		},
	)
	return cmd
}

func (c *cli) withApp(fn func(a *app.Context) error) error {
	a, err := c.open()
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(a)
}

func (c *cli) wishCmd(use, short string, fn func(a *app.Context, id string) bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return c.withApp(func(a *app.Context) error {
				if !fn(a, args[0]) {
					return fmt.Errorf("no wish %s in the queue", args[0])
				}
				return nil
			})
		},
	}
}

func (c *cli) resume(ctx context.Context, wishID string) error {
	listener := engine.NewChannelListener(256)
	a, err := c.open(listener)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	id, err := a.Manager.Resume(wishID)
	if err != nil {
		return err
	}
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-sigCtx.Done():
			a.Manager.Stop(context.Background(), id, task.StopDefer)
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

// printQueue writes the queue as a table. Partial wishes show the bytes
// already on disk.
func printQueue(out io.Writer, wishes []domain.Wish) {
	if len(wishes) == 0 {
		fmt.Fprintln(out, "queue is empty")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tID\tSTATE\tHAVE\tURL\tDEST")
	for i, w := range wishes {
		state := "pending"
		if w.Held {
			state = "held"
		}
		have := "-"
		if w.Partial {
			if info, err := os.Stat(w.Order.Path()); err == nil {
				have = humanize.Bytes(uint64(info.Size()))
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", i, w.ID, state, have, w.Order.Locator(), w.Order.Path())
	}
	tw.Flush()
}
