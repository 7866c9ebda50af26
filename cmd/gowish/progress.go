package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/datallboy/gowish/internal/domain"
	"github.com/datallboy/gowish/internal/engine"
)

var (
	okColor   = color.New(color.FgGreen)
	stopColor = color.New(color.FgYellow)
	failColor = color.New(color.FgRed)
)

// renderer draws one status line per download. Off a terminal only renames
// and messages are printed.
type renderer struct {
	out      io.Writer
	terminal bool

	fraction float64
	unknown  bool
	elapsed  time.Duration
	total    time.Duration
	note     string
	drawn    bool
}

func newRenderer(out io.Writer, terminal bool) *renderer {
	return &renderer{out: out, terminal: terminal}
}

// follow renders events until id is done. ids other than id are ignored.
func (r *renderer) follow(l *engine.ChannelListener, id string) engine.DoneEvent {
	for {
		select {
		case ev := <-l.Updates():
			if ev.ID == id {
				r.update(ev.Progress)
			}
		case done := <-l.Finished():
			if done.ID == id {
				r.clear()
				return done
			}
		}
	}
}

func (r *renderer) update(p domain.Progress) {
	switch p.Kind {
	case domain.ProgressFraction:
		r.fraction = p.Fraction
		r.unknown = false
	case domain.ProgressIndeterminate:
		r.unknown = true
	case domain.ProgressDuration:
		r.elapsed, r.total = p.Elapsed, p.Total
	case domain.ProgressBuffering:
		r.note = fmt.Sprintf("buffering %.0f%%", p.Level*100)
	case domain.ProgressMessage:
		r.note = p.Message
		if !r.terminal {
			fmt.Fprintln(r.out, p.Message)
		}
	case domain.ProgressRename:
		r.clear()
		fmt.Fprintf(r.out, "saving as %s\n", p.NewName)
	}
	r.draw()
}

func (r *renderer) line() string {
	var b strings.Builder
	if r.unknown {
		b.WriteString("downloading")
	} else {
		fmt.Fprintf(&b, "%5.1f%%", r.fraction*100)
	}
	if r.total > 0 {
		fmt.Fprintf(&b, " | %s / %s", r.elapsed.Round(time.Second), r.total.Round(time.Second))
	}
	if r.note != "" {
		b.WriteString(" | ")
		b.WriteString(truncate(r.note, 48))
	}
	return b.String()
}

func (r *renderer) draw() {
	if !r.terminal {
		return
	}
	fmt.Fprintf(r.out, "\r%-80s", r.line())
	r.drawn = true
}

func (r *renderer) clear() {
	if r.drawn {
		fmt.Fprintf(r.out, "\r%-80s\r", "")
		r.drawn = false
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

// printDeliveries writes one line per delivery.
func printDeliveries(w io.Writer, ds []domain.Delivery) {
	for _, d := range ds {
		switch {
		case d.OK():
			okColor.Fprintf(w, "  ok   ")
			fmt.Fprintf(w, "%s (%s)\n", d.Path, humanize.Bytes(uint64(max(d.Bytes, 0))))
		case domain.IsStop(d.Status):
			stopColor.Fprintf(w, "  %-4s ", stopLabel(d.Status))
			fmt.Fprintf(w, "%s", d.Order.Locator())
			if d.Path != "" {
				fmt.Fprintf(w, " (kept %s)", d.Path)
			}
			fmt.Fprintln(w)
		default:
			failColor.Fprintf(w, "  fail ")
			fmt.Fprintf(w, "%s: %s\n", d.Order.Locator(), d)
			if d.Challenge != nil {
				fmt.Fprintf(w, "       %s authentication required for %s, retry with --user and --password\n",
					d.Challenge.Scheme, d.Challenge.Host)
			}
		}
	}
}

func stopLabel(status int) string {
	switch status {
	case domain.StatusHeld:
		return "held"
	case domain.StatusDeferred:
		return "defr"
	}
	return "stop"
}
