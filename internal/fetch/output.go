package fetch

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/datallboy/gowish/internal/domain"
	"github.com/datallboy/gowish/internal/task"
)

// Output is a destination file opened from scratch for handlers that cannot
// resume, such as segmented streams.
type Output struct {
	env  *Env
	tgt  target
	file *os.File
	n    int64
}

// Create opens order's destination, choosing an alternative name when the
// existing file belongs to another host. The returned order carries the final
// filename.
func (e *Env) Create(ctx context.Context, t *task.Task, order domain.Order) (domain.Order, *Output, error) {
	if err := ensureDir(order.Dir); err != nil {
		return order, nil, &StatusError{Code: domain.StatusDirUncreatable, URL: order.Dir}
	}
	tgt, err := e.planTarget(ctx, order.Path(), order.Host(), -1, time.Time{})
	if err != nil {
		return order, nil, err
	}
	order = followTarget(t, order, tgt)
	f, err := e.open(ctx, tgt, order.Host())
	if err != nil {
		return order, nil, err
	}
	return order, &Output{env: e, tgt: tgt, file: f}, nil
}

func (o *Output) Path() string { return o.tgt.path }

// Written is the number of bytes stored so far.
func (o *Output) Written() int64 { return o.n }

// ReadFrom copies r into the file, honouring stop requests and the
// bandwidth limit. It does not publish progress.
func (o *Output) ReadFrom(t *task.Task, r io.Reader) (int64, error) {
	wire := &countingReader{r: r}
	n, err := o.env.copy(t, o.file, transfer{src: wire, wire: wire, quiet: true})
	o.n += n
	return n, err
}

// Finish closes the file and turns the outcome of the transfer into a
// delivery, cleaning up the way the built-in handlers do.
func (o *Output) Finish(t *task.Task, order domain.Order, mimeType string, err error) domain.Delivery {
	if cerr := o.file.Close(); err == nil && cerr != nil {
		err = &localError{err: cerr}
	}
	switch {
	case err == nil:
		t.Fraction(1)
		return domain.Delivery{Order: order, Status: 200, Path: o.tgt.path, MIME: mimeType, Bytes: o.n}
	case errors.Is(err, errStopped) || t.Stopped():
		return o.env.stopped(t, order, o.tgt, o.n)
	default:
		o.env.discard(o.tgt)
		return domain.Fail(order, Classify(err), err)
	}
}
