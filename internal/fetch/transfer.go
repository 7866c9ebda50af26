package fetch

import (
	"io"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/datallboy/gowish/internal/task"
)

// countingReader counts bytes as they come off the wire, before any
// content decoding.
type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// transfer describes one copy from remote to local.
type transfer struct {
	src    io.Reader       // decoded stream
	wire   *countingReader // network side, may be the same stream as src
	offset int64           // bytes already present locally
	total  int64           // expected final size, <= 0 when unknown
	quiet  bool            // caller reports progress itself
}

// limiter builds the bandwidth limiter, or nil when unlimited.
func (e *Env) limiter() *rate.Limiter {
	bps := e.Config.RateLimit
	if bps <= 0 {
		return nil
	}
	burst := max(bps, e.bufferSize())
	return rate.NewLimiter(rate.Limit(bps), burst)
}

// copy streams tr into dst, publishing throttled progress. It returns the
// bytes written and errStopped when the task was stopped mid-flight.
func (e *Env) copy(t *task.Task, dst io.Writer, tr transfer) (int64, error) {
	buf := make([]byte, e.bufferSize())
	throttle := task.NewThrottle(t)
	lim := e.limiter()

	if tr.total <= 0 && !tr.quiet {
		t.Indeterminate()
	}

	var written int64
	for {
		if t.Stopped() {
			return written, errStopped
		}

		n, rerr := tr.src.Read(buf)
		if n > 0 {
			if lim != nil {
				if err := lim.WaitN(t.Context(), n); err != nil {
					return written, errStopped
				}
			}
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, &localError{err: werr}
			}
			if tr.total > 0 && !tr.quiet {
				throttle.Update(float64(tr.offset+tr.wire.n.Load()) / float64(tr.total))
			}
		}

		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			if t.Stopped() {
				return written, errStopped
			}
			return written, rerr
		}
	}
}
