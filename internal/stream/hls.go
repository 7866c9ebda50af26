// Package stream downloads segmented HLS media into a single file.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/grafov/m3u8"

	"github.com/datallboy/gowish/internal/domain"
	"github.com/datallboy/gowish/internal/fetch"
	"github.com/datallboy/gowish/internal/infra/logger"
	"github.com/datallboy/gowish/internal/task"
)

// maxNesting bounds master -> media playlist hops.
const maxNesting = 3

var (
	errEncrypted = errors.New("encrypted streams are not supported")
	errBlocked   = errors.New("blocked host")
)

// Opener performs GET requests for playlists and segments.
type Opener interface {
	Open(ctx context.Context, u *url.URL, referer string) (io.ReadCloser, *http.Response, error)
}

// HLS concatenates the segments of a media playlist into one .ts file.
type HLS struct {
	env    *fetch.Env
	opener Opener
	log    *logger.Logger
}

func NewHLS(env *fetch.Env, opener Opener) *HLS {
	log := env.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &HLS{env: env, opener: opener, log: log}
}

type segment struct {
	uri      string
	duration float64
}

func (h *HLS) Fetch(t *task.Task, order domain.Order) domain.Delivery {
	if order.URL == nil {
		return domain.Fail(order, domain.StatusFailed, errors.New("order has no locator"))
	}
	ctx := t.Context()

	t.Buffering(0)
	media, base, err := h.media(ctx, order.URL, order.Referer, 0)
	if err != nil {
		if t.Stopped() {
			return domain.Delivery{Order: order, Status: t.Mode().Status()}
		}
		if errors.Is(err, errBlocked) {
			return domain.Fail(order, domain.StatusBlocked, err)
		}
		if errors.Is(err, errEncrypted) {
			return domain.Fail(order, domain.StatusFailed, err)
		}
		return domain.Fail(order, fetch.Classify(err), err)
	}
	t.Buffering(1)

	segs, total := segments(media)
	if len(segs) == 0 {
		return domain.Fail(order, domain.StatusNoSourceFound, fmt.Errorf("%s has no segments", order.Locator()))
	}
	if err := h.checkHosts(base, segs); err != nil {
		if errors.Is(err, errBlocked) {
			return domain.Fail(order, domain.StatusBlocked, err)
		}
		return domain.Fail(order, domain.StatusFailed, err)
	}
	h.log.Debug("%s: %d segments, %s", order.Locator(), len(segs), time.Duration(total*float64(time.Second)))

	order = order.WithFilename(outputName(order.Filename))
	if order.Filename == "" {
		return domain.Fail(order, domain.StatusMissingFilename, errors.New("no filename for stream"))
	}

	order, out, err := h.env.Create(ctx, t, order)
	if err != nil {
		return domain.Fail(order, fetch.Classify(err), err)
	}

	totalDur := time.Duration(total * float64(time.Second))
	var elapsed float64
	for _, seg := range segs {
		if err = h.segment(t, out, base, seg, order.Locator()); err != nil {
			break
		}
		elapsed += seg.duration
		t.Duration(time.Duration(elapsed*float64(time.Second)), totalDur)
		if total > 0 {
			t.Fraction(elapsed / total)
		}
	}
	return out.Finish(t, order, "video/mp2t", err)
}

func (h *HLS) segment(t *task.Task, out *fetch.Output, base *url.URL, seg segment, referer string) error {
	u, err := base.Parse(seg.uri)
	if err != nil {
		return fmt.Errorf("bad segment uri %q: %w", seg.uri, err)
	}
	body, _, err := h.opener.Open(t.Context(), u, referer)
	if err != nil {
		return err
	}
	defer body.Close()
	_, err = out.ReadFrom(t, body)
	return err
}

// media loads u and follows master playlists to the highest bandwidth
// variant. It returns the media playlist and the URL segment URIs are
// relative to.
func (h *HLS) media(ctx context.Context, u *url.URL, referer string, depth int) (*m3u8.MediaPlaylist, *url.URL, error) {
	if depth > maxNesting {
		return nil, nil, fmt.Errorf("playlist nesting deeper than %d", maxNesting)
	}
	if h.env.Blocked(u.Hostname()) {
		return nil, nil, fmt.Errorf("%w: playlist %s", errBlocked, u.Redacted())
	}
	body, resp, err := h.opener.Open(ctx, u, referer)
	if err != nil {
		return nil, nil, err
	}
	defer body.Close()

	base := u
	if resp != nil && resp.Request != nil && resp.Request.URL != nil {
		base = resp.Request.URL
	}

	pl, kind, err := m3u8.DecodeFrom(body, false)
	if err != nil {
		return nil, nil, fmt.Errorf("could not parse playlist %s: %w", u, err)
	}

	switch kind {
	case m3u8.MEDIA:
		mp := pl.(*m3u8.MediaPlaylist)
		if encrypted(mp) {
			return nil, nil, errEncrypted
		}
		return mp, base, nil
	case m3u8.MASTER:
		best := bestVariant(pl.(*m3u8.MasterPlaylist))
		if best == nil {
			return nil, nil, fmt.Errorf("master playlist %s has no variants", u)
		}
		next, err := base.Parse(best.URI)
		if err != nil {
			return nil, nil, err
		}
		h.log.Debug("following variant %s (%d bps)", next, best.Bandwidth)
		return h.media(ctx, next, u.String(), depth+1)
	}
	return nil, nil, fmt.Errorf("unknown playlist type for %s", u)
}

// checkHosts rejects the stream when any segment lives on a blocked host.
func (h *HLS) checkHosts(base *url.URL, segs []segment) error {
	for _, seg := range segs {
		u, err := base.Parse(seg.uri)
		if err != nil {
			return fmt.Errorf("bad segment uri %q: %w", seg.uri, err)
		}
		if h.env.Blocked(u.Hostname()) {
			return fmt.Errorf("%w: segment %s", errBlocked, u.Redacted())
		}
	}
	return nil
}

func bestVariant(master *m3u8.MasterPlaylist) *m3u8.Variant {
	var best *m3u8.Variant
	for _, v := range master.Variants {
		if v == nil || v.URI == "" || v.Iframe {
			continue
		}
		if best == nil || v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	return best
}

func encrypted(mp *m3u8.MediaPlaylist) bool {
	if mp.Key != nil && mp.Key.Method != "" && mp.Key.Method != "NONE" {
		return true
	}
	for _, s := range mp.Segments {
		if s != nil && s.Key != nil && s.Key.Method != "" && s.Key.Method != "NONE" {
			return true
		}
	}
	return false
}

// segments lists the playable segments, the init section first when the
// playlist declares one.
func segments(mp *m3u8.MediaPlaylist) ([]segment, float64) {
	var (
		out   []segment
		total float64
	)
	if mp.Map != nil && mp.Map.URI != "" {
		out = append(out, segment{uri: mp.Map.URI})
	}
	for i, s := range mp.Segments {
		if uint(i) >= mp.Count() {
			break
		}
		if s == nil || s.URI == "" {
			continue
		}
		out = append(out, segment{uri: s.URI, duration: s.Duration})
		total += s.Duration
	}
	return out, total
}

// outputName swaps a playlist extension for .ts.
func outputName(name string) string {
	if name == "" {
		return ""
	}
	ext := filepath.Ext(name)
	switch strings.ToLower(ext) {
	case ".m3u8", ".m3u":
		return strings.TrimSuffix(name, ext) + ".ts"
	case "":
		return name + ".ts"
	}
	return name
}
