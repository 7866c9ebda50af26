package fetch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"github.com/datallboy/gowish/internal/domain"
	"github.com/datallboy/gowish/internal/task"
)

// maxPageSize caps pages pulled in for source extraction.
const maxPageSize = 16 << 20

// HTTP downloads http and https orders.
type HTTP struct {
	env    *Env
	client *http.Client
}

func NewHTTP(env *Env) *HTTP {
	cfg := env.Config
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}

	transport := &http.Transport{
		Proxy: func(req *http.Request) (*url.URL, error) {
			return env.selectProxy(req.URL.Hostname()), nil
		},
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   4,
		ForceAttemptHTTP2:     true,
		DisableCompression:    true,
	}

	h := &HTTP{env: env}
	h.client = &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			if req.URL.Scheme == "http" && !cfg.AllowCleartext {
				return &StatusError{Code: domain.StatusCleartextBlocked, URL: req.URL.String()}
			}
			return nil
		},
	}
	return h
}

func (h *HTTP) Schemes() []string { return []string{"http", "https"} }

// remoteMeta is what the server told us about a resource.
type remoteMeta struct {
	size     int64
	modified time.Time
	filename string
	mime     string
	final    *url.URL
}

func (h *HTTP) Fetch(t *task.Task, order domain.Order) domain.Delivery {
	if order.URL == nil {
		return domain.Fail(order, domain.StatusFailed, errors.New("order has no locator"))
	}
	if order.Scheme() == "http" && !h.env.Config.AllowCleartext {
		return domain.Fail(order, domain.StatusCleartextBlocked, fmt.Errorf("refusing cleartext transfer from %s", order.Host()))
	}
	ctx := t.Context()

	meta, probed, fail := h.probe(t, order)
	if fail != nil {
		return *fail
	}

	order = applyName(t, order, meta)
	if order.Filename == "" {
		return domain.Fail(order, domain.StatusMissingFilename, errors.New("no filename in locator or reply"))
	}
	if err := ensureDir(order.Dir); err != nil {
		return domain.Fail(order, domain.StatusDirUncreatable, err)
	}

	tgt, err := h.env.planTarget(ctx, order.Path(), order.Host(), meta.size, meta.modified)
	if err != nil {
		return domain.Fail(order, domain.StatusFailed, err)
	}
	order = followTarget(t, order, tgt)

	if meta.size > 0 && !h.env.hasSpace(order.Dir, meta.size-tgt.offset) {
		return domain.Fail(order, domain.StatusInsufficientSpace, fmt.Errorf("need %d bytes in %s", meta.size-tgt.offset, order.Dir))
	}

	return h.get(t, order, tgt, meta, probed)
}

// probe issues the HEAD request. probed is false when the server refuses HEAD
// and the GET reply has to supply the metadata instead.
func (h *HTTP) probe(t *task.Task, order domain.Order) (meta remoteMeta, probed bool, fail *domain.Delivery) {
	req, err := h.newRequest(t.Context(), http.MethodHead, order)
	if err != nil {
		d := domain.Fail(order, domain.StatusFailed, err)
		return remoteMeta{}, false, &d
	}
	resp, err := h.client.Do(req)
	if err != nil {
		d := h.failure(t, order, err)
		return remoteMeta{}, false, &d
	}
	resp.Body.Close()

	switch code := resp.StatusCode; {
	case code == http.StatusMethodNotAllowed || code == http.StatusNotImplemented:
		h.env.log().Debug("HEAD refused by %s (%d), falling back to GET", order.Host(), code)
		return remoteMeta{size: -1}, false, nil
	case code == http.StatusUnauthorized:
		d := challenge(order, resp)
		return remoteMeta{}, false, &d
	case code >= 400:
		d := domain.Fail(order, code, &StatusError{Code: code, URL: order.Locator()})
		return remoteMeta{}, false, &d
	}
	return metaFrom(resp), true, nil
}

func (h *HTTP) get(t *task.Task, order domain.Order, tgt target, meta remoteMeta, probed bool) domain.Delivery {
	ctx, cancel := context.WithCancelCause(t.Context())
	defer cancel(nil)

	req, err := h.newRequest(ctx, http.MethodGet, order)
	if err != nil {
		return domain.Fail(order, domain.StatusFailed, err)
	}
	if tgt.offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", tgt.offset))
	} else {
		req.Header.Set("Accept-Encoding", "gzip, deflate")
		if tgt.complete {
			if info, err := os.Stat(tgt.path); err == nil {
				req.Header.Set("If-Modified-Since", info.ModTime().UTC().Format(http.TimeFormat))
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return h.failure(t, order, err)
	}
	defer resp.Body.Close()

	switch code := resp.StatusCode; {
	case code == http.StatusNotModified:
		h.env.log().Debug("%s not modified upstream", order.Filename)
		return h.present(t, order, tgt, meta)
	case code == http.StatusUnauthorized:
		return challenge(order, resp)
	case code == http.StatusRequestedRangeNotSatisfiable && tgt.offset > 0:
		if meta.size > 0 && tgt.offset >= meta.size {
			return h.present(t, order, tgt, meta)
		}
		resp.Body.Close()
		tgt.offset = 0
		return h.get(t, order, tgt, meta, probed)
	case code >= 400:
		return domain.Fail(order, code, &StatusError{Code: code, URL: order.Locator()})
	}

	if !probed {
		got := metaFrom(resp)
		if got.mime == "" {
			got.mime = meta.mime
		}
		meta = got
		renamed := applyName(t, order, meta)
		if renamed.Filename != order.Filename {
			order = renamed
			tgt, err = h.env.planTarget(ctx, order.Path(), order.Host(), -1, time.Time{})
			if err != nil {
				return domain.Fail(order, domain.StatusFailed, err)
			}
			order = followTarget(t, order, tgt)
		}
	}

	total := meta.size
	if resp.StatusCode == http.StatusPartialContent {
		start, size, ok := parseContentRange(resp.Header.Get("Content-Range"))
		switch {
		case ok && start == tgt.offset:
			if size > 0 {
				total = size
			}
		case tgt.offset > 0:
			// Restarting from 0 sends no Range header, so this recurses once.
			h.env.log().Warn("unexpected range reply %q for %s; restarting", resp.Header.Get("Content-Range"), order.Filename)
			resp.Body.Close()
			tgt.offset = 0
			return h.get(t, order, tgt, meta, probed)
		case ok:
			return domain.Fail(order, domain.StatusFailed, fmt.Errorf("%s sent bytes from %d for a full request", order.Host(), start))
		default:
			h.env.log().Debug("%s sent 206 without a usable range for a full request; reading it whole", order.Host())
			if resp.ContentLength > 0 {
				total = resp.ContentLength
			}
		}
	} else {
		if tgt.offset > 0 {
			h.env.log().Info("%s ignored the range request; restarting %s", order.Host(), order.Filename)
			tgt.offset = 0
		}
		if resp.ContentLength > 0 {
			total = resp.ContentLength
		}
	}

	if total > 0 && !h.env.hasSpace(order.Dir, total-tgt.offset) {
		return domain.Fail(order, domain.StatusInsufficientSpace, fmt.Errorf("need %d bytes in %s", total-tgt.offset, order.Dir))
	}

	f, err := h.env.open(ctx, tgt, order.Host())
	if err != nil {
		return domain.Fail(order, Classify(err), err)
	}

	wire := &countingReader{r: resp.Body}
	src, err := decode(resp.Header.Get("Content-Encoding"), wire)
	if err != nil {
		f.Close()
		h.env.discard(tgt)
		return domain.Fail(order, domain.StatusFailed, err)
	}
	body, stopIdle := h.watchIdle(src, cancel)
	n, err := h.env.copy(t, f, transfer{src: body, wire: wire, offset: tgt.offset, total: total})
	stopIdle()
	if cerr := f.Close(); err == nil && cerr != nil {
		err = &localError{err: cerr}
	}

	switch {
	case err == nil:
		_ = chtimes(tgt.path, meta.modified)
		t.Fraction(1)
		return domain.Delivery{
			Order:  order,
			Status: http.StatusOK,
			Path:   tgt.path,
			MIME:   firstNonEmpty(meta.mime, order.MIME),
			Bytes:  tgt.offset + n,
		}
	case errors.Is(err, errStopped) || t.Stopped():
		return h.env.stopped(t, order, tgt, tgt.offset+n)
	default:
		if errors.Is(context.Cause(ctx), errIdle) {
			err = fmt.Errorf("%w: %v", errIdle, err)
		}
		h.env.discard(tgt)
		return domain.Fail(order, Classify(err), err)
	}
}

// present reports an already complete local copy as delivered.
func (h *HTTP) present(t *task.Task, order domain.Order, tgt target, meta remoteMeta) domain.Delivery {
	var size int64
	if info, err := os.Stat(tgt.path); err == nil {
		size = info.Size()
	}
	t.Fraction(1)
	return domain.Delivery{
		Order:  order,
		Status: http.StatusOK,
		Path:   tgt.path,
		MIME:   firstNonEmpty(meta.mime, order.MIME),
		Bytes:  size,
	}
}

func (h *HTTP) failure(t *task.Task, order domain.Order, err error) domain.Delivery {
	if t.Stopped() {
		return domain.Delivery{Order: order, Status: t.Mode().Status()}
	}
	return domain.Fail(order, Classify(err), err)
}

func (h *HTTP) newRequest(ctx context.Context, method string, order domain.Order) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, order.URL.String(), nil)
	if err != nil {
		return nil, err
	}
	if ua := h.env.Config.UserAgent; ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	if order.Referer != "" {
		req.Header.Set("Referer", order.Referer)
	}
	if user, pass, ok := h.credentials(order); ok {
		req.SetBasicAuth(user, pass)
	}
	return req, nil
}

// credentials picks the caller-supplied credential, then the one embedded in
// the locator, then the stored one.
func (h *HTTP) credentials(order domain.Order) (string, string, bool) {
	if c := order.Credential; c != nil {
		return c.User, c.Password, true
	}
	if u := order.URL.User; u != nil {
		pass, _ := u.Password()
		return u.Username(), pass, true
	}
	if c, ok := h.env.findCredential(order.Scheme(), order.Host(), ""); ok {
		return c.User, c.Password, true
	}
	return "", "", false
}

// Open performs a GET and returns the decoded body. The caller closes it.
func (h *HTTP) Open(ctx context.Context, u *url.URL, referer string) (io.ReadCloser, *http.Response, error) {
	if u.Scheme == "http" && !h.env.Config.AllowCleartext {
		return nil, nil, &StatusError{Code: domain.StatusCleartextBlocked, URL: u.String()}
	}
	req, err := h.newRequest(ctx, http.MethodGet, domain.Order{URL: u, Referer: referer})
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, nil, &StatusError{Code: resp.StatusCode, URL: u.String()}
	}
	body, err := decode(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, nil, err
	}
	return readCloser{Reader: body, Closer: resp.Body}, resp, nil
}

// FetchPage downloads a page into w for source extraction and returns the
// final URL after redirects and the reply's media type.
func (h *HTTP) FetchPage(ctx context.Context, u *url.URL, referer string, w io.Writer) (*url.URL, string, error) {
	body, resp, err := h.Open(ctx, u, referer)
	if err != nil {
		return nil, "", err
	}
	defer body.Close()
	if _, err := io.Copy(w, io.LimitReader(body, maxPageSize)); err != nil {
		return nil, "", err
	}
	return resp.Request.URL, mediaType(resp.Header.Get("Content-Type")), nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

// stopped builds the delivery for a stopped transfer. Hold and defer keep
// the partial file; cancel removes it when this attempt created it.
func (e *Env) stopped(t *task.Task, order domain.Order, tgt target, bytes int64) domain.Delivery {
	mode := t.Mode()
	d := domain.Delivery{Order: order, Status: mode.Status(), Bytes: bytes}
	if mode.KeepsData() {
		d.Path = tgt.path
	} else {
		e.discard(tgt)
	}
	return d
}

type idleReader struct {
	r     io.Reader
	timer *time.Timer
	d     time.Duration
}

func (ir *idleReader) Read(p []byte) (int, error) {
	ir.timer.Reset(ir.d)
	n, err := ir.r.Read(p)
	ir.timer.Stop()
	return n, err
}

// watchIdle cancels the request with errIdle when a single read blocks for
// longer than the read timeout.
func (h *HTTP) watchIdle(r io.Reader, cancel context.CancelCauseFunc) (io.Reader, func()) {
	d := h.env.Config.ReadTimeout
	if d <= 0 {
		return r, func() {}
	}
	timer := time.AfterFunc(d, func() { cancel(errIdle) })
	timer.Stop()
	return &idleReader{r: r, timer: timer, d: d}, func() { timer.Stop() }
}

func metaFrom(resp *http.Response) remoteMeta {
	m := remoteMeta{
		size:     -1,
		final:    resp.Request.URL,
		mime:     mediaType(resp.Header.Get("Content-Type")),
		filename: dispositionName(resp.Header.Get("Content-Disposition")),
	}
	if resp.ContentLength >= 0 {
		m.size = resp.ContentLength
	} else if v, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil {
		m.size = v
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if ts, err := http.ParseTime(lm); err == nil {
			m.modified = ts
		}
	}
	return m
}

// applyName adopts the server-supplied filename, or derives one from the
// final URL when the order has none.
func applyName(t *task.Task, order domain.Order, meta remoteMeta) domain.Order {
	name := meta.filename
	if name == "" && order.Filename == "" {
		name = domain.FilenameFromURL(meta.final)
	}
	if name == "" || name == order.Filename {
		return order
	}
	if order.Filename != "" {
		t.Renamed(order.Filename, name)
	}
	return order.WithFilename(name)
}

func followTarget(t *task.Task, order domain.Order, tgt target) domain.Order {
	if !tgt.renamed {
		return order
	}
	name := filepath.Base(tgt.path)
	t.Renamed(order.Filename, name)
	return order.WithFilename(name)
}

func challenge(order domain.Order, resp *http.Response) domain.Delivery {
	d := domain.Fail(order, http.StatusUnauthorized, &StatusError{Code: http.StatusUnauthorized, URL: order.Locator()})
	d.Challenge = parseChallenge(resp.Header.Get("WWW-Authenticate"), order.Host())
	return d
}

// parseChallenge reads the first challenge of a WWW-Authenticate header.
func parseChallenge(header, host string) *domain.Challenge {
	c := &domain.Challenge{Scheme: "Basic", Host: host}
	header = strings.TrimSpace(header)
	if header == "" {
		return c
	}
	scheme, rest, _ := strings.Cut(header, " ")
	c.Scheme = scheme
	for part := range strings.SplitSeq(rest, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.EqualFold(k, "realm") {
			c.Realm = strings.Trim(v, `"`)
			break
		}
	}
	return c
}

func dispositionName(v string) string {
	if v == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(v)
	if err != nil {
		return ""
	}
	name := params["filename"]
	if name == "" {
		return ""
	}
	return domain.SanitizeFilename(filepath.Base(strings.ReplaceAll(name, `\`, "/")))
}

func mediaType(v string) string {
	if v == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return v
	}
	return mt
}

// parseContentRange reads "bytes start-end/size". size is -1 for "*".
func parseContentRange(v string) (start, size int64, ok bool) {
	v, found := strings.CutPrefix(strings.TrimSpace(v), "bytes ")
	if !found {
		return 0, 0, false
	}
	span, total, found := strings.Cut(v, "/")
	if !found {
		return 0, 0, false
	}
	first, _, found := strings.Cut(span, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	size = -1
	if total != "*" {
		if size, err = strconv.ParseInt(total, 10, 64); err != nil {
			return 0, 0, false
		}
	}
	return start, size, true
}

// decode wraps r for the given content encoding.
func decode(encoding string, r io.Reader) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return r, nil
	case "gzip", "x-gzip":
		return gzip.NewReader(r)
	case "deflate":
		br := bufio.NewReader(r)
		if head, err := br.Peek(2); err == nil && isZlib(head) {
			return zlib.NewReader(br)
		}
		return flate.NewReader(br), nil
	}
	return nil, fmt.Errorf("unsupported content encoding %q", encoding)
}

// isZlib checks for an RFC 1950 header. Some servers send raw deflate
// instead.
func isZlib(head []byte) bool {
	return head[0]&0x0f == 8 && (uint16(head[0])<<8|uint16(head[1]))%31 == 0
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
