package resolve

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/datallboy/gowish/internal/domain"
	"github.com/datallboy/gowish/internal/infra/logger"
)

// PageFetcher downloads a page into w and reports the final URL and media
// type.
type PageFetcher interface {
	FetchPage(ctx context.Context, u *url.URL, referer string, w io.Writer) (*url.URL, string, error)
}

// PageResolver scrapes a fetched page for a media locator.
type PageResolver struct {
	fetcher    PageFetcher
	extractors []Extractor
	log        *logger.Logger

	// TempDir holds page copies while they are scanned. Empty means the
	// system default.
	TempDir string
}

// NewPageResolver uses DefaultExtractors when none are given.
func NewPageResolver(f PageFetcher, log *logger.Logger, extractors ...Extractor) *PageResolver {
	if len(extractors) == 0 {
		extractors = DefaultExtractors()
	}
	if log == nil {
		log = logger.Discard()
	}
	return &PageResolver{fetcher: f, extractors: extractors, log: log}
}

// Resolve fetches the order's page and runs the extractors over it in
// priority order. The page copy is removed before returning.
func (p *PageResolver) Resolve(ctx context.Context, order domain.Order) (Result, error) {
	tmp, err := os.CreateTemp(p.TempDir, "gowish-page-*")
	if err != nil {
		return Result{}, fmt.Errorf("could not create page buffer: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	final, _, err := p.fetcher.FetchPage(ctx, order.URL, order.Referer, tmp)
	if err != nil {
		return Result{}, err
	}
	if final == nil {
		final = order.URL
	}

	for i, extract := range p.extractors {
		cand, found, err := p.scan(tmp, extract)
		if err != nil {
			return Result{}, fmt.Errorf("could not read page %s: %w", order.Locator(), err)
		}
		if !found {
			continue
		}
		u, err := final.Parse(cand.URL)
		if err != nil {
			p.log.Debug("extractor %d produced unusable locator %q: %v", i, cand.URL, err)
			continue
		}
		res := Result{URL: u, MIME: cand.MIME}
		res.Aux = p.auxStreams(tmp, final)
		p.log.Debug("resolved %s -> %s", order.Locator(), u)
		return res, nil
	}
	return Result{}, fmt.Errorf("%s: %w", order.Locator(), ErrNoSource)
}

// scan runs one extractor over every line of the page copy.
func (p *PageResolver) scan(f *os.File, extract Extractor) (Candidate, bool, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return Candidate{}, false, err
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if c, ok := extract(sc.Text()); ok {
			return c, true, nil
		}
	}
	return Candidate{}, false, sc.Err()
}

func (p *PageResolver) auxStreams(f *os.File, base *url.URL) []*url.URL {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil
	}
	var out []*url.URL
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		for _, src := range tracks(sc.Text()) {
			if u, err := base.Parse(src); err == nil {
				out = append(out, u)
			}
		}
	}
	return out
}
