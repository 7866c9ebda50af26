// Package resolve turns locators that only reference media into locators
// of the media itself.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/datallboy/gowish/internal/domain"
)

// ErrNoSource is returned when a page contains no usable media locator.
var ErrNoSource = errors.New("no source found")

// Result is the next locator for an order plus optional auxiliary streams
// (subtitles, separate audio) found next to it.
type Result struct {
	URL  *url.URL
	MIME string
	Aux  []*url.URL
}

// Resolver rewrites an order into the next locator to try.
type Resolver interface {
	Resolve(ctx context.Context, order domain.Order) (Result, error)
}

// Rule binds a locator pattern to a resolver. A rule without a resolver and
// with Playlist set routes to the stream engine; one with neither routes to
// the plain downloader.
type Rule struct {
	Name     string
	Pattern  *regexp.Regexp
	Resolver Resolver
	Playlist bool
}

// Table is an ordered rule list. The first matching rule wins.
type Table struct {
	rules []Rule
}

func NewTable(rules ...Rule) *Table {
	return &Table{rules: rules}
}

// Match returns the first rule whose pattern matches u.
func (t *Table) Match(u *url.URL) (Rule, bool) {
	if u == nil {
		return Rule{}, false
	}
	s := u.String()
	for _, r := range t.rules {
		if r.Pattern.MatchString(s) {
			return r, true
		}
	}
	return Rule{}, false
}

func (t *Table) Rules() []Rule { return t.rules }

var (
	playlistPattern = regexp.MustCompile(`(?i)^https?://[^?#]+\.m3u8?([?#].*)?$`)
	embedPattern    = regexp.MustCompile(`(?i)^https?://[^/]+/(embed|e|watch|v|video|videos|player)/`)
)

// DefaultTable builds the built-in rules followed by one page rule per extra
// pattern.
func DefaultTable(pages Resolver, extra []string) (*Table, error) {
	rules := []Rule{
		{Name: "playlist", Pattern: playlistPattern, Playlist: true},
		{Name: "embedded-video", Pattern: embedPattern, Resolver: pages},
	}
	for i, p := range extra {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid page pattern %q: %w", p, err)
		}
		rules = append(rules, Rule{Name: fmt.Sprintf("page-%d", i+1), Pattern: re, Resolver: pages})
	}
	return NewTable(rules...), nil
}

// IsPlaylist reports whether a MIME hint names an HLS playlist.
func IsPlaylist(mimeType string) bool {
	switch strings.ToLower(mimeType) {
	case "application/vnd.apple.mpegurl", "application/x-mpegurl", "audio/mpegurl", "audio/x-mpegurl":
		return true
	}
	return false
}
