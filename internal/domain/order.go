package domain

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// Credential is a username/secret pair resolved for a host.
// PrivateKey holds a PEM encoded key for SFTP and may be empty.
type Credential struct {
	Scheme     string `json:"scheme,omitempty"`
	Host       string `json:"host,omitempty"`
	User       string `json:"user"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
}

// Order represents a single download request.
// Identity is the originating wish, so the target filename may change
// without losing continuity.
type Order struct {
	WishID     string      `json:"wish_id"`
	URL        *url.URL    `json:"-"`
	Dir        string      `json:"dir"`
	Filename   string      `json:"filename"`
	MIME       string      `json:"mime,omitempty"`
	Referer    string      `json:"referer,omitempty"`
	AuxStreams []string    `json:"aux_streams,omitempty"`
	Credential *Credential `json:"-"`
}

// NewOrder parses rawURL and returns an Order targeting dir.
// An empty filename is derived from the URL path.
func NewOrder(wishID, rawURL, dir, filename string) (Order, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return Order{}, err
	}
	if filename == "" {
		filename = FilenameFromURL(u)
	}
	return Order{WishID: wishID, URL: u, Dir: dir, Filename: filename}, nil
}

// Host returns the lower-cased host name of the order's locator.
func (o Order) Host() string {
	if o.URL == nil {
		return ""
	}
	return strings.ToLower(o.URL.Hostname())
}

// Scheme returns the lower-cased scheme of the order's locator.
func (o Order) Scheme() string {
	if o.URL == nil {
		return ""
	}
	return strings.ToLower(o.URL.Scheme)
}

// Path returns the destination path, or "" when no filename is known yet.
func (o Order) Path() string {
	if o.Filename == "" {
		return ""
	}
	return filepath.Join(o.Dir, o.Filename)
}

// Locator returns the URL string, or "" for an order without one.
func (o Order) Locator() string {
	if o.URL == nil {
		return ""
	}
	return o.URL.String()
}

// FollowUp clones the order for a locator produced by an extraction step.
// The clone keeps the wish identity and destination folder, takes a freshly
// derived filename and uses the current locator as referer.
func (o Order) FollowUp(u *url.URL, mime string) Order {
	next := o
	next.URL = u
	next.MIME = mime
	next.Referer = o.Locator()
	next.Filename = FilenameFromURL(u)
	next.AuxStreams = nil
	return next
}

// WithFilename returns a copy of the order targeting name.
func (o Order) WithFilename(name string) Order {
	o.Filename = name
	return o
}

// FilenameFromURL returns the last path element of u with OS-illegal
// characters replaced, or "" when the path has no usable element.
func FilenameFromURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	p := u.Path
	if p == "" {
		p = u.Opaque
	}
	base := path.Base(p)
	if base == "." || base == "/" || base == "" {
		return ""
	}
	return SanitizeFilename(base)
}

var badChars = strings.NewReplacer(`\`, "_", "/", "_", ":", "_", "*", "_", "?", "_", `"`, "_", "<", "_", ">", "_", "|", "_")

// SanitizeFilename removes characters that are illegal on common filesystems.
func SanitizeFilename(name string) string {
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	name = strings.TrimSpace(badChars.Replace(name))
	if name == "." || name == ".." {
		return ""
	}
	return name
}

type orderJSON struct {
	URL string `json:"url"`
	orderAlias
}

type orderAlias Order

// MarshalJSON encodes the locator as a plain string. Credentials are never
// serialized.
func (o Order) MarshalJSON() ([]byte, error) {
	return json.Marshal(orderJSON{URL: o.Locator(), orderAlias: orderAlias(o)})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (o *Order) UnmarshalJSON(data []byte) error {
	var raw orderJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*o = Order(raw.orderAlias)
	if raw.URL != "" {
		u, err := url.Parse(raw.URL)
		if err != nil {
			return fmt.Errorf("invalid order url %q: %w", raw.URL, err)
		}
		o.URL = u
	}
	return nil
}
