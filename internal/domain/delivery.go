package domain

import (
	"fmt"
	"net/http"
)

// Engine-private status codes. HTTP-style codes (200-5xx) are used as-is.
const (
	StatusBlocked           = 900 // host is on the blocklist
	StatusNoConnectivity    = 901 // host unreachable, DNS, TLS or interrupted transfer
	StatusInsufficientSpace = 902
	StatusDirUncreatable    = 903
	StatusMissingFilename   = 904
	StatusCancelled         = 905
	StatusDeferred          = 906
	StatusHeld              = 907
	StatusNoSourceFound     = 908
	StatusFailed            = 909 // unclassified
	StatusCleartextBlocked  = 910
	StatusNotAFile          = 911
	StatusUnsupportedScheme = 912
)

var statusText = map[int]string{
	StatusBlocked:           "blocked host",
	StatusNoConnectivity:    "no connectivity",
	StatusInsufficientSpace: "insufficient space",
	StatusDirUncreatable:    "destination directory uncreatable",
	StatusMissingFilename:   "missing destination filename",
	StatusCancelled:         "cancelled",
	StatusDeferred:          "deferred",
	StatusHeld:              "held",
	StatusNoSourceFound:     "no source found",
	StatusFailed:            "failed",
	StatusCleartextBlocked:  "cleartext not permitted",
	StatusNotAFile:          "target is a directory",
	StatusUnsupportedScheme: "unsupported scheme",
}

// StatusText returns a short description of code.
func StatusText(code int) string {
	if s, ok := statusText[code]; ok {
		return s
	}
	if s := http.StatusText(code); s != "" {
		return s
	}
	return fmt.Sprintf("status %d", code)
}

// IsStop reports whether code is one of the cancellation family.
func IsStop(code int) bool {
	return code == StatusCancelled || code == StatusDeferred || code == StatusHeld
}

// Challenge is an authentication request the caller must satisfy before
// retrying with credentials.
type Challenge struct {
	Scheme string `json:"scheme"`
	Realm  string `json:"realm,omitempty"`
	Host   string `json:"host"`
}

// Delivery is the outcome of processing one Order.
type Delivery struct {
	Order     Order      `json:"order"`
	Status    int        `json:"status"`
	Path      string     `json:"path,omitempty"`
	MIME      string     `json:"mime,omitempty"`
	Bytes     int64      `json:"bytes"`
	Challenge *Challenge `json:"challenge,omitempty"`
	Err       error      `json:"-"`
}

// OK reports whether the delivery completed successfully.
func (d Delivery) OK() bool {
	return d.Status > 0 && d.Status < 300
}

func (d Delivery) String() string {
	if d.Err != nil {
		return fmt.Sprintf("%d %s: %v", d.Status, StatusText(d.Status), d.Err)
	}
	return fmt.Sprintf("%d %s", d.Status, StatusText(d.Status))
}

// Fail builds a failure delivery for order.
func Fail(order Order, status int, err error) Delivery {
	return Delivery{Order: order, Status: status, Err: err}
}
