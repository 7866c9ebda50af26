package fetch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"syscall"

	"github.com/datallboy/gowish/internal/domain"
)

// errStopped ends a transfer loop after a stop request.
var errStopped = errors.New("transfer stopped")

// errIdle is the cancellation cause when a read stalls past the read timeout.
var errIdle = errors.New("read timed out")

// StatusError carries a protocol status code out of a helper.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %d %s", e.URL, e.Code, domain.StatusText(e.Code))
}

// localError marks failures of the local filesystem.
type localError struct{ err error }

func (e *localError) Error() string { return e.err.Error() }
func (e *localError) Unwrap() error { return e.err }

// Classify maps a transfer error onto a delivery status.
func Classify(err error) int {
	if err == nil {
		return 200
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	if errors.Is(err, syscall.ENOSPC) {
		return domain.StatusInsufficientSpace
	}
	var le *localError
	if errors.As(err, &le) {
		return domain.StatusFailed
	}
	if errors.Is(err, errIdle) {
		return domain.StatusNoConnectivity
	}
	if errors.Is(err, context.Canceled) {
		return domain.StatusCancelled
	}

	var tp *textproto.Error
	if errors.As(err, &tp) {
		return ftpStatus(tp.Code)
	}

	if isNetwork(err) {
		return domain.StatusNoConnectivity
	}
	return domain.StatusFailed
}

func isNetwork(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var (
		netErr   net.Error
		dnsErr   *net.DNSError
		opErr    *net.OpError
		certErr  *tls.CertificateVerificationError
		unknown  x509.UnknownAuthorityError
		hostErr  x509.HostnameError
		recErr   tls.RecordHeaderError
		invalErr x509.CertificateInvalidError
	)
	return errors.As(err, &netErr) ||
		errors.As(err, &dnsErr) ||
		errors.As(err, &opErr) ||
		errors.As(err, &certErr) ||
		errors.As(err, &unknown) ||
		errors.As(err, &hostErr) ||
		errors.As(err, &recErr) ||
		errors.As(err, &invalErr)
}

// ftpStatus maps FTP reply codes onto delivery statuses.
func ftpStatus(code int) int {
	switch code {
	case 530, 332:
		return 401
	case 550:
		return 404
	case 421, 425, 426:
		return domain.StatusNoConnectivity
	case 552:
		return domain.StatusInsufficientSpace
	}
	return domain.StatusFailed
}
