package dispatch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/sony/gobreaker"

	"hookline/internal/ssrf"
)

// Kind classifies why an outbound call produced no response.
type Kind string

const (
	KindTimeout        Kind = "timeout"
	KindDNS            Kind = "dns"
	KindRefused        Kind = "refused"
	KindTLS            Kind = "tls"
	KindTooLarge       Kind = "too_large"
	KindBreakerOpen    Kind = "breaker_open"
	KindBlocked        Kind = "blocked"
	KindInvalidRequest Kind = "invalid_request"
	KindNetwork        Kind = "network"
)

// Sentinel errors matched with errors.Is against an *Error.
var (
	ErrTimeout            = errors.New("destination timed out")
	ErrUnreachable        = errors.New("destination unreachable")
	ErrCircuitOpen        = errors.New("circuit breaker open for destination")
	ErrResponseTooLarge   = errors.New("destination response exceeds size limit")
	ErrBlockedDestination = errors.New("destination address is blocked")
	ErrInvalidRequest     = errors.New("invalid outbound request")
)

// Error is returned by Dispatcher.Do when no response could be obtained.
type Error struct {
	Kind  Kind
	URL   string
	Cause error
	// Elapsed is the time spent before the failure was observed.
	Elapsed time.Duration
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("dispatch %s %s: %v", e.Kind, e.URL, e.Cause)
	}
	return fmt.Sprintf("dispatch %s %s", e.Kind, e.URL)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel that corresponds to e.Kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrUnreachable:
		return e.Kind == KindDNS || e.Kind == KindRefused || e.Kind == KindTLS || e.Kind == KindNetwork
	case ErrCircuitOpen:
		return e.Kind == KindBreakerOpen
	case ErrResponseTooLarge:
		return e.Kind == KindTooLarge
	case ErrBlockedDestination:
		return e.Kind == KindBlocked
	case ErrInvalidRequest:
		return e.Kind == KindInvalidRequest
	}
	return false
}

// Reached reports whether the request may have reached the destination's
// network. Breaker-open, blocked and invalid requests never left the relay.
func (e *Error) Reached() bool {
	switch e.Kind {
	case KindBreakerOpen, KindBlocked, KindInvalidRequest:
		return false
	}
	return true
}

// AsError extracts an *Error from err.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

func classify(err error) Kind {
	if errors.Is(err, ErrResponseTooLarge) {
		return KindTooLarge
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return KindBreakerOpen
	}
	if errors.Is(err, ssrf.ErrBlocked) {
		return KindBlocked
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindDNS
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindRefused
	}
	var (
		recordErr   tls.RecordHeaderError
		verifyErr   *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		certInvalid x509.CertificateInvalidError
	)
	if errors.As(err, &recordErr) || errors.As(err, &verifyErr) || errors.As(err, &unknownAuth) ||
		errors.As(err, &hostnameErr) || errors.As(err, &certInvalid) {
		return KindTLS
	}
	return KindNetwork
}
