// Package dispatch executes outbound forwards to project destinations.
package dispatch

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"hookline/internal/logging"
	"hookline/internal/metrics"
	"hookline/internal/ssrf"
)

const (
	DefaultTimeout          = 30 * time.Second
	DefaultConnectTimeout   = 5 * time.Second
	DefaultMaxResponseBytes = 10 << 20
)

var tracer = otel.Tracer("hookline/dispatch")

type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

type Response struct {
	Status int
	Header http.Header
	Body   []byte
	// Duration runs from just before the request is sent until the
	// response body has been fully read.
	Duration time.Duration
}

type Options struct {
	Timeout          time.Duration
	ConnectTimeout   time.Duration
	MaxResponseBytes int64
	VerifyTLS        bool
	BlockPrivate     bool

	// Breakers enables per-host circuit breaking when non-nil.
	Breakers *Breakers
	// Transport overrides the transport built from the options above.
	Transport http.RoundTripper

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// TransportOptions configures NewTransport.
type TransportOptions struct {
	ConnectTimeout time.Duration
	VerifyTLS      bool
	BlockPrivate   bool
}

// NewTransport returns a transport that never compresses on its own and
// optionally refuses to dial private networks.
func NewTransport(o TransportOptions) *http.Transport {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	dialer := &net.Dialer{Timeout: o.ConnectTimeout, KeepAlive: 30 * time.Second}
	if o.BlockPrivate {
		dialer.Control = ssrf.Control
	}
	return &http.Transport{
		DialContext: dialer.DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !o.VerifyTLS, //nolint:gosec // opt-out is an operator decision
		},
		TLSHandshakeTimeout: o.ConnectTimeout,
		DisableCompression:  true,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        200,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}
}

type Dispatcher struct {
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
	breakers *Breakers
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func New(o Options) *Dispatcher {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxResponseBytes <= 0 {
		o.MaxResponseBytes = DefaultMaxResponseBytes
	}
	transport := o.Transport
	if transport == nil {
		transport = NewTransport(TransportOptions{
			ConnectTimeout: o.ConnectTimeout,
			VerifyTLS:      o.VerifyTLS,
			BlockPrivate:   o.BlockPrivate,
		})
	}
	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &Dispatcher{
		client:   client,
		timeout:  o.Timeout,
		maxBytes: o.MaxResponseBytes,
		breakers: o.Breakers,
		logger:   logging.OrNop(o.Logger),
		metrics:  o.Metrics,
	}
}

// HasBody reports whether a request with this method carries a body
// outbound.
func HasBody(method string) bool {
	return method != http.MethodGet && method != http.MethodHead
}

// Do sends req and buffers the full response. Redirects are returned as-is.
// Failures are returned as *Error.
func (d *Dispatcher) Do(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var reqBody io.Reader
	if HasBody(req.Method) && len(req.Body) > 0 {
		reqBody = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, reqBody)
	if err != nil {
		return nil, &Error{Kind: KindInvalidRequest, URL: req.URL, Cause: fmt.Errorf("%w: %v", ErrInvalidRequest, err)}
	}
	httpReq.Header = req.Header.Clone()
	if httpReq.Header == nil {
		httpReq.Header = make(http.Header)
	}
	if _, ok := httpReq.Header["User-Agent"]; !ok {
		// present-but-empty keeps net/http from adding its own
		httpReq.Header["User-Agent"] = nil
	}
	host := httpReq.URL.Host

	ctx, span := tracer.Start(ctx, "hookline.dispatch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("server.address", host),
		),
	)
	defer span.End()
	httpReq = httpReq.WithContext(ctx)

	var resp *Response
	start := time.Now()
	send := func() error {
		r, err := d.roundTrip(httpReq)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}
	if d.breakers != nil {
		err = d.breakers.Execute(host, send)
	} else {
		err = send()
	}
	elapsed := time.Since(start)

	if err != nil {
		kind := classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		d.metrics.DispatchError(string(kind))
		d.metrics.ObserveDispatch("error", elapsed)
		d.logger.Debug("dispatch_failed",
			zap.String("url", req.URL),
			zap.String("kind", string(kind)),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return nil, &Error{Kind: kind, URL: req.URL, Cause: err, Elapsed: elapsed}
	}

	resp.Duration = elapsed
	span.SetAttributes(attribute.Int("http.response.status_code", resp.Status))
	d.metrics.ObserveDispatch("ok", elapsed)
	return resp, nil
}

func (d *Dispatcher) roundTrip(req *http.Request) (*Response, error) {
	httpResp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(httpResp.Body, d.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if int64(len(b)) > d.maxBytes {
		return nil, fmt.Errorf("%w (%d bytes)", ErrResponseTooLarge, d.maxBytes)
	}
	return &Response{
		Status: httpResp.StatusCode,
		Header: httpResp.Header,
		Body:   b,
	}, nil
}
