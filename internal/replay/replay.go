// Package replay resends a request on demand and reports what happened.
// It never writes audit records and never returns an error: every failure
// is folded into Result.
package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"hookline/internal/body"
	"hookline/internal/dispatch"
	"hookline/internal/headers"
	"hookline/internal/logging"
	"hookline/internal/metrics"
)

const MarkerHeader = "X-Retry-Request"

var (
	ErrURLRequired   = errors.New("URL is required")
	ErrMalformedBody = errors.New("body cannot be encoded as JSON")
)

type Params struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	// Body is sent as-is when it is a body.Body, []byte or
	// json.RawMessage, and JSON-encoded otherwise.
	Body any `json:"body,omitempty"`
}

type Result struct {
	Success bool              `json:"success"`
	Status  int               `json:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	// Body is a json.RawMessage when the response parsed as JSON and a
	// string otherwise.
	Body       any    `json:"body,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

type Options struct {
	Timeout          time.Duration
	MaxResponseBytes int64
	Transport        http.RoundTripper
	Logger           *zap.Logger
	Metrics          *metrics.Metrics
}

type Dispatcher struct {
	client   *http.Client
	maxBytes int64
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func New(o Options) *Dispatcher {
	if o.Timeout <= 0 {
		o.Timeout = dispatch.DefaultTimeout
	}
	if o.MaxResponseBytes <= 0 {
		o.MaxResponseBytes = dispatch.DefaultMaxResponseBytes
	}
	if o.Transport == nil {
		o.Transport = dispatch.NewTransport(dispatch.TransportOptions{VerifyTLS: true})
	}
	return &Dispatcher{
		client:   &http.Client{Transport: o.Transport, Timeout: o.Timeout},
		maxBytes: o.MaxResponseBytes,
		logger:   logging.OrNop(o.Logger),
		metrics:  o.Metrics,
	}
}

// Retry issues one request described by p.
func (d *Dispatcher) Retry(ctx context.Context, p Params) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("replay_panic", zap.String("url", p.URL), zap.Any("panic", rec))
			res = Result{Success: false, Error: fmt.Sprintf("retry failed: %v", rec)}
		}
		if res.Success {
			d.metrics.Replay("ok")
		} else {
			d.metrics.Replay("error")
		}
	}()

	if strings.TrimSpace(p.URL) == "" {
		return failure(ErrURLRequired)
	}
	method := strings.ToUpper(strings.TrimSpace(p.Method))
	if method == "" {
		method = http.MethodPost
	}

	payload, isJSON, err := encodeBody(p.Body)
	if err != nil {
		return failure(err)
	}
	var reader io.Reader
	if dispatch.HasBody(method) && payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.URL, reader)
	if err != nil {
		return failure(err)
	}
	for k, v := range p.Headers {
		if headers.IsHopByHop(k) || strings.EqualFold(k, "Host") || strings.EqualFold(k, "Content-Length") {
			continue
		}
		req.Header.Set(k, v)
	}
	if reader != nil && isJSON && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(MarkerHeader, "true")

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn("replay_error", zap.String("url", p.URL), zap.String("method", method), zap.Error(err))
		return failure(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBytes+1))
	if err != nil {
		return failure(fmt.Errorf("read response: %w", err))
	}
	if int64(len(raw)) > d.maxBytes {
		return failure(dispatch.ErrResponseTooLarge)
	}
	elapsed := time.Since(start)

	var out any
	if json.Valid(raw) {
		out = json.RawMessage(raw)
	} else {
		out = string(raw)
	}
	return Result{
		Success:    true,
		Status:     resp.StatusCode,
		Headers:    headers.Flatten(resp.Header),
		Body:       out,
		DurationMs: elapsed.Milliseconds(),
	}
}

func failure(err error) Result {
	return Result{Success: false, Error: err.Error()}
}

// encodeBody returns the bytes to send and whether they are known to be
// JSON.
func encodeBody(v any) ([]byte, bool, error) {
	switch b := v.(type) {
	case nil:
		return nil, false, nil
	case body.Body:
		return b.Bytes(), false, nil
	case *body.Body:
		if b == nil {
			return nil, false, nil
		}
		return b.Bytes(), false, nil
	case []byte:
		return b, false, nil
	case json.RawMessage:
		if len(b) == 0 || string(b) == "null" {
			return nil, false, nil
		}
		return b, true, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	return raw, true, nil
}
