// Package proxy serves /{pathSegment}/... by forwarding each request to the
// project's active destination and recording the exchange.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"hookline/internal/audit"
	"hookline/internal/body"
	"hookline/internal/dispatch"
	"hookline/internal/headers"
	"hookline/internal/logging"
	"hookline/internal/metrics"
	"hookline/internal/store"
	"hookline/internal/types"
)

const DefaultMaxBodyBytes = 10 << 20

var allowedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
	http.MethodHead:    true,
}

// Doer sends one outbound request.
type Doer interface {
	Do(ctx context.Context, req dispatch.Request) (*dispatch.Response, error)
}

// Limiter admits or rejects requests per path segment.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

type Options struct {
	MaxBodyBytes int64
	// Limiter is optional.
	Limiter Limiter
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type Handler struct {
	routes   store.RouteStore
	doer     Doer
	recorder *audit.Recorder
	limiter  Limiter
	maxBody  int64
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func New(routes store.RouteStore, doer Doer, recorder *audit.Recorder, o Options) *Handler {
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Handler{
		routes:   routes,
		doer:     doer,
		recorder: recorder,
		limiter:  o.Limiter,
		maxBody:  o.MaxBodyBytes,
		logger:   logging.OrNop(o.Logger),
		metrics:  o.Metrics,
	}
}

// Reserved path segments belong to the relay's own endpoints and are never
// forwarded, even when a project claims them.
var Reserved = []string{"admin", "healthz", "metrics"}

// IsReserved reports whether seg is one of Reserved.
func IsReserved(seg string) bool {
	for _, r := range Reserved {
		if seg == r {
			return true
		}
	}
	return false
}

// Mount returns the server's root handler. Requests under a reserved
// segment, or with no segment at all, go to mux; the rest are forwarded.
// Forwarded paths bypass ServeMux, so "//" and dot segments reach the
// destination as sent instead of being redirected to a cleaned path.
func (h *Handler) Mount(mux http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seg := pathSegment(r)
		if seg == "" || IsReserved(seg) {
			mux.ServeHTTP(w, r)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !allowedMethods[r.Method] {
		w.Header().Set("Allow", "GET, POST, PUT, PATCH, DELETE, OPTIONS, HEAD")
		h.fail(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}

	seg := pathSegment(r)
	ctx := r.Context()

	route, err := h.routes.ResolveRoute(ctx, seg)
	if err != nil {
		if errors.Is(err, store.ErrRouteNotFound) {
			h.fail(w, r, http.StatusNotFound, "unknown_project", "Unknown project")
			return
		}
		h.logger.Error("route_lookup_error", zap.String("path_segment", seg), zap.Error(err))
		h.fail(w, r, http.StatusInternalServerError, "route_error", "Internal error")
		return
	}
	base := strings.TrimRight(route.Destination(), "/")
	if base == "" {
		h.logger.Warn("route_no_destination",
			zap.String("path_segment", seg),
			zap.Bool("is_live", route.IsLive),
			zap.Error(store.ErrNoDestination),
		)
		h.fail(w, r, http.StatusBadGateway, "no_destination", "Project has no destination configured")
		return
	}

	if h.limiter != nil {
		ok, wait, err := h.limiter.Allow(ctx, seg)
		if err != nil {
			// fail open
			h.logger.Warn("rate_limit_error", zap.String("path_segment", seg), zap.Error(err))
		} else if !ok {
			h.metrics.RateLimited()
			secs := int((wait + time.Second - 1) / time.Second)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			h.fail(w, r, http.StatusTooManyRequests, "rate_limited", "Rate limit exceeded")
			return
		}
	}

	var payload []byte
	if dispatch.HasBody(r.Method) {
		payload, err = io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				h.fail(w, r, http.StatusRequestEntityTooLarge, "body_too_large", "Request body too large")
				return
			}
			h.fail(w, r, http.StatusBadRequest, "bad_body", "Could not read request body")
			return
		}
	}

	inPath := incomingPath(r)
	query := ""
	if r.URL.RawQuery != "" {
		query = "?" + r.URL.RawQuery
	}
	forwardedURL := base + inPath + query
	outHeaders := headers.Sanitize(r.Header, r.Host, r.TLS != nil)

	// Detached from the caller: a disconnect must not abort a forward the
	// destination may already be processing.
	resp, err := h.doer.Do(context.WithoutCancel(ctx), dispatch.Request{
		Method: r.Method,
		URL:    forwardedURL,
		Header: outHeaders,
		Body:   payload,
	})

	ex := types.ForwardExchange{
		ProjectID:       route.ProjectID,
		Method:          r.Method,
		IncomingPath:    inPath,
		FullIncomingURL: fullURL(r),
		ForwardedURL:    forwardedURL,
		Query:           query,
		RequestHeaders:  inboundHeaders(r),
		RequestBody:     classify(r.Header, payload),
	}

	if err != nil {
		h.dispatchFailed(w, r, ex, err)
		return
	}

	ex.ResponseStatus = resp.Status
	ex.ResponseHeaders = headers.Flatten(resp.Header)
	ex.ResponseBody = classify(resp.Header, resp.Body)
	ex.DurationMs = resp.Duration.Milliseconds()
	h.recorder.Record(ctx, ex)

	h.metrics.ObserveRequest(r.Method, "forwarded")
	writeResponse(w, resp)
}

func (h *Handler) dispatchFailed(w http.ResponseWriter, r *http.Request, ex types.ForwardExchange, err error) {
	de, ok := dispatch.AsError(err)
	if !ok {
		de = &dispatch.Error{Kind: dispatch.KindNetwork, URL: ex.ForwardedURL, Cause: err}
	}
	h.logger.Warn("forward_error",
		zap.String("project_id", ex.ProjectID),
		zap.String("method", ex.Method),
		zap.String("forwarded_url", ex.ForwardedURL),
		zap.String("kind", string(de.Kind)),
		zap.Error(err),
	)

	if de.Reached() {
		ex.DispatchError = de.Error()
		ex.DurationMs = de.Elapsed.Milliseconds()
		h.recorder.Record(r.Context(), ex)
	}

	status := http.StatusBadGateway
	msg := "Destination unreachable"
	switch de.Kind {
	case dispatch.KindTimeout:
		status, msg = http.StatusGatewayTimeout, "Destination timed out"
	case dispatch.KindBreakerOpen:
		status, msg = http.StatusServiceUnavailable, "Destination temporarily unavailable"
	case dispatch.KindTooLarge:
		msg = "Destination response too large"
	case dispatch.KindBlocked:
		msg = "Destination address not allowed"
	case dispatch.KindInvalidRequest:
		msg = "Invalid destination URL"
	}
	h.fail(w, r, status, "dispatch_"+string(de.Kind), msg)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, status int, outcome, msg string) {
	h.metrics.ObserveRequest(r.Method, outcome)
	writeError(w, status, msg)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeResponse relays the destination's status, headers and body as
// received. Connection-level headers belong to this hop and are dropped.
func writeResponse(w http.ResponseWriter, resp *dispatch.Response) {
	dst := w.Header()
	for k, v := range headers.StripHopByHop(resp.Header) {
		dst[k] = v
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// pathSegment is the first path element, unescaped.
func pathSegment(r *http.Request) string {
	p := strings.TrimPrefix(r.URL.EscapedPath(), "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		p = p[:i]
	}
	seg, err := url.PathUnescape(p)
	if err != nil {
		return p
	}
	return seg
}

// inboundHeaders is the caller's header set as received, with the Host line
// the server lifts out of r.Header.
func inboundHeaders(r *http.Request) map[string]string {
	in := headers.Flatten(r.Header)
	if r.Host != "" {
		in["host"] = r.Host
	}
	return in
}

// incomingPath is the escaped path after the project segment, always with
// a leading slash.
func incomingPath(r *http.Request) string {
	p := strings.TrimPrefix(r.URL.EscapedPath(), "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[i:]
	}
	return "/"
}

func fullURL(r *http.Request) string {
	return headers.Scheme(r) + "://" + r.Host + r.URL.RequestURI()
}

// classify stores compressed payloads as binary whatever their declared
// type; decoding them would not reproduce the bytes on the wire.
func classify(h http.Header, payload []byte) body.Body {
	if enc := strings.TrimSpace(h.Get("Content-Encoding")); enc != "" && !strings.EqualFold(enc, "identity") {
		return body.Binary(payload)
	}
	return body.Encode(h.Get("Content-Type"), payload)
}
