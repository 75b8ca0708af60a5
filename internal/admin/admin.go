// Package admin exposes bearer-protected JSON endpoints for inspecting
// recorded exchanges, retrying them and switching a project's live mode.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"hookline/internal/logging"
	"hookline/internal/replay"
	"hookline/internal/store"
	"hookline/internal/types"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Retrier is satisfied by *replay.Dispatcher.
type Retrier interface {
	Retry(ctx context.Context, p replay.Params) replay.Result
}

// Invalidator drops cached route state after a live-mode change.
type Invalidator interface {
	Invalidate(ctx context.Context, pathSegment string) error
}

type Store interface {
	store.ExchangeReader
	store.LiveSwitch
}

type Server struct {
	store   Store
	retrier Retrier
	token   string
	// Cache is optional.
	Cache  Invalidator
	logger *zap.Logger
}

func NewServer(s Store, r Retrier, token string, logger *zap.Logger) *Server {
	return &Server{store: s, retrier: r, token: token, logger: logging.OrNop(logger)}
}

// Routes mounts the admin endpoints. Nothing is mounted without a token.
func (s *Server) Routes(mux *http.ServeMux) {
	if s.token == "" {
		return
	}
	mux.Handle("GET /admin/projects/{pathSegment}/exchanges", s.auth(s.listExchanges))
	mux.Handle("PUT /admin/projects/{pathSegment}/live", s.auth(s.setLive))
	mux.Handle("GET /admin/exchanges/{id}", s.auth(s.getExchange))
	mux.Handle("POST /admin/exchanges/{id}/retry", s.auth(s.retryExchange))
	mux.Handle("POST /admin/retry", s.auth(s.retry))
}

func (s *Server) auth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
			tok := strings.TrimSpace(auth[7:])
			if subtle.ConstantTimeCompare([]byte(tok), []byte(s.token)) == 1 {
				next(w, r)
				return
			}
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, "unauthorized")
	})
}

// listExchanges serves one page of a project's exchanges. Query parameters:
// page (1-based), limit (page size), method, and status as 1xx..5xx.
func (s *Server) listExchanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := positiveParam(w, q.Get("limit"), "limit", defaultListLimit)
	if !ok {
		return
	}
	limit = min(limit, maxListLimit)
	page, ok := positiveParam(w, q.Get("page"), "page", 1)
	if !ok {
		return
	}
	f := store.ExchangeFilter{
		Limit:  limit,
		Offset: (page - 1) * limit,
		Method: strings.ToUpper(q.Get("method")),
	}
	if v := q.Get("status"); v != "" {
		class, err := parseStatusClass(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.StatusClass = class
	}

	seg := r.PathValue("pathSegment")
	res, err := s.store.ListExchanges(r.Context(), seg, f)
	if err != nil {
		s.logger.Error("admin_list_exchanges_error", zap.String("path_segment", seg), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	items := res.Items
	if items == nil {
		items = []types.ForwardExchange{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"page":  page,
		"limit": limit,
		"total": res.Total,
	})
}

// positiveParam parses v as a positive integer, writing a 400 on failure.
func positiveParam(w http.ResponseWriter, v, name string, def int) (int, bool) {
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, name+" must be a positive integer")
		return 0, false
	}
	return n, true
}

func parseStatusClass(v string) (int, error) {
	v = strings.ToLower(v)
	if len(v) == 3 && v[1:] == "xx" && v[0] >= '1' && v[0] <= '5' {
		return int(v[0] - '0'), nil
	}
	return 0, errors.New("status must be one of 1xx, 2xx, 3xx, 4xx, 5xx")
}

func (s *Server) getExchange(w http.ResponseWriter, r *http.Request) {
	ex, ok := s.loadExchange(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

// loadExchange resolves {id} and writes the error response itself.
func (s *Server) loadExchange(w http.ResponseWriter, r *http.Request) (types.ForwardExchange, bool) {
	id, err := uuid.FromString(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid exchange id")
		return types.ForwardExchange{}, false
	}
	ex, err := s.store.GetExchange(r.Context(), id.String())
	if err != nil {
		if errors.Is(err, store.ErrExchangeNotFound) {
			writeError(w, http.StatusNotFound, "exchange not found")
			return types.ForwardExchange{}, false
		}
		s.logger.Error("admin_get_exchange_error", zap.String("exchange_id", id.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return types.ForwardExchange{}, false
	}
	return ex, true
}

func (s *Server) retryExchange(w http.ResponseWriter, r *http.Request) {
	ex, ok := s.loadExchange(w, r)
	if !ok {
		return
	}
	var req struct {
		URL string `json:"url"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad json")
			return
		}
	}
	target := ex.ForwardedURL
	if req.URL != "" {
		target = req.URL
	}
	res := s.retrier.Retry(r.Context(), replay.Params{
		URL:     target,
		Method:  ex.Method,
		Headers: ex.RequestHeaders,
		Body:    ex.RequestBody,
	})
	s.logger.Info("admin_retry_exchange",
		zap.String("exchange_id", ex.ID),
		zap.String("url", target),
		zap.Bool("success", res.Success),
		zap.Int("status", res.Status),
	)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL     string            `json:"url"`
		Method  string            `json:"method"`
		Headers map[string]string `json:"headers"`
		Body    json.RawMessage   `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	p := replay.Params{URL: req.URL, Method: req.Method, Headers: req.Headers}
	if len(req.Body) > 0 {
		p.Body = req.Body
	}
	writeJSON(w, http.StatusOK, s.retrier.Retry(r.Context(), p))
}

func (s *Server) setLive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IsLive *bool `json:"is_live"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IsLive == nil {
		writeError(w, http.StatusBadRequest, "is_live required")
		return
	}
	seg := r.PathValue("pathSegment")
	if err := s.store.SetLive(r.Context(), seg, *req.IsLive); err != nil {
		if errors.Is(err, store.ErrRouteNotFound) {
			writeError(w, http.StatusNotFound, "Unknown project")
			return
		}
		s.logger.Error("admin_set_live_error", zap.String("path_segment", seg), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if s.Cache != nil {
		if err := s.Cache.Invalidate(r.Context(), seg); err != nil {
			s.logger.Warn("route_cache_invalidate_error", zap.String("path_segment", seg), zap.Error(err))
		}
	}
	s.logger.Info("admin_set_live", zap.String("path_segment", seg), zap.Bool("is_live", *req.IsLive))
	writeJSON(w, http.StatusOK, map[string]any{"path_segment": seg, "is_live": *req.IsLive})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
