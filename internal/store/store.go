// Package store defines the narrow read/write contracts the relay needs
// from its metadata store, with Postgres and in-memory implementations.
package store

import (
	"context"
	"errors"
	"time"

	"hookline/internal/types"
)

var (
	ErrRouteNotFound    = errors.New("route not found")
	ErrExchangeNotFound = errors.New("exchange not found")
	// ErrNoDestination means the route resolved but its active base URL is empty.
	ErrNoDestination = errors.New("project has no destination configured")
)

// RouteStore resolves a path segment to its current configuration.
type RouteStore interface {
	ResolveRoute(ctx context.Context, pathSegment string) (types.RouteConfig, error)
}

// AuditStore persists exchange records. Implementations write a record in
// a single statement so it is either fully present or absent.
type AuditStore interface {
	InsertExchange(ctx context.Context, ex types.ForwardExchange) error
}

// ExchangeFilter selects one page of a project's exchanges, newest first.
type ExchangeFilter struct {
	Limit  int
	Offset int
	// Method matches exactly when set.
	Method string
	// StatusClass selects 1xx..5xx responses when between 1 and 5. Zero
	// matches everything, including failed dispatches recorded with status 0.
	StatusClass int
}

// ExchangePage is one page of exchanges and the number of records matching
// the filter across all pages.
type ExchangePage struct {
	Items []types.ForwardExchange
	Total int
}

// ExchangeReader reads persisted exchanges back for inspection and retry.
type ExchangeReader interface {
	GetExchange(ctx context.Context, id string) (types.ForwardExchange, error)
	ListExchanges(ctx context.Context, pathSegment string, f ExchangeFilter) (ExchangePage, error)
}

// LiveSwitch flips a project's live mode.
type LiveSwitch interface {
	SetLive(ctx context.Context, pathSegment string, live bool) error
}

// Sweeper deletes exchanges older than a cutoff.
type Sweeper interface {
	DeleteExchangesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
