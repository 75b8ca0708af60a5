package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"hookline/internal/types"
)

// Memory is an in-process store used by tests and local runs without a
// database. It is safe for concurrent use.
type Memory struct {
	mu        sync.RWMutex
	routes    map[string]types.RouteConfig
	exchanges []types.ForwardExchange

	// InsertErr, when set, is returned by InsertExchange.
	InsertErr error
}

func NewMemory() *Memory {
	return &Memory{routes: make(map[string]types.RouteConfig)}
}

// PutRoute adds or replaces a route.
func (m *Memory) PutRoute(rc types.RouteConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[rc.PathSegment] = rc
}

func (m *Memory) ResolveRoute(_ context.Context, pathSegment string) (types.RouteConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rc, ok := m.routes[pathSegment]
	if !ok {
		return types.RouteConfig{}, ErrRouteNotFound
	}
	return rc, nil
}

func (m *Memory) InsertExchange(_ context.Context, ex types.ForwardExchange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InsertErr != nil {
		return m.InsertErr
	}
	m.exchanges = append(m.exchanges, ex)
	return nil
}

// Exchanges returns a copy of every stored exchange in insertion order.
func (m *Memory) Exchanges() []types.ForwardExchange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.ForwardExchange, len(m.exchanges))
	copy(out, m.exchanges)
	return out
}

func (m *Memory) GetExchange(_ context.Context, id string) (types.ForwardExchange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ex := range m.exchanges {
		if ex.ID == id {
			return ex, nil
		}
	}
	return types.ForwardExchange{}, ErrExchangeNotFound
}

func (m *Memory) ListExchanges(_ context.Context, pathSegment string, f ExchangeFilter) (ExchangePage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rc, ok := m.routes[pathSegment]
	if !ok {
		return ExchangePage{}, nil
	}
	var items []types.ForwardExchange
	for _, ex := range m.exchanges {
		if ex.ProjectID != rc.ProjectID {
			continue
		}
		if f.Method != "" && ex.Method != f.Method {
			continue
		}
		if f.StatusClass != 0 && ex.ResponseStatus/100 != f.StatusClass {
			continue
		}
		items = append(items, ex)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })

	page := ExchangePage{Total: len(items)}
	if f.Offset >= len(items) {
		return page, nil
	}
	items = items[f.Offset:]
	if f.Limit > 0 && len(items) > f.Limit {
		items = items[:f.Limit]
	}
	page.Items = items
	return page, nil
}

func (m *Memory) SetLive(_ context.Context, pathSegment string, live bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rc, ok := m.routes[pathSegment]
	if !ok {
		return ErrRouteNotFound
	}
	rc.IsLive = live
	m.routes[pathSegment] = rc
	return nil
}

func (m *Memory) DeleteExchangesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.exchanges[:0]
	var n int64
	for _, ex := range m.exchanges {
		if ex.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, ex)
	}
	m.exchanges = kept
	return n, nil
}
