// Package audit persists forward exchanges without ever failing the
// response they describe.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"hookline/internal/logging"
	"hookline/internal/metrics"
	"hookline/internal/store"
	"hookline/internal/types"
)

const DefaultTimeout = 10 * time.Second

type Options struct {
	// Async detaches persistence from the request. Pending writes are
	// drained by Close.
	Async   bool
	Timeout time.Duration
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Now is used for CreatedAt; defaults to time.Now.
	Now func() time.Time
}

type Recorder struct {
	store   store.AuditStore
	async   bool
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

func NewRecorder(s store.AuditStore, o Options) *Recorder {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return &Recorder{
		store:   s,
		async:   o.Async,
		timeout: o.Timeout,
		logger:  logging.OrNop(o.Logger),
		metrics: o.Metrics,
		now:     o.Now,
	}
}

// Record assigns ID and CreatedAt when unset and persists ex. Errors are
// logged and counted, never returned. The stamped record is returned.
func (r *Recorder) Record(ctx context.Context, ex types.ForwardExchange) types.ForwardExchange {
	if ex.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			id = uuid.Must(uuid.NewV4())
		}
		ex.ID = id.String()
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = r.now().UTC()
	}

	ctx = context.WithoutCancel(ctx)
	if !r.async {
		r.persist(ctx, ex)
		return ex
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.persist(ctx, ex)
		return ex
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		r.persist(ctx, ex)
	}()
	return ex
}

func (r *Recorder) persist(ctx context.Context, ex types.ForwardExchange) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.store.InsertExchange(ctx, ex); err != nil {
		r.metrics.AuditWrite("error")
		r.logger.Error("audit_persist_error",
			zap.String("exchange_id", ex.ID),
			zap.String("project_id", ex.ProjectID),
			zap.String("method", ex.Method),
			zap.String("forwarded_url", ex.ForwardedURL),
			zap.Error(err),
		)
		return
	}
	r.metrics.AuditWrite("ok")
}

// Close stops accepting async work and waits for pending writes until ctx
// is done. Records submitted after Close are written synchronously.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
