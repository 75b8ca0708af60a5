package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"hookline/internal/body"
	"hookline/internal/types"
)

type Postgres struct {
	Pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{Pool: pool}
}

func (p *Postgres) ResolveRoute(ctx context.Context, pathSegment string) (types.RouteConfig, error) {
	var rc types.RouteConfig
	err := p.Pool.QueryRow(ctx, `
        SELECT p.project_id::text, p.path_segment, p.is_live, p.forwarder_base_url, a.url
        FROM project p
        LEFT JOIN app a ON a.app_id = p.app_id
        WHERE p.path_segment = $1
    `, pathSegment).Scan(&rc.ProjectID, &rc.PathSegment, &rc.IsLive, &rc.ForwarderBaseURL, &rc.LiveBaseURL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.RouteConfig{}, ErrRouteNotFound
		}
		return types.RouteConfig{}, fmt.Errorf("resolve route %q: %w", pathSegment, err)
	}
	return rc, nil
}

func (p *Postgres) InsertExchange(ctx context.Context, ex types.ForwardExchange) error {
	reqHdrs, err := json.Marshal(ex.RequestHeaders)
	if err != nil {
		return fmt.Errorf("marshal request headers: %w", err)
	}
	respHdrs, err := json.Marshal(ex.ResponseHeaders)
	if err != nil {
		return fmt.Errorf("marshal response headers: %w", err)
	}
	reqBody, reqKind, err := ex.RequestBody.Stored()
	if err != nil {
		return fmt.Errorf("request body: %w", err)
	}
	respBody, respKind, err := ex.ResponseBody.Stored()
	if err != nil {
		return fmt.Errorf("response body: %w", err)
	}

	_, err = p.Pool.Exec(ctx, `
        INSERT INTO forward_exchange (
            exchange_id, project_id, method, incoming_path, full_incoming_url, forwarded_url, query,
            request_headers, request_body, request_body_kind,
            response_status, response_headers, response_body, response_body_kind,
            duration_ms, dispatch_error, created_at
        ) VALUES (
            $1::uuid, $2::uuid, $3, $4, $5, $6, $7,
            $8::jsonb, $9::jsonb, $10,
            $11, $12::jsonb, $13::jsonb, $14,
            $15, $16, $17
        )
    `,
		ex.ID, ex.ProjectID, ex.Method, ex.IncomingPath, ex.FullIncomingURL, ex.ForwardedURL, ex.Query,
		string(reqHdrs), string(reqBody), string(reqKind),
		ex.ResponseStatus, string(respHdrs), string(respBody), string(respKind),
		ex.DurationMs, nullableString(ex.DispatchError), ex.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert exchange %s: %w", ex.ID, err)
	}
	return nil
}

const exchangeColumns = `
    e.exchange_id::text, e.project_id::text, e.method, e.incoming_path, e.full_incoming_url, e.forwarded_url, e.query,
    e.request_headers, e.request_body, e.request_body_kind,
    e.response_status, e.response_headers, e.response_body, e.response_body_kind,
    e.duration_ms, e.dispatch_error, e.created_at`

func (p *Postgres) GetExchange(ctx context.Context, id string) (types.ForwardExchange, error) {
	row := p.Pool.QueryRow(ctx, `SELECT `+exchangeColumns+` FROM forward_exchange e WHERE e.exchange_id = $1::uuid`, id)
	ex, err := scanExchange(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.ForwardExchange{}, ErrExchangeNotFound
		}
		return types.ForwardExchange{}, fmt.Errorf("get exchange %s: %w", id, err)
	}
	return ex, nil
}

const exchangeFilter = `
    FROM forward_exchange e
    JOIN project p ON p.project_id = e.project_id
    WHERE p.path_segment = $1
      AND ($2::text = '' OR e.method = $2::text)
      AND ($3::int = 0 OR e.response_status / 100 = $3::int)`

func (p *Postgres) ListExchanges(ctx context.Context, pathSegment string, f ExchangeFilter) (ExchangePage, error) {
	var page ExchangePage
	err := p.Pool.QueryRow(ctx, `SELECT count(*)`+exchangeFilter, pathSegment, f.Method, f.StatusClass).Scan(&page.Total)
	if err != nil {
		return page, fmt.Errorf("count exchanges: %w", err)
	}

	rows, err := p.Pool.Query(ctx, `SELECT `+exchangeColumns+exchangeFilter+`
        ORDER BY e.created_at DESC, e.exchange_id DESC
        LIMIT $4 OFFSET $5
    `, pathSegment, f.Method, f.StatusClass, f.Limit, f.Offset)
	if err != nil {
		return page, fmt.Errorf("list exchanges: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		ex, err := scanExchange(rows)
		if err != nil {
			return page, fmt.Errorf("scan exchange: %w", err)
		}
		page.Items = append(page.Items, ex)
	}
	if err := rows.Err(); err != nil {
		return page, fmt.Errorf("list exchanges: %w", err)
	}
	return page, nil
}

func (p *Postgres) SetLive(ctx context.Context, pathSegment string, live bool) error {
	cmd, err := p.Pool.Exec(ctx, `UPDATE project SET is_live = $2 WHERE path_segment = $1`, pathSegment, live)
	if err != nil {
		return fmt.Errorf("set live %q: %w", pathSegment, err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrRouteNotFound
	}
	return nil
}

func (p *Postgres) DeleteExchangesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	cmd, err := p.Pool.Exec(ctx, `DELETE FROM forward_exchange WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete exchanges: %w", err)
	}
	return cmd.RowsAffected(), nil
}

func scanExchange(row pgx.Row) (types.ForwardExchange, error) {
	var ex types.ForwardExchange
	var reqHdrs, respHdrs, reqBody, respBody []byte
	var reqKind, respKind string
	var dispatchErr *string
	err := row.Scan(
		&ex.ID, &ex.ProjectID, &ex.Method, &ex.IncomingPath, &ex.FullIncomingURL, &ex.ForwardedURL, &ex.Query,
		&reqHdrs, &reqBody, &reqKind,
		&ex.ResponseStatus, &respHdrs, &respBody, &respKind,
		&ex.DurationMs, &dispatchErr, &ex.CreatedAt,
	)
	if err != nil {
		return ex, err
	}
	if err := json.Unmarshal(reqHdrs, &ex.RequestHeaders); err != nil {
		return ex, fmt.Errorf("request headers: %w", err)
	}
	if err := json.Unmarshal(respHdrs, &ex.ResponseHeaders); err != nil {
		return ex, fmt.Errorf("response headers: %w", err)
	}
	if ex.RequestBody, err = body.Decode(body.Kind(reqKind), reqBody); err != nil {
		return ex, fmt.Errorf("request body: %w", err)
	}
	if ex.ResponseBody, err = body.Decode(body.Kind(respKind), respBody); err != nil {
		return ex, fmt.Errorf("response body: %w", err)
	}
	if dispatchErr != nil {
		ex.DispatchError = *dispatchErr
	}
	return ex, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
