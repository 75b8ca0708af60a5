package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookline/internal/body"
	"hookline/internal/db"
	"hookline/internal/migrate"
	"hookline/internal/types"
)

// setupPostgres connects to HOOKLINE_TEST_DATABASE_URL and applies the
// migrations, skipping the test when the variable is unset.
func setupPostgres(t *testing.T) *Postgres {
	t.Helper()

	url := os.Getenv("HOOKLINE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("HOOKLINE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	database, err := db.Connect(ctx, url, 4)
	require.NoError(t, err)
	t.Cleanup(database.Close)

	_, err = migrate.Apply(ctx, database.Pool)
	require.NoError(t, err)
	return NewPostgres(database.Pool)
}

func seedProject(t *testing.T, p *Postgres, live bool, appURL *string) types.RouteConfig {
	t.Helper()
	ctx := context.Background()

	var appID *string
	if appURL != nil {
		id := uuid.Must(uuid.NewV4()).String()
		_, err := p.Pool.Exec(ctx, `INSERT INTO app(app_id, name, url) VALUES($1::uuid, 'app', $2)`, id, *appURL)
		require.NoError(t, err)
		appID = &id
	}
	rc := types.RouteConfig{
		ProjectID:        uuid.Must(uuid.NewV4()).String(),
		PathSegment:      "proj-" + uuid.Must(uuid.NewV4()).String()[:8],
		IsLive:           live,
		ForwarderBaseURL: "https://fwd.example",
		LiveBaseURL:      appURL,
	}
	_, err := p.Pool.Exec(ctx, `
        INSERT INTO project(project_id, name, path_segment, forwarder_base_url, is_live, app_id)
        VALUES($1::uuid, 'test', $2, $3, $4, $5::uuid)
    `, rc.ProjectID, rc.PathSegment, rc.ForwarderBaseURL, rc.IsLive, appID)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = p.Pool.Exec(context.Background(), `DELETE FROM project WHERE project_id=$1::uuid`, rc.ProjectID)
	})
	return rc
}

func TestPostgres_ResolveRoute(t *testing.T) {
	p := setupPostgres(t)
	ctx := context.Background()
	live := "https://live.example"

	rc := seedProject(t, p, true, &live)

	got, err := p.ResolveRoute(ctx, rc.PathSegment)
	require.NoError(t, err)
	assert.Equal(t, rc.ProjectID, got.ProjectID)
	assert.Equal(t, live, got.Destination())

	require.NoError(t, p.SetLive(ctx, rc.PathSegment, false))
	got, err = p.ResolveRoute(ctx, rc.PathSegment)
	require.NoError(t, err)
	assert.Equal(t, "https://fwd.example", got.Destination())

	_, err = p.ResolveRoute(ctx, "ghost-"+rc.PathSegment)
	assert.ErrorIs(t, err, ErrRouteNotFound)
	assert.ErrorIs(t, p.SetLive(ctx, "ghost-"+rc.PathSegment, true), ErrRouteNotFound)
}

func TestPostgres_ExchangeRoundTrip(t *testing.T) {
	p := setupPostgres(t)
	ctx := context.Background()
	rc := seedProject(t, p, false, nil)

	ex := types.ForwardExchange{
		ID:              uuid.Must(uuid.NewV7()).String(),
		ProjectID:       rc.ProjectID,
		Method:          "POST",
		IncomingPath:    "/events",
		FullIncomingURL: "http://relay.example/" + rc.PathSegment + "/events?x=1",
		ForwardedURL:    "https://fwd.example/events?x=1",
		Query:           "?x=1",
		RequestHeaders:  map[string]string{"content-type": "application/json"},
		RequestBody:     body.JSON([]byte(`{"a":1}`)),
		ResponseStatus:  200,
		ResponseHeaders: map[string]string{"content-type": "image/png"},
		ResponseBody:    body.Binary([]byte{0, 1, 2, 255}),
		DurationMs:      12,
		CreatedAt:       time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, p.InsertExchange(ctx, ex))

	got, err := p.GetExchange(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, ex.Method, got.Method)
	assert.Equal(t, ex.Query, got.Query)
	assert.Equal(t, ex.RequestHeaders, got.RequestHeaders)
	assert.JSONEq(t, `{"a":1}`, string(got.RequestBody.Bytes()))
	assert.Equal(t, []byte{0, 1, 2, 255}, got.ResponseBody.Bytes())
	assert.Equal(t, 200, got.ResponseStatus)
	assert.Empty(t, got.DispatchError)
	assert.True(t, ex.CreatedAt.Equal(got.CreatedAt))

	page, err := p.ListExchanges(ctx, rc.PathSegment, ExchangeFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, 1, page.Total)

	page, err = p.ListExchanges(ctx, rc.PathSegment, ExchangeFilter{Limit: 10, Method: "GET"})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Zero(t, page.Total)

	page, err = p.ListExchanges(ctx, rc.PathSegment, ExchangeFilter{Limit: 10, Offset: 1, StatusClass: 2})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Equal(t, 1, page.Total)

	n, err := p.DeleteExchangesBefore(ctx, ex.CreatedAt.Add(time.Second))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	_, err = p.GetExchange(ctx, ex.ID)
	assert.ErrorIs(t, err, ErrExchangeNotFound)
}
