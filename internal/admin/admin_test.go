package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookline/internal/body"
	"hookline/internal/replay"
	"hookline/internal/store"
	"hookline/internal/types"
)

const token = "s3cret"

type fakeRetrier struct {
	got []replay.Params
}

func (f *fakeRetrier) Retry(_ context.Context, p replay.Params) replay.Result {
	f.got = append(f.got, p)
	return replay.Result{Success: true, Status: 202, Body: json.RawMessage(`{"queued":true}`)}
}

type fakeCache struct{ dropped []string }

func (f *fakeCache) Invalidate(_ context.Context, seg string) error {
	f.dropped = append(f.dropped, seg)
	return nil
}

func setup(t *testing.T) (*http.ServeMux, *store.Memory, *fakeRetrier, *Server) {
	t.Helper()
	mem := store.NewMemory()
	mem.PutRoute(types.RouteConfig{ProjectID: "p1", PathSegment: "proj", ForwarderBaseURL: "https://fwd.example"})
	r := &fakeRetrier{}
	s := NewServer(mem, r, token, nil)
	mux := http.NewServeMux()
	s.Routes(mux)
	return mux, mem, r, s
}

func do(mux *http.ServeMux, method, target, payload string, authed bool) *httptest.ResponseRecorder {
	var rdr io.Reader
	if payload != "" {
		rdr = strings.NewReader(payload)
	}
	req := httptest.NewRequest(method, target, rdr)
	if authed {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func seedExchange(t *testing.T, mem *store.Memory, created time.Time) types.ForwardExchange {
	t.Helper()
	ex := types.ForwardExchange{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ProjectID:      "p1",
		Method:         http.MethodPost,
		ForwardedURL:   "https://fwd.example/events",
		RequestHeaders: map[string]string{"content-type": "application/json"},
		RequestBody:    body.JSON([]byte(`{"a":1}`)),
		ResponseStatus: 200,
		ResponseBody:   body.Text("ok"),
		CreatedAt:      created,
	}
	require.NoError(t, mem.InsertExchange(context.Background(), ex))
	return ex
}

func TestAuth(t *testing.T) {
	mux, _, _, _ := setup(t)

	rr := do(mux, http.MethodGet, "/admin/projects/proj/exchanges", "", false)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "Bearer", rr.Header().Get("WWW-Authenticate"))

	req := httptest.NewRequest(http.MethodGet, "/admin/projects/proj/exchanges", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRoutes_NotMountedWithoutToken(t *testing.T) {
	mux := http.NewServeMux()
	NewServer(store.NewMemory(), &fakeRetrier{}, "", nil).Routes(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/admin/retry", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListExchanges(t *testing.T) {
	mux, mem, _, _ := setup(t)
	now := time.Now().UTC()
	older := seedExchange(t, mem, now.Add(-time.Minute))
	newer := seedExchange(t, mem, now)

	rr := do(mux, http.MethodGet, "/admin/projects/proj/exchanges", "", true)
	require.Equal(t, http.StatusOK, rr.Code)

	var doc struct {
		Items []struct {
			ID          string          `json:"id"`
			RequestBody json.RawMessage `json:"request_body"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &doc))
	require.Len(t, doc.Items, 2)
	assert.Equal(t, newer.ID, doc.Items[0].ID)
	assert.Equal(t, older.ID, doc.Items[1].ID)
	assert.JSONEq(t, `{"a":1}`, string(doc.Items[0].RequestBody))

	rr = do(mux, http.MethodGet, "/admin/projects/proj/exchanges?limit=1", "", true)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &doc))
	assert.Len(t, doc.Items, 1)

	rr = do(mux, http.MethodGet, "/admin/projects/proj/exchanges?limit=zero", "", true)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(mux, http.MethodGet, "/admin/projects/empty/exchanges", "", true)
	assert.JSONEq(t, `{"items":[],"page":1,"limit":50,"total":0}`, rr.Body.String())
}

func TestListExchanges_PagesAndFilters(t *testing.T) {
	mux, mem, _, _ := setup(t)
	now := time.Now().UTC()
	var seeded []types.ForwardExchange
	for i, status := range []int{200, 201, 404, 500, 502} {
		ex := types.ForwardExchange{
			ID:             uuid.Must(uuid.NewV7()).String(),
			ProjectID:      "p1",
			Method:         http.MethodPost,
			ResponseStatus: status,
			CreatedAt:      now.Add(time.Duration(i) * time.Second),
		}
		if i == 1 {
			ex.Method = http.MethodGet
		}
		require.NoError(t, mem.InsertExchange(context.Background(), ex))
		seeded = append(seeded, ex)
	}

	type listing struct {
		Items []struct {
			ID             string `json:"id"`
			ResponseStatus int    `json:"response_status"`
		} `json:"items"`
		Page  int `json:"page"`
		Limit int `json:"limit"`
		Total int `json:"total"`
	}
	list := func(query string) listing {
		t.Helper()
		rr := do(mux, http.MethodGet, "/admin/projects/proj/exchanges"+query, "", true)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		var doc listing
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &doc))
		return doc
	}

	doc := list("?limit=2&page=2")
	assert.Equal(t, 2, doc.Page)
	assert.Equal(t, 5, doc.Total)
	require.Len(t, doc.Items, 2)
	assert.Equal(t, seeded[2].ID, doc.Items[0].ID)
	assert.Equal(t, seeded[1].ID, doc.Items[1].ID)

	doc = list("?limit=2&page=3")
	require.Len(t, doc.Items, 1)
	assert.Equal(t, seeded[0].ID, doc.Items[0].ID)

	doc = list("?status=5xx")
	assert.Equal(t, 2, doc.Total)
	for _, it := range doc.Items {
		assert.GreaterOrEqual(t, it.ResponseStatus, 500)
	}

	doc = list("?method=get")
	require.Len(t, doc.Items, 1)
	assert.Equal(t, seeded[1].ID, doc.Items[0].ID)

	doc = list("?method=post&status=2xx")
	require.Len(t, doc.Items, 1)
	assert.Equal(t, seeded[0].ID, doc.Items[0].ID)

	for _, bad := range []string{"?page=0", "?page=x", "?status=6xx", "?status=200"} {
		rr := do(mux, http.MethodGet, "/admin/projects/proj/exchanges"+bad, "", true)
		assert.Equal(t, http.StatusBadRequest, rr.Code, bad)
	}
}

func TestGetExchange(t *testing.T) {
	mux, mem, _, _ := setup(t)
	ex := seedExchange(t, mem, time.Now())

	rr := do(mux, http.MethodGet, "/admin/exchanges/"+ex.ID, "", true)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"response_body":"ok"`)

	rr = do(mux, http.MethodGet, "/admin/exchanges/not-a-uuid", "", true)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(mux, http.MethodGet, "/admin/exchanges/"+uuid.Must(uuid.NewV4()).String(), "", true)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRetryExchange(t *testing.T) {
	mux, mem, r, _ := setup(t)
	ex := seedExchange(t, mem, time.Now())

	rr := do(mux, http.MethodPost, "/admin/exchanges/"+ex.ID+"/retry", "", true)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"success":true,"status":202,"body":{"queued":true},"duration_ms":0}`, rr.Body.String())

	require.Len(t, r.got, 1)
	assert.Equal(t, "https://fwd.example/events", r.got[0].URL)
	assert.Equal(t, http.MethodPost, r.got[0].Method)
	assert.Equal(t, ex.RequestBody, r.got[0].Body)

	rr = do(mux, http.MethodPost, "/admin/exchanges/"+ex.ID+"/retry", `{"url":"https://other.example/x"}`, true)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "https://other.example/x", r.got[1].URL)

	assert.Len(t, mem.Exchanges(), 1, "retry never records")
}

func TestRetry(t *testing.T) {
	mux, _, r, _ := setup(t)

	rr := do(mux, http.MethodPost, "/admin/retry", `{"url":"https://x.example","method":"PUT","headers":{"a":"b"},"body":{"k":[1,2]}}`, true)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, r.got, 1)
	assert.Equal(t, "PUT", r.got[0].Method)
	assert.Equal(t, map[string]string{"a": "b"}, r.got[0].Headers)
	raw, ok := r.got[0].Body.(json.RawMessage)
	require.True(t, ok)
	assert.JSONEq(t, `{"k":[1,2]}`, string(raw))

	rr = do(mux, http.MethodPost, "/admin/retry", `{`, true)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSetLive(t *testing.T) {
	mux, mem, _, s := setup(t)
	cache := &fakeCache{}
	s.Cache = cache

	rr := do(mux, http.MethodPut, "/admin/projects/proj/live", `{"is_live":true}`, true)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"path_segment":"proj","is_live":true}`, rr.Body.String())

	rc, err := mem.ResolveRoute(context.Background(), "proj")
	require.NoError(t, err)
	assert.True(t, rc.IsLive)
	assert.Equal(t, []string{"proj"}, cache.dropped)

	rr = do(mux, http.MethodPut, "/admin/projects/ghost/live", `{"is_live":true}`, true)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(mux, http.MethodPut, "/admin/projects/proj/live", `{}`, true)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
