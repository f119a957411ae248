package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"macreplay/work/cache"
	"macreplay/work/config"
	"macreplay/work/occupancy"
	"macreplay/work/pool"
	"macreplay/work/store"
	"macreplay/work/testutil"
	"macreplay/work/types"
)

const adminPortalURL = "http://p.example/portal.php"

type adminFixture struct {
	store   *store.Memory
	tracker *occupancy.Tracker
	cache   *cache.Manager
	router  *mux.Router
}

func newAdminFixture(t *testing.T, settings config.Settings) *adminFixture {
	t.Helper()
	expires := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)

	f := &adminFixture{
		store: store.NewMemory([]types.Portal{
			{
				ID: "p", Name: "P", URL: adminPortalURL, Enabled: true, StreamsPerMAC: 1,
				Credentials:     []types.Credential{{MAC: "m1", ExpiresAt: &expires}, {MAC: "m2"}, {MAC: "m3"}},
				EnabledChannels: []string{"1"},
			},
			{ID: "q", Name: "Q", URL: "http://q.example", Enabled: false},
		}, settings),
		tracker: occupancy.New(),
		router:  mux.NewRouter(),
	}

	fake := testutil.NewFakePortal()
	fake.Set(adminPortalURL, &testutil.Upstream{
		Channels: []types.CatalogChannel{{ID: "1", Name: "News", Number: "1"}},
	})
	f.cache = cache.New(f.store, fake, cache.Options{BaseURL: "http://gw:8001"})

	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	setupAdminRoutes(f.router, &adminDeps{
		store:     f.store,
		cache:     f.cache,
		pool:      pool.New(f.store, f.tracker, false),
		tracker:   f.tracker,
		startedAt: start,
		now:       func() time.Time { return start.Add(90 * time.Minute) },
	})
	return f
}

func (f *adminFixture) do(method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestAdminStats(t *testing.T) {
	f := newAdminFixture(t, config.DefaultSettings())
	f.tracker.Add(occupancy.Entry{ID: "s1", PortalID: "p", MAC: "m2"})

	_, err := f.cache.Get(context.Background(), cache.Playlist)
	require.NoError(t, err)

	rec := f.do(http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	var stats StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, "1h 30m", stats.Uptime)
	assert.Equal(t, 1, stats.ActiveSessions)
	assert.Equal(t, 2, stats.Portals)
	assert.Equal(t, 1, stats.EnabledPortals)
	assert.Equal(t, 3, stats.Credentials)
	assert.Equal(t, 1, stats.BusyMACs)
	assert.True(t, stats.Caches["playlist"].Generated)
	assert.False(t, stats.Caches["guide"].Generated)
	assert.Len(t, stats.Caches, 3)
}

func TestAdminPortals(t *testing.T) {
	f := newAdminFixture(t, config.DefaultSettings())
	f.tracker.Add(occupancy.Entry{ID: "s1", PortalID: "p", MAC: "m1"})

	rec := f.do(http.MethodGet, "/api/portals", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []PortalSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)

	p := got[0]
	assert.Equal(t, "p", p.ID)
	assert.Equal(t, 1, p.EnabledChannels)
	require.Len(t, p.Credentials, 3)
	assert.Equal(t, "m1", p.Credentials[0].MAC)
	assert.Equal(t, 1, p.Credentials[0].Sessions)
	assert.False(t, p.Credentials[0].Free)
	require.NotNil(t, p.Credentials[0].ExpiresAt)
	assert.True(t, p.Credentials[1].Free)
	assert.Nil(t, p.Credentials[1].ExpiresAt)

	assert.Empty(t, got[1].Credentials)
}

func TestAdminRotate(t *testing.T) {
	tests := []struct {
		name   string
		target string
		body   string
		want   int
		order  []string
	}{
		{"moves credential to the end", "/api/portals/p/rotate", `{"mac":"m1"}`, http.StatusOK, []string{"m2", "m3", "m1"}},
		{"unknown portal", "/api/portals/nope/rotate", `{"mac":"m1"}`, http.StatusNotFound, []string{"m1", "m2", "m3"}},
		{"unknown credential", "/api/portals/p/rotate", `{"mac":"zz"}`, http.StatusNotFound, []string{"m1", "m2", "m3"}},
		{"missing mac", "/api/portals/p/rotate", `{}`, http.StatusBadRequest, []string{"m1", "m2", "m3"}},
		{"malformed body", "/api/portals/p/rotate", `{`, http.StatusBadRequest, []string{"m1", "m2", "m3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAdminFixture(t, config.DefaultSettings())

			rec := f.do(http.MethodPost, tt.target, tt.body)
			assert.Equal(t, tt.want, rec.Code)

			portals, _ := f.store.GetPortals(context.Background())
			var order []string
			for _, c := range portals[0].Credentials {
				order = append(order, c.MAC)
			}
			assert.Equal(t, tt.order, order)
		})
	}
}

func TestAdminInvalidate(t *testing.T) {
	f := newAdminFixture(t, config.DefaultSettings())
	ctx := context.Background()

	_, err := f.cache.Get(ctx, cache.Playlist)
	require.NoError(t, err)
	_, err = f.cache.Get(ctx, cache.Lineup)
	require.NoError(t, err)

	rec := f.do(http.MethodPost, "/api/cache/invalidate", `{"artifacts":["playlist"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"invalidated":["playlist"]}`, rec.Body.String())

	_, ok := f.cache.GeneratedAt(cache.Playlist)
	assert.False(t, ok)
	_, ok = f.cache.GeneratedAt(cache.Lineup)
	assert.True(t, ok)

	rec = f.do(http.MethodPost, "/api/cache/invalidate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	_, ok = f.cache.GeneratedAt(cache.Lineup)
	assert.False(t, ok)

	rec = f.do(http.MethodPost, "/api/cache/invalidate", `{"artifacts":["bogus"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRequiresAuthWhenSecured(t *testing.T) {
	settings := config.DefaultSettings()
	settings.EnableSecurity = true
	settings.Username = "admin"
	settings.Password = "secret"
	f := newAdminFixture(t, settings)

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/stats", "").Code)
	// preflight is answered before authentication
	assert.Equal(t, http.StatusOK, f.do(http.MethodOptions, "/api/stats", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.SetBasicAuth("admin", "secret")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
