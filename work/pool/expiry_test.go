package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"macreplay/work/config"
	"macreplay/work/occupancy"
	"macreplay/work/store"
	"macreplay/work/testutil"
	"macreplay/work/types"
)

func TestRefreshExpiry(t *testing.T) {
	ctx := context.Background()
	expires := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)

	st := store.NewMemory([]types.Portal{
		{ID: "p", URL: "http://p.example", Enabled: true, Credentials: creds("a", "b", "dead")},
		{ID: "off", URL: "http://off.example", Enabled: false, Credentials: creds("z")},
	}, config.DefaultSettings())

	fake := testutil.NewFakePortal()
	fake.Set("http://p.example", &testutil.Upstream{
		DeadMACs: map[string]bool{"dead": true},
		Expiry:   map[string]time.Time{"a": expires},
	})
	fake.Set("http://off.example", &testutil.Upstream{Expiry: map[string]time.Time{"z": expires}})

	p := New(st, occupancy.New(), false)
	n, err := p.RefreshExpiry(ctx, fake)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	portals, _ := st.GetPortals(ctx)
	require.NotNil(t, portals[0].Credentials[0].ExpiresAt)
	assert.True(t, expires.Equal(*portals[0].Credentials[0].ExpiresAt))
	assert.Nil(t, portals[0].Credentials[1].ExpiresAt)
	assert.Nil(t, portals[0].Credentials[2].ExpiresAt)
	assert.Nil(t, portals[1].Credentials[0].ExpiresAt)
	assert.Equal(t, []string{"a", "b", "dead"}, macs(portals[0].Credentials))

	// unchanged answers do not rewrite the store
	saves := st.Saves()
	n, err = p.RefreshExpiry(ctx, fake)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, saves, st.Saves())
}

func TestApplyExpiryKeepsCurrentOrder(t *testing.T) {
	when := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	portals := []types.Portal{{ID: "p", Credentials: creds("b", "c", "a")}}

	n := applyExpiry(portals, map[credentialRef]time.Time{{"p", "a"}: when})
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"b", "c", "a"}, macs(portals[0].Credentials))
	require.NotNil(t, portals[0].Credentials[2].ExpiresAt)
	assert.True(t, when.Equal(*portals[0].Credentials[2].ExpiresAt))
}
