package resolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"macreplay/work/config"
	"macreplay/work/occupancy"
	"macreplay/work/pool"
	"macreplay/work/store"
	"macreplay/work/testutil"
	"macreplay/work/types"
)

const (
	urlX = "http://x.example/stalker_portal/server/load.php"
	urlY = "http://y.example/portal.php"
)

type fixture struct {
	store     *store.Memory
	fake      *testutil.FakePortal
	tracker   *occupancy.Tracker
	validator *testutil.StaticValidator
	resolver  *Resolver
}

func portal(id, url string, macs ...string) types.Portal {
	p := types.Portal{ID: id, Name: "Portal " + id, URL: url, Enabled: true, StreamsPerMAC: 1}
	for _, m := range macs {
		p.Credentials = append(p.Credentials, types.Credential{MAC: m})
	}
	return p
}

func newFixture(t *testing.T, portals ...types.Portal) *fixture {
	t.Helper()
	f := &fixture{
		store:     store.NewMemory(portals, config.DefaultSettings()),
		fake:      testutil.NewFakePortal(),
		tracker:   occupancy.New(),
		validator: &testutil.StaticValidator{Default: true},
	}
	f.resolver = New(f.store, f.fake, pool.New(f.store, f.tracker, false), f.validator, false)
	return f
}

func (f *fixture) order(t *testing.T, portalID string) []string {
	t.Helper()
	portals, err := f.store.GetPortals(context.Background())
	require.NoError(t, err)
	p, ok := types.FindPortal(portals, portalID)
	require.True(t, ok)
	var out []string
	for _, c := range p.Credentials {
		out = append(out, c.MAC)
	}
	return out
}

func newsUpstream() *testutil.Upstream {
	return &testutil.Upstream{
		Channels: []types.CatalogChannel{
			{ID: "1", Name: "News One", Number: "1", Cmd: "ffmpeg http://cdn.x.example/news.ts"},
			{ID: "2", Name: "Sport", Number: "2", Cmd: "ffrt http://localhost/ch/2"},
		},
		Links: map[string]string{"ffrt http://localhost/ch/2": "http://cdn.x.example/sport.ts?token=1"},
	}
}

func TestResolveEmbeddedCommand(t *testing.T) {
	p := portal("x", urlX, "m1")
	p.CustomNames = map[string]string{"1": "News1"}
	f := newFixture(t, p)
	f.fake.Set(urlX, newsUpstream())

	res, err := f.resolver.Resolve(context.Background(), "x", "1", config.DefaultSettings())
	require.NoError(t, err)
	assert.Equal(t, "http://cdn.x.example/news.ts", res.URL)
	assert.Equal(t, "m1", res.MAC)
	assert.Equal(t, "News1", res.ChannelName)
	assert.False(t, res.Fallback)
	assert.Equal(t, []string{"http://cdn.x.example/news.ts"}, f.validator.Probed())
	assert.Zero(t, f.fake.Calls("create_link"))
}

func TestResolveLocalMarkerUsesCreateLink(t *testing.T) {
	f := newFixture(t, portal("x", urlX, "m1"))
	f.fake.Set(urlX, newsUpstream())

	res, err := f.resolver.Resolve(context.Background(), "x", "2", config.DefaultSettings())
	require.NoError(t, err)
	assert.Equal(t, "http://cdn.x.example/sport.ts?token=1", res.URL)
	assert.Equal(t, 1, f.fake.Calls("create_link"))
}

func TestResolveRotatesFailedCredentials(t *testing.T) {
	tests := []struct {
		name   string
		script func(u *testutil.Upstream)
	}{
		{"auth failure", func(u *testutil.Upstream) { u.DeadMACs = map[string]bool{"m1": true} }},
		{"empty catalog", func(u *testutil.Upstream) { u.EmptyMACs = map[string]bool{"m1": true} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, portal("x", urlX, "m1", "m2", "m3"))
			up := newsUpstream()
			tt.script(up)
			f.fake.Set(urlX, up)

			res, err := f.resolver.Resolve(context.Background(), "x", "1", config.DefaultSettings())
			require.NoError(t, err)
			assert.Equal(t, "m2", res.MAC)
			assert.Equal(t, []string{"m2", "m3", "m1"}, f.order(t, "x"))
		})
	}
}

func TestResolveValidationFailureExhausts(t *testing.T) {
	f := newFixture(t, portal("x", urlX, "m1", "m2"))
	f.fake.Set(urlX, newsUpstream())
	f.validator.Verdict = map[string]bool{"http://cdn.x.example/news.ts": false}

	res, err := f.resolver.Resolve(context.Background(), "x", "1", config.DefaultSettings())
	assert.ErrorIs(t, err, types.ErrAllCredentialsExhausted)
	assert.Equal(t, "News One", res.ChannelName)
	assert.Len(t, f.validator.Probed(), 2)
	// both rotated once, so the order is back where it started
	assert.Equal(t, []string{"m1", "m2"}, f.order(t, "x"))
}

func TestResolveSkipsValidationWhenDisabled(t *testing.T) {
	f := newFixture(t, portal("x", urlX, "m1"))
	f.fake.Set(urlX, newsUpstream())
	f.validator.Default = false

	settings := config.DefaultSettings()
	settings.TestStreams = false

	_, err := f.resolver.Resolve(context.Background(), "x", "1", settings)
	require.NoError(t, err)
	assert.Empty(t, f.validator.Probed())
}

func TestResolveTryFirstOnly(t *testing.T) {
	f := newFixture(t, portal("x", urlX, "m1", "m2"))
	up := newsUpstream()
	up.DeadMACs = map[string]bool{"m1": true}
	f.fake.Set(urlX, up)

	settings := config.DefaultSettings()
	settings.TryAllMACs = false

	res, err := f.resolver.Resolve(context.Background(), "x", "1", settings)
	assert.ErrorIs(t, err, types.ErrAllCredentialsExhausted)
	assert.Empty(t, f.validator.Probed())
	assert.Equal(t, []string{"m2", "m1"}, f.order(t, "x"))
	// m2 was never tried for the stream but still names the channel
	assert.Equal(t, "News One", res.ChannelName)
}

func TestResolveBusyCredentialsAreSkippedNotRotated(t *testing.T) {
	f := newFixture(t, portal("x", urlX, "m1", "m2"))
	f.fake.Set(urlX, newsUpstream())
	f.tracker.Add(occupancy.Entry{ID: "s1", PortalID: "x", MAC: "m1"})

	res, err := f.resolver.Resolve(context.Background(), "x", "1", config.DefaultSettings())
	require.NoError(t, err)
	assert.Equal(t, "m2", res.MAC)
	assert.Equal(t, []string{"m1", "m2"}, f.order(t, "x"))

	f.tracker.Add(occupancy.Entry{ID: "s2", PortalID: "x", MAC: "m2"})
	res, err = f.resolver.Resolve(context.Background(), "x", "1", config.DefaultSettings())
	assert.ErrorIs(t, err, types.ErrNoCapacity)
	assert.Equal(t, "News One", res.ChannelName)
	assert.Equal(t, []string{"m1", "m2"}, f.order(t, "x"))
	assert.Zero(t, f.fake.Calls("create_link"))
}

type mapIndex map[string]string

func (m mapIndex) ChannelName(portalID, channelID string) (string, bool) {
	name, ok := m[portalID+"/"+channelID]
	return name, ok
}

func TestResolveNamesUnreachableChannel(t *testing.T) {
	tests := []struct {
		name    string
		custom  map[string]string
		index   mapIndex
		dead    bool
		busy    bool
		channel string
		want    string
	}{
		{"dead credential, name from last walk", nil, mapIndex{"x/1": "News One"}, true, false, "1", "News One"},
		{"dead credential, nothing known", nil, nil, true, false, "1", ""},
		{"busy credential reads the catalog", nil, nil, false, true, "1", "News One"},
		{"index wins over a catalog read", nil, mapIndex{"x/1": "Old News"}, false, true, "1", "Old News"},
		{"custom name wins", map[string]string{"1": "News1"}, mapIndex{"x/1": "News One"}, true, false, "1", "News1"},
		{"channel gone from catalog", nil, nil, false, true, "9", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := portal("x", urlX, "m1")
			p.CustomNames = tt.custom
			f := newFixture(t, p)
			if tt.index != nil {
				f.resolver.UseNames(tt.index)
			}
			up := newsUpstream()
			if tt.dead {
				up.DeadMACs = map[string]bool{"m1": true}
			}
			f.fake.Set(urlX, up)
			if tt.busy {
				f.tracker.Add(occupancy.Entry{ID: "s1", PortalID: "x", MAC: "m1"})
			}

			res, err := f.resolver.Resolve(context.Background(), "x", tt.channel, config.DefaultSettings())
			require.Error(t, err)
			assert.Equal(t, tt.want, res.ChannelName)
		})
	}
}

func TestResolveUnlimitedIgnoresOccupancy(t *testing.T) {
	p := portal("x", urlX, "m1")
	p.StreamsPerMAC = 0
	f := newFixture(t, p)
	f.fake.Set(urlX, newsUpstream())
	for _, id := range []string{"a", "b", "c"} {
		f.tracker.Add(occupancy.Entry{ID: id, PortalID: "x", MAC: "m1"})
	}

	_, err := f.resolver.Resolve(context.Background(), "x", "1", config.DefaultSettings())
	assert.NoError(t, err)
}

func TestResolveUnknownPortal(t *testing.T) {
	f := newFixture(t)
	_, err := f.resolver.Resolve(context.Background(), "nope", "1", config.DefaultSettings())
	assert.ErrorIs(t, err, types.ErrUnknownPortal)
}

func TestResolveCancelledDoesNotRotate(t *testing.T) {
	f := newFixture(t, portal("x", urlX, "m1", "m2"))
	f.fake.Set(urlX, newsUpstream())
	f.validator.Default = false

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.resolver.Resolve(ctx, "x", "1", config.DefaultSettings())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"m1", "m2"}, f.order(t, "x"))
}

func TestResolveFallback(t *testing.T) {
	x := portal("x", urlX, "mx")
	y := portal("y", urlY, "my1", "my2")
	y.FallbackChannels = map[string]string{"77": "News1"}
	disabled := portal("z", "http://z.example/portal.php", "mz")
	disabled.Enabled = false
	disabled.FallbackChannels = map[string]string{"5": "News1"}

	f := newFixture(t, x, y, disabled)
	f.fake.Set(urlY, &testutil.Upstream{
		DeadMACs: map[string]bool{"my1": true},
		Channels: []types.CatalogChannel{{ID: "77", Name: "News 1 HD", Cmd: "ffmpeg http://cdn.y.example/77.ts"}},
	})

	res, err := f.resolver.ResolveFallback(context.Background(), "x", "News1", config.DefaultSettings())
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, "y", res.Portal.ID)
	assert.Equal(t, "my2", res.MAC)
	assert.Equal(t, "77", res.ChannelID)
	assert.Equal(t, "http://cdn.y.example/77.ts", res.URL)
	assert.Equal(t, []string{"my2", "my1"}, f.order(t, "y"))
}

func TestResolveFallbackExcludesOrigin(t *testing.T) {
	x := portal("x", urlX, "mx")
	x.FallbackChannels = map[string]string{"1": "News1"}
	f := newFixture(t, x)
	f.fake.Set(urlX, newsUpstream())

	_, err := f.resolver.ResolveFallback(context.Background(), "x", "News1", config.DefaultSettings())
	assert.ErrorIs(t, err, types.ErrNoFallbackAvailable)
	assert.Zero(t, f.fake.Calls("handshake"))
}

func TestResolveFallbackNormalisesNames(t *testing.T) {
	y := portal("y", urlY, "my")
	// decomposed accents in the mapping, precomposed in the request
	y.FallbackChannels = map[string]string{"9": "Te\u0301le\u0301"}
	f := newFixture(t, portal("x", urlX, "mx"), y)
	f.fake.Set(urlY, &testutil.Upstream{
		Channels: []types.CatalogChannel{{ID: "9", Name: "Télé", Cmd: "ffmpeg http://cdn.y.example/9.ts"}},
	})

	res, err := f.resolver.ResolveFallback(context.Background(), "x", "T\u00e9l\u00e9", config.DefaultSettings())
	require.NoError(t, err)
	assert.Equal(t, "9", res.ChannelID)
}

func TestResolveFallbackUnknownName(t *testing.T) {
	f := newFixture(t)
	_, err := f.resolver.ResolveFallback(context.Background(), "x", "", config.DefaultSettings())
	assert.ErrorIs(t, err, types.ErrNoFallbackAvailable)
}

func TestLinkFromCommand(t *testing.T) {
	tests := []struct {
		cmd  string
		want string
		ok   bool
	}{
		{"ffmpeg http://cdn.example/a.ts", "http://cdn.example/a.ts", true},
		{"ffrt  http://cdn.example/b.ts extra", "http://cdn.example/b.ts", true},
		{"http://cdn.example/c.ts", "http://cdn.example/c.ts", true},
		{"ffmpeg", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			got, err := LinkFromCommand(tt.cmd)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
