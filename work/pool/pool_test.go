package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"macreplay/work/config"
	"macreplay/work/occupancy"
	"macreplay/work/store"
	"macreplay/work/types"
)

func creds(macs ...string) []types.Credential {
	out := make([]types.Credential, len(macs))
	for i, m := range macs {
		out[i] = types.Credential{MAC: m}
	}
	return out
}

func macs(cs []types.Credential) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.MAC
	}
	return out
}

func TestRotateToEndPreservesRelativeOrder(t *testing.T) {
	all := []string{"a", "b", "c", "d", "e"}
	for i, m := range all {
		t.Run(m, func(t *testing.T) {
			out, changed := RotateToEnd(creds(all...), m)

			assert.Equal(t, i != len(all)-1, changed)
			require.Len(t, out, len(all))
			assert.Equal(t, m, out[len(out)-1].MAC)

			var rest []string
			for _, x := range all {
				if x != m {
					rest = append(rest, x)
				}
			}
			assert.Equal(t, rest, macs(out[:len(out)-1]))
		})
	}
}

func TestRotateToEndUnknownCredential(t *testing.T) {
	in := creds("a", "b")
	out, changed := RotateToEnd(in, "zz")
	assert.False(t, changed)
	assert.Equal(t, []string{"a", "b"}, macs(out))
}

func TestPoolRotatePersists(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory([]types.Portal{
		{ID: "p1", Credentials: creds("a", "b", "c")},
		{ID: "p2", Credentials: creds("x", "y")},
	}, config.DefaultSettings())
	p := New(st, occupancy.New(), false)

	require.NoError(t, p.RotateToEnd(ctx, "p1", "a", "auth"))
	require.NoError(t, p.RotateToEnd(ctx, "p1", "c", "auth"))
	assert.Equal(t, 2, st.Saves())

	portals, _ := st.GetPortals(ctx)
	assert.Equal(t, []string{"b", "a", "c"}, macs(portals[0].Credentials))
	assert.Equal(t, []string{"x", "y"}, macs(portals[1].Credentials))
}

func TestPoolRotateUnknownPortal(t *testing.T) {
	p := New(store.NewMemory(nil, config.DefaultSettings()), occupancy.New(), false)
	err := p.RotateToEnd(context.Background(), "nope", "a", "auth")
	assert.True(t, errors.Is(err, types.ErrUnknownPortal))
}

func TestPoolConcurrentRotationsKeepMembership(t *testing.T) {
	ctx := context.Background()
	var list []string
	for i := 0; i < 20; i++ {
		list = append(list, fmt.Sprintf("m%02d", i))
	}
	st := store.NewMemory([]types.Portal{{ID: "p", Credentials: creds(list...)}}, config.DefaultSettings())
	p := New(st, occupancy.New(), false)

	var wg sync.WaitGroup
	for _, m := range list {
		wg.Add(1)
		go func(m string) {
			defer wg.Done()
			assert.NoError(t, p.RotateToEnd(ctx, "p", m, "probe"))
		}(m)
	}
	wg.Wait()

	portals, _ := st.GetPortals(ctx)
	assert.ElementsMatch(t, list, macs(portals[0].Credentials))
}

func TestIsFree(t *testing.T) {
	tr := occupancy.New()
	p := New(store.NewMemory(nil, config.DefaultSettings()), tr, false)
	limited := types.Portal{ID: "p", StreamsPerMAC: 1}
	unlimited := types.Portal{ID: "p", StreamsPerMAC: 0}

	assert.True(t, p.IsFree(limited, "a"))
	tr.Add(occupancy.Entry{ID: "1", PortalID: "p", MAC: "a"})
	assert.False(t, p.IsFree(limited, "a"))
	assert.True(t, p.IsFree(limited, "b"))
	assert.True(t, p.IsFree(unlimited, "a"))
}

func TestNextReturnsCopy(t *testing.T) {
	p := New(store.NewMemory(nil, config.DefaultSettings()), occupancy.New(), false)
	portal := types.Portal{Credentials: creds("a", "b")}
	next := p.Next(portal)
	next[0].MAC = "changed"
	assert.Equal(t, "a", portal.Credentials[0].MAC)
}
