package occupancy

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(id, portal, mac string, started time.Time) Entry {
	return Entry{ID: id, PortalID: portal, MAC: mac, ChannelID: "1", StartedAt: started}
}

func TestTryAddRespectsLimitUnderContention(t *testing.T) {
	for _, limit := range []int{1, 3} {
		t.Run(fmt.Sprintf("limit=%d", limit), func(t *testing.T) {
			tr := New()
			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 64; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					if tr.TryAdd(entry(fmt.Sprint(i), "p", "mac", time.Now()), limit) {
						wins.Add(1)
					}
				}(i)
			}
			wg.Wait()

			assert.Equal(t, int32(limit), wins.Load())
			assert.Equal(t, limit, tr.CountByCredential("p", "mac"))
		})
	}
}

func TestTryAddUnlimited(t *testing.T) {
	tr := New()
	for i := 0; i < 10; i++ {
		require.True(t, tr.TryAdd(entry(fmt.Sprint(i), "p", "mac", time.Now()), 0))
	}
	assert.Equal(t, 10, tr.CountByCredential("p", "mac"))
}

func TestRemoveIsIdempotent(t *testing.T) {
	tr := New()
	now := time.Now()
	a := entry("a", "p", "m1", now)
	b := entry("b", "p", "m1", now.Add(time.Second))
	c := entry("c", "p", "m2", now)
	tr.Add(a)
	tr.Add(b)
	tr.Add(c)

	assert.True(t, tr.Remove(a))
	assert.False(t, tr.Remove(a))

	assert.Equal(t, 1, tr.CountByCredential("p", "m1"))
	assert.Equal(t, 1, tr.CountByCredential("p", "m2"))
	assert.Equal(t, 2, tr.Len())

	assert.True(t, tr.Remove(b))
	assert.False(t, tr.Remove(b))
	assert.Equal(t, 0, tr.CountByCredential("p", "m1"))
	assert.Equal(t, 1, tr.Len())
}

func TestCredentialsAreScopedByPortal(t *testing.T) {
	tr := New()
	tr.Add(entry("a", "p1", "mac", time.Now()))

	assert.True(t, tr.TryAdd(entry("b", "p2", "mac", time.Now()), 1))
	assert.False(t, tr.TryAdd(entry("c", "p1", "mac", time.Now()), 1))
}

func TestSnapshotOrderAndGrouping(t *testing.T) {
	tr := New()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tr.Add(entry("late", "p2", "m", base.Add(2*time.Minute)))
	tr.Add(entry("early", "p1", "m", base))
	tr.Add(entry("mid", "p1", "n", base.Add(time.Minute)))

	snap := tr.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []string{"early", "mid", "late"}, []string{snap[0].ID, snap[1].ID, snap[2].ID})

	grouped := tr.ByPortal()
	assert.Len(t, grouped["p1"], 2)
	assert.Len(t, grouped["p2"], 1)
}
