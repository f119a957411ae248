package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/singleflight"

	"macreplay/work/client"
	"macreplay/work/logger"
	"macreplay/work/metrics"
	"macreplay/work/store"
)

// Artifact names one derived document.
type Artifact string

const (
	Playlist Artifact = "playlist"
	Guide    Artifact = "guide"
	Lineup   Artifact = "lineup"
)

// Artifacts lists every derived document in rebuild order.
var Artifacts = []Artifact{Playlist, Lineup, Guide}

// GuideTTL is how long a generated guide is served before it is rebuilt
// regardless of any trigger.
const GuideTTL = 15 * time.Minute

// entry is one generated artifact. Entries are immutable once published; a
// rebuild publishes a new entry rather than mutating the current one.
type entry struct {
	payload     []byte    // serialized document
	generatedAt time.Time // when the rebuild that produced it finished
	items       int       // number of channels it describes
}

// Options configures a Manager.
type Options struct {
	BaseURL   string           // public gateway URL used in generated play links
	EPGHours  int              // EPG window requested from each portal
	WalkPool  *ants.Pool       // runs the per-portal fetches of a rebuild; nil runs them inline
	Obfuscate bool             // mask MACs in logs
	Now       func() time.Time // clock; defaults to time.Now
}

// Manager owns the three derived caches: the M3U playlist, the XMLTV guide and
// the HDHR lineup. Each is rebuilt by walking every enabled portal through
// the portal client and rendering the result through its protocol adapter.
//
// Readers never block on a rebuild of a different artifact, and published
// payloads are swapped in atomically so a reader sees either the previous
// document or the next one, never a partial one. Concurrent rebuilds of the
// same artifact are coalesced into one walk.
type Manager struct {
	store     store.PortalStore
	client    client.Portal
	baseURL   string
	epgHours  int
	walkPool  *ants.Pool
	obfuscate bool
	now       func() time.Time

	// genres is the last genre map each portal returned, keyed by portal id.
	// A rebuild whose genre fetch fails falls back to it instead of labelling
	// every channel with the unknown genre.
	genres *otter.Cache[string, map[string]string]

	// names feeds fallback matching when a portal can no longer be read
	names *nameIndex

	group    singleflight.Group
	playlist atomic.Pointer[entry]
	guide    atomic.Pointer[entry]
	lineup   atomic.Pointer[entry]
}

// New creates a Manager with empty caches.
//
// Parameters:
//   - st: portal and settings store read at every rebuild
//   - c: portal client used to walk the portals
//   - opts: see Options
//
// Returns:
//   - *Manager: a manager whose first read of each artifact triggers a rebuild
func New(st store.PortalStore, c client.Portal, opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.EPGHours <= 0 {
		opts.EPGHours = 24
	}

	return &Manager{
		store:     st,
		client:    c,
		baseURL:   opts.BaseURL,
		epgHours:  opts.EPGHours,
		walkPool:  opts.WalkPool,
		obfuscate: opts.Obfuscate,
		now:       opts.Now,
		genres: otter.Must(&otter.Options[string, map[string]string]{
			MaximumSize:      1024,
			ExpiryCalculator: otter.ExpiryWriting[string, map[string]string](24 * time.Hour),
		}),
		names: newNameIndex(),
	}
}

func (m *Manager) slot(a Artifact) *atomic.Pointer[entry] {
	switch a {
	case Playlist:
		return &m.playlist
	case Guide:
		return &m.guide
	default:
		return &m.lineup
	}
}

// stale reports whether e must be rebuilt before it is served.
//
// The playlist is stale only until it has been generated once. The lineup is
// also stale while it lists no channels, so a gateway that started while every
// portal was down recovers on the next HDHR poll. The guide additionally
// expires after GuideTTL.
func (m *Manager) stale(a Artifact, e *entry) bool {
	if e == nil {
		return true
	}
	switch a {
	case Lineup:
		return e.items == 0
	case Guide:
		return m.now().Sub(e.generatedAt) > GuideTTL
	default:
		return false
	}
}

// Get returns the artifact's payload, rebuilding it first when it is stale.
//
// Parameters:
//   - ctx: request context; a rebuild already in flight is not cancelled by it
//   - a: which artifact to return
//
// Returns:
//   - []byte: the serialized document; callers must not modify it
//   - error: non-nil only when the rebuild could not read the store
func (m *Manager) Get(ctx context.Context, a Artifact) ([]byte, error) {
	if e := m.slot(a).Load(); !m.stale(a, e) {
		return e.payload, nil
	}
	return m.Rebuild(ctx, a)
}

// Rebuild regenerates the artifact now and publishes it. Callers that arrive
// while a rebuild of the same artifact is running share its result.
func (m *Manager) Rebuild(ctx context.Context, a Artifact) ([]byte, error) {
	// the walk outlives any single caller that joined it
	walkCtx := context.WithoutCancel(ctx)

	v, err, shared := m.group.Do(string(a), func() (any, error) {
		start := m.now()

		var e *entry
		var err error
		switch a {
		case Playlist:
			e, err = m.buildPlaylist(walkCtx)
		case Guide:
			e, err = m.buildGuide(walkCtx)
		case Lineup:
			e, err = m.buildLineup(walkCtx)
		default:
			err = fmt.Errorf("unknown artifact %q", a)
		}
		if err != nil {
			metrics.CacheRebuilds.WithLabelValues(string(a), "error").Inc()
			logger.Error("{cache/cache - Rebuild} %s rebuild failed: %v", a, err)
			return nil, err
		}

		e.generatedAt = m.now()
		m.slot(a).Store(e)

		metrics.CacheRebuilds.WithLabelValues(string(a), "ok").Inc()
		logger.Info("{cache/cache - Rebuild} %s generated: %d channels, %d bytes in %s",
			a, e.items, len(e.payload), e.generatedAt.Sub(start).Round(time.Millisecond))
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logger.Debug("{cache/cache - Rebuild} joined in-flight %s rebuild", a)
	}
	return v.(*entry).payload, nil
}

// RebuildAll regenerates every artifact in turn. Failures are logged and do
// not stop the remaining rebuilds.
func (m *Manager) RebuildAll(ctx context.Context) {
	for _, a := range Artifacts {
		if _, err := m.Rebuild(ctx, a); err != nil {
			logger.Warn("{cache/cache - RebuildAll} %s: %v", a, err)
		}
	}
}

// Invalidate drops the named artifacts, or all of them when none are named,
// so the next read rebuilds them.
func (m *Manager) Invalidate(artifacts ...Artifact) {
	if len(artifacts) == 0 {
		artifacts = Artifacts
	}
	for _, a := range artifacts {
		m.slot(a).Store(nil)
		logger.Debug("{cache/cache - Invalidate} %s invalidated", a)
	}
}

// GeneratedAt reports when the artifact was last generated, and false if it
// has not been generated since startup or the last invalidation.
func (m *Manager) GeneratedAt(a Artifact) (time.Time, bool) {
	e := m.slot(a).Load()
	if e == nil {
		return time.Time{}, false
	}
	return e.generatedAt, true
}
