package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/panjf2000/ants/v2"

	"macreplay/work/config"
	"macreplay/work/logger"
	"macreplay/work/resolver"
	"macreplay/work/restream"
	"macreplay/work/store"
	"macreplay/work/types"
	"macreplay/work/utils"
)

// Client-facing reasons for a 503. They let an operator tell capacity
// exhaustion apart from portals that are up but not delivering.
const (
	msgNoFreeCredential = "No streams available: no free credential"
	msgNoWorkingStream  = "No streams available: no working stream"
	msgStreamCeiling    = "No streams available: stream limit reached"
)

// Gateway serves /play requests: it resolves the channel on the requested
// portal, falls back to another portal's mapped channel when that fails, and
// then either redirects the client to the upstream URL or relays it through a
// transcode process.
type Gateway struct {
	store     store.PortalStore  // settings are read per request
	resolver  *resolver.Resolver // primary and fallback resolution
	manager   *restream.Manager  // transcode process supervision
	streams   *ants.Pool         // one worker per live relay; its size is the stream ceiling
	obfuscate bool               // mask upstream URLs in logs
}

// NewGateway wires a Gateway. streams must be a non-blocking pool so that a
// request beyond the ceiling is refused instead of queued.
func NewGateway(st store.PortalStore, r *resolver.Resolver, m *restream.Manager, streams *ants.Pool, obfuscate bool) *Gateway {
	return &Gateway{store: st, resolver: r, manager: m, streams: streams, obfuscate: obfuscate}
}

// ServePlay handles one client request for channelID on portalID. A "web"
// query flag selects browser preview mode, which never redirects and never
// searches for a fallback.
func (g *Gateway) ServePlay(w http.ResponseWriter, r *http.Request, portalID, channelID string) {
	ctx := r.Context()
	preview := r.URL.Query().Has("web")
	client := clientAddr(r)

	logger.Info("{proxy/stream - ServePlay} %s requested %s:%s (preview=%v)", client, portalID, channelID, preview)

	settings, err := g.store.GetSettings(ctx)
	if err != nil {
		logger.Error("{proxy/stream - ServePlay} load settings: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	res, err := g.resolve(ctx, portalID, channelID, preview, settings)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, types.ErrUnknownPortal) {
			http.Error(w, "Unknown portal", http.StatusNotFound)
			return
		}
		unavailable(w, err)
		return
	}

	if !preview && settings.StreamMethod == config.StreamMethodRedirect {
		logger.Info("{proxy/stream - ServePlay} redirecting %s to %s", client, utils.LogURL(g.obfuscate, res.URL))
		http.Redirect(w, r, res.URL, http.StatusFound)
		return
	}

	mode := restream.ModePlayer
	if preview {
		mode = restream.ModePreview
	}

	g.relay(w, r, restream.Request{
		PortalID:      res.Portal.ID,
		PortalName:    res.Portal.Name,
		MAC:           res.MAC,
		ChannelID:     res.ChannelID,
		ChannelName:   res.ChannelName,
		ClientAddr:    client,
		URL:           res.URL,
		Proxy:         res.Portal.Proxy,
		StreamsPerMAC: res.Portal.StreamsPerMAC,
		Mode:          mode,
		Template:      settings.FFmpegCommand,
		TimeoutMicros: settings.TimeoutMicros(),
	})
}

// resolve runs primary resolution and, for player requests, the fallback
// search. The returned error is the primary one so the 503 reason reflects
// the requested portal.
func (g *Gateway) resolve(ctx context.Context, portalID, channelID string, preview bool, settings config.Settings) (resolver.Result, error) {
	res, err := g.resolver.Resolve(ctx, portalID, channelID, settings)
	if err == nil || preview || errors.Is(err, types.ErrUnknownPortal) || ctx.Err() != nil {
		return res, err
	}

	logger.Info("{proxy/stream - resolve} %s:%s is not working, looking for fallbacks", portalID, channelID)
	fb, fbErr := g.resolver.ResolveFallback(ctx, portalID, res.ChannelName, settings)
	if fbErr != nil {
		logger.Info("{proxy/stream - resolve} no fallback for %s:%s: %v", portalID, channelID, fbErr)
		return res, err
	}
	return fb, nil
}

// relay spawns the transcode process on a stream pool worker and copies its
// output to the client until either side ends. The worker is held for the
// whole session and released only after the occupancy entry is removed.
func (g *Gateway) relay(w http.ResponseWriter, r *http.Request, req restream.Request) {
	ctx := r.Context()
	started := make(chan error, 1)
	finished := make(chan struct{})

	err := g.streams.Submit(func() {
		defer close(finished)

		session, err := g.manager.Start(ctx, req)
		started <- err
		if err != nil {
			return
		}
		defer session.Close()

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)

		if err := session.Pipe(w); err != nil {
			logger.Warn("{proxy/stream - relay} %q for %s ended: %v", req.ChannelName, req.ClientAddr, err)
		}
	})
	if err != nil {
		logger.Warn("{proxy/stream - relay} refusing %s: %v", req.ClientAddr, err)
		http.Error(w, msgStreamCeiling, http.StatusServiceUnavailable)
		return
	}

	if err := <-started; err != nil {
		<-finished
		logger.Warn("{proxy/stream - relay} could not start %q: %v", req.ChannelName, err)
		unavailable(w, err)
		return
	}
	<-finished
}

// unavailable writes the final 503 for a request that got no stream.
func unavailable(w http.ResponseWriter, err error) {
	msg := msgNoWorkingStream
	if errors.Is(err, types.ErrNoCapacity) {
		msg = msgNoFreeCredential
	}
	http.Error(w, msg, http.StatusServiceUnavailable)
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
