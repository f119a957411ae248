package client

import (
	"context"
	"errors"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"

	"macreplay/work/types"
)

// Limited paces calls to each portal so rebuild walks and bursts of player
// requests do not trip portal-side flood protection. Limits are per portal
// base URL, shared by all credentials of that portal.
type Limited struct {
	next     Portal
	rps      int
	limiters *xsync.MapOf[string, ratelimit.Limiter]
}

// NewLimited wraps next with a limit of rps requests per second per portal.
func NewLimited(next Portal, rps int) *Limited {
	if rps <= 0 {
		rps = 10
	}
	return &Limited{
		next:     next,
		rps:      rps,
		limiters: xsync.NewMapOf[string, ratelimit.Limiter](),
	}
}

func (l *Limited) take(baseURL string) {
	lim, _ := l.limiters.LoadOrCompute(baseURL, func() ratelimit.Limiter {
		return ratelimit.New(l.rps)
	})
	lim.Take()
}

func (l *Limited) Authenticate(ctx context.Context, ep Endpoint) (string, error) {
	l.take(ep.BaseURL)
	return l.next.Authenticate(ctx, ep)
}

func (l *Limited) FetchProfile(ctx context.Context, ep Endpoint, token string) error {
	l.take(ep.BaseURL)
	return l.next.FetchProfile(ctx, ep, token)
}

func (l *Limited) FetchChannels(ctx context.Context, ep Endpoint, token string) ([]types.CatalogChannel, error) {
	l.take(ep.BaseURL)
	return l.next.FetchChannels(ctx, ep, token)
}

func (l *Limited) FetchGenres(ctx context.Context, ep Endpoint, token string) (map[string]string, error) {
	l.take(ep.BaseURL)
	return l.next.FetchGenres(ctx, ep, token)
}

func (l *Limited) FetchEPG(ctx context.Context, ep Endpoint, token string, hours int) (map[string][]types.Programme, error) {
	l.take(ep.BaseURL)
	return l.next.FetchEPG(ctx, ep, token, hours)
}

func (l *Limited) ResolveLink(ctx context.Context, ep Endpoint, token, cmd string) (string, error) {
	l.take(ep.BaseURL)
	return l.next.ResolveLink(ctx, ep, token, cmd)
}

// FetchExpiry forwards to the wrapped client when it supports expiry lookups.
func (l *Limited) FetchExpiry(ctx context.Context, ep Endpoint, token string) (time.Time, error) {
	f, ok := l.next.(ExpiryFetcher)
	if !ok {
		return time.Time{}, errors.New("expiry lookup not supported")
	}
	l.take(ep.BaseURL)
	return f.FetchExpiry(ctx, ep, token)
}
