package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"macreplay/work/client"
	"macreplay/work/logger"
	"macreplay/work/types"
	"macreplay/work/utils"
)

// walkNeeds selects what a rebuild fetches from each portal beyond the
// channel catalog.
type walkNeeds struct {
	genres bool
	epg    bool
}

// portalData is one portal's contribution to an artifact: its enabled
// channels in catalog order and, for the guide, their programmes keyed by
// channel id.
type portalData struct {
	portal   types.Portal
	channels []types.ResolvedChannel
	epg      map[string][]types.Programme
}

// walk fetches every enabled portal that has enabled channels, concurrently
// on the walk pool. Portals that cannot be read are logged and left out; the
// result keeps store order.
func (m *Manager) walk(ctx context.Context, portals []types.Portal, needs walkNeeds) []portalData {
	results := make([]*portalData, len(portals))
	var wg sync.WaitGroup

	for i, p := range portals {
		if !p.Enabled || len(p.EnabledChannels) == 0 {
			continue
		}

		task := func() {
			defer wg.Done()
			data, err := m.fetchPortal(ctx, p, needs)
			if err != nil {
				logger.Error("{cache/walk - walk} skipping %s: %v", p.Name, err)
				return
			}
			results[i] = data
		}

		wg.Add(1)
		if m.walkPool == nil {
			task()
			continue
		}
		if err := m.walkPool.Submit(task); err != nil {
			// pool closed or overloaded; do the work here instead
			logger.Debug("{cache/walk - walk} walk pool refused %s: %v", p.Name, err)
			task()
		}
	}
	wg.Wait()

	out := make([]portalData, 0, len(portals))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// fetchPortal tries the portal's credentials in stored order and returns the
// data from the first one that authenticates and yields a catalog (and, for
// the guide, an EPG window). Credentials are not rotated here; a rebuild is
// not evidence that a credential cannot stream.
func (m *Manager) fetchPortal(ctx context.Context, p types.Portal, needs walkNeeds) (*portalData, error) {
	var lastErr error

	for _, cred := range p.Credentials {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		ep := client.Endpoint{BaseURL: p.URL, MAC: cred.MAC, Proxy: p.Proxy}
		data, err := m.fetchWith(ctx, p, ep, needs)
		if err == nil {
			return data, nil
		}
		lastErr = err
		logger.Debug("{cache/walk - fetchPortal} %s with %s: %v", p.Name, utils.LogMAC(m.obfuscate, cred.MAC), err)
	}

	if lastErr == nil {
		lastErr = errors.New("no credentials")
	}
	return nil, fmt.Errorf("%w: %s: %v", types.ErrUpstreamCatalogUnavailable, p.Name, lastErr)
}

func (m *Manager) fetchWith(ctx context.Context, p types.Portal, ep client.Endpoint, needs walkNeeds) (*portalData, error) {
	token, err := m.client.Authenticate(ctx, ep)
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	if err := m.client.FetchProfile(ctx, ep, token); err != nil {
		return nil, fmt.Errorf("profile: %w", err)
	}

	catalog, err := m.client.FetchChannels(ctx, ep, token)
	if err != nil {
		return nil, fmt.Errorf("channels: %w", err)
	}
	if len(catalog) == 0 {
		return nil, fmt.Errorf("channels: empty catalog")
	}
	m.names.record(p.ID, catalog)

	data := &portalData{portal: p}

	if needs.epg {
		data.epg, err = m.client.FetchEPG(ctx, ep, token, m.epgHours)
		if err != nil {
			return nil, fmt.Errorf("epg: %w", err)
		}
	}

	var genres map[string]string
	if needs.genres {
		genres = m.portalGenres(ctx, p, ep, token)
	}

	enabled := p.EnabledSet()
	for _, c := range catalog {
		if _, ok := enabled[c.ID]; !ok {
			continue
		}
		data.channels = append(data.channels, types.Resolve(p, c, genres, enabled))
	}
	return data, nil
}

// portalGenres fetches the portal's genre names, remembering them so a later
// failed fetch can reuse the last good answer.
func (m *Manager) portalGenres(ctx context.Context, p types.Portal, ep client.Endpoint, token string) map[string]string {
	genres, err := m.client.FetchGenres(ctx, ep, token)
	if err == nil {
		m.genres.Set(p.ID, genres)
		return genres
	}

	if cached, ok := m.genres.GetIfPresent(p.ID); ok {
		logger.Warn("{cache/walk - portalGenres} %s genres unavailable, using last known: %v", p.Name, err)
		return cached
	}
	logger.Warn("{cache/walk - portalGenres} %s genres unavailable: %v", p.Name, err)
	return nil
}
