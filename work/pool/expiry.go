package pool

import (
	"context"
	"fmt"
	"time"

	"macreplay/work/client"
	"macreplay/work/logger"
	"macreplay/work/types"
	"macreplay/work/utils"
)

type credentialRef struct {
	portalID string
	mac      string
}

// RefreshExpiry asks every enabled portal when each of its credentials
// expires and stores the answers. Credentials whose lookup fails keep their
// previous value. The lookups run without the pool lock; only the final merge
// into the current order is serialised with rotations.
func (p *Pool) RefreshExpiry(ctx context.Context, c client.Portal) (int, error) {
	fetcher, ok := c.(client.ExpiryFetcher)
	if !ok {
		return 0, nil
	}

	portals, err := p.store.GetPortals(ctx)
	if err != nil {
		return 0, fmt.Errorf("load portals: %w", err)
	}

	found := make(map[credentialRef]time.Time)
	for _, portal := range portals {
		if !portal.Enabled {
			continue
		}
		for _, cred := range portal.Credentials {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			ep := client.Endpoint{BaseURL: portal.URL, MAC: cred.MAC, Proxy: portal.Proxy}
			token, err := c.Authenticate(ctx, ep)
			if err != nil {
				logger.Debug("{pool/expiry - RefreshExpiry} %s on %s: %v", utils.LogMAC(p.obfuscate, cred.MAC), portal.Name, err)
				continue
			}
			expires, err := fetcher.FetchExpiry(ctx, ep, token)
			if err != nil {
				logger.Debug("{pool/expiry - RefreshExpiry} %s on %s: %v", utils.LogMAC(p.obfuscate, cred.MAC), portal.Name, err)
				continue
			}
			found[credentialRef{portal.ID, cred.MAC}] = expires
		}
	}
	if len(found) == 0 {
		return 0, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// reload so rotations that happened during the lookups are kept
	portals, err = p.store.GetPortals(ctx)
	if err != nil {
		return 0, fmt.Errorf("load portals: %w", err)
	}
	updated := applyExpiry(portals, found)
	if updated == 0 {
		return 0, nil
	}
	if err := p.store.SavePortals(ctx, portals); err != nil {
		return 0, fmt.Errorf("persist expiry: %w", err)
	}
	logger.Info("{pool/expiry - RefreshExpiry} updated expiry of %d credentials", updated)
	return updated, nil
}

func applyExpiry(portals []types.Portal, found map[credentialRef]time.Time) int {
	n := 0
	for i := range portals {
		for j := range portals[i].Credentials {
			cred := &portals[i].Credentials[j]
			t, ok := found[credentialRef{portals[i].ID, cred.MAC}]
			if !ok || (cred.ExpiresAt != nil && cred.ExpiresAt.Equal(t)) {
				continue
			}
			t = t.UTC()
			cred.ExpiresAt = &t
			n++
		}
	}
	return n
}
