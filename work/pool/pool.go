// Package pool owns each portal's credential rotation order and answers
// whether a credential has spare stream capacity.
package pool

import (
	"context"
	"fmt"
	"sync"

	"macreplay/work/logger"
	"macreplay/work/metrics"
	"macreplay/work/occupancy"
	"macreplay/work/store"
	"macreplay/work/types"
	"macreplay/work/utils"
)

// OrderSaver is implemented by stores that can persist a single portal's
// credential order without rewriting every portal.
type OrderSaver interface {
	SaveCredentialOrder(ctx context.Context, portalID string, creds []types.Credential) error
}

// Pool reads credential order from the store and persists rotations back to
// it. Rotations are serialised so two concurrent read-modify-write cycles can
// never lose each other's update.
type Pool struct {
	store     store.PortalStore
	tracker   *occupancy.Tracker
	obfuscate bool
	mu        sync.Mutex
}

// New creates a Pool over st whose capacity checks consult tr.
func New(st store.PortalStore, tr *occupancy.Tracker, obfuscate bool) *Pool {
	return &Pool{store: st, tracker: tr, obfuscate: obfuscate}
}

// Next returns the portal's credentials in the order they should be tried.
func (p *Pool) Next(portal types.Portal) []types.Credential {
	return append([]types.Credential(nil), portal.Credentials...)
}

// IsFree reports whether mac can take another session on portal.
func (p *Pool) IsFree(portal types.Portal, mac string) bool {
	if portal.StreamsPerMAC <= 0 {
		return true
	}
	return p.tracker.CountByCredential(portal.ID, mac) < portal.StreamsPerMAC
}

// RotateToEnd moves mac to the tail of portalID's credential order and
// persists the new order. reason is recorded in metrics and logs. Rotating a
// credential the portal no longer has is a no-op.
func (p *Pool) RotateToEnd(ctx context.Context, portalID, mac, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	portals, err := p.store.GetPortals(ctx)
	if err != nil {
		return fmt.Errorf("load portals: %w", err)
	}

	idx := -1
	for i := range portals {
		if portals[i].ID == portalID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", types.ErrUnknownPortal, portalID)
	}

	rotated, changed := RotateToEnd(portals[idx].Credentials, mac)
	if !changed {
		return nil
	}

	if saver, ok := p.store.(OrderSaver); ok {
		err = saver.SaveCredentialOrder(ctx, portalID, rotated)
	} else {
		portals[idx].Credentials = rotated
		err = p.store.SavePortals(ctx, portals)
	}
	if err != nil {
		return fmt.Errorf("persist credential order: %w", err)
	}

	metrics.CredentialRotations.WithLabelValues(portalID, reason).Inc()
	logger.Info("{pool - RotateToEnd} moved %s to the end of %s (%s)", utils.LogMAC(p.obfuscate, mac), portalID, reason)
	return nil
}

// RotateToEnd returns creds with mac moved to the tail, leaving the relative
// order of every other credential unchanged. The second result is false when
// mac is absent or already last.
func RotateToEnd(creds []types.Credential, mac string) ([]types.Credential, bool) {
	pos := -1
	for i, c := range creds {
		if c.MAC == mac {
			pos = i
			break
		}
	}
	if pos < 0 || pos == len(creds)-1 {
		return creds, false
	}

	out := make([]types.Credential, 0, len(creds))
	out = append(out, creds[:pos]...)
	out = append(out, creds[pos+1:]...)
	return append(out, creds[pos]), true
}
