// Package resolver turns a (portal, channel) request into a playable upstream
// URL by walking the portal's credentials in rotation order, and searches
// other portals' fallback mappings when the primary portal cannot serve it.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"macreplay/work/client"
	"macreplay/work/config"
	"macreplay/work/logger"
	"macreplay/work/metrics"
	"macreplay/work/pool"
	"macreplay/work/probe"
	"macreplay/work/store"
	"macreplay/work/types"
	"macreplay/work/utils"
)

// localLinkMarker in a raw play command means the portal must mint the real
// URL through create_link.
const localLinkMarker = "http://localhost/"

// Result is a successful resolution. On failure Resolve still fills Portal,
// ChannelID and ChannelName when they are known so that the caller can log
// and search for a fallback.
type Result struct {
	Portal      types.Portal
	MAC         string
	ChannelID   string
	ChannelName string
	URL         string
	Fallback    bool
}

// NameIndex reports the catalog name a channel had the last time its portal
// could be read.
type NameIndex interface {
	ChannelName(portalID, channelID string) (string, bool)
}

// Resolver resolves channels against the portals in a store.
type Resolver struct {
	store     store.PortalStore
	client    client.Portal
	pool      *pool.Pool
	validator probe.Validator
	names     NameIndex
	obfuscate bool
}

// New creates a Resolver. validator is consulted only when stream testing is
// enabled in settings.
func New(st store.PortalStore, c client.Portal, p *pool.Pool, v probe.Validator, obfuscate bool) *Resolver {
	if v == nil {
		v = probe.Disabled{}
	}
	return &Resolver{store: st, client: c, pool: p, validator: v, obfuscate: obfuscate}
}

// UseNames sets the index consulted for a channel's name when resolution
// fails before any credential could read the catalog.
func (r *Resolver) UseNames(ix NameIndex) {
	r.names = ix
}

// Resolve finds a working stream for channelID on portalID. It fails with
// types.ErrUnknownPortal, types.ErrNoCapacity when every credential was busy,
// or types.ErrAllCredentialsExhausted when at least one credential was tried
// and none produced a stream. On failure the result still carries the
// channel's display name whenever it can be determined.
func (r *Resolver) Resolve(ctx context.Context, portalID, channelID string, settings config.Settings) (Result, error) {
	portals, err := r.store.GetPortals(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load portals: %w", err)
	}
	portal, ok := types.FindPortal(portals, portalID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", types.ErrUnknownPortal, portalID)
	}

	res, err := r.resolveOn(ctx, portal, channelID, settings)
	if err != nil && res.ChannelName == "" && ctx.Err() == nil {
		res.ChannelName = r.channelName(ctx, portal, channelID)
	}
	return res, err
}

// channelName finds the display name of a channel that could not be
// resolved: first from the index of earlier walks, then from a catalog read
// with any credential that still authenticates. Busy credentials may read the
// catalog and nothing is rotated here.
func (r *Resolver) channelName(ctx context.Context, portal types.Portal, channelID string) string {
	if r.names != nil {
		if name, ok := r.names.ChannelName(portal.ID, channelID); ok {
			logger.Debug("{resolver - channelName} %s:%s known as %q from the last walk", portal.Name, channelID, name)
			return name
		}
	}

	for _, cred := range portal.Credentials {
		if ctx.Err() != nil {
			return ""
		}
		ep := client.Endpoint{BaseURL: portal.URL, MAC: cred.MAC, Proxy: portal.Proxy}
		token, err := r.client.Authenticate(ctx, ep)
		if err != nil {
			continue
		}
		if err := r.client.FetchProfile(ctx, ep, token); err != nil {
			continue
		}
		channels, err := r.client.FetchChannels(ctx, ep, token)
		if err != nil {
			continue
		}
		for _, c := range channels {
			if c.ID == channelID {
				return c.Name
			}
		}
		// the catalog was readable and the channel is not in it
		return ""
	}
	return ""
}

// ResolveFallback looks for channelName among the fallback mappings of every
// enabled portal other than originPortalID and resolves the first mapping
// that yields a stream. Display names are compared after NFC normalisation.
func (r *Resolver) ResolveFallback(ctx context.Context, originPortalID, channelName string, settings config.Settings) (Result, error) {
	if channelName == "" {
		metrics.FallbackResults.WithLabelValues("none").Inc()
		return Result{}, fmt.Errorf("%w: channel name unknown", types.ErrNoFallbackAvailable)
	}

	portals, err := r.store.GetPortals(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load portals: %w", err)
	}

	target := norm.NFC.String(channelName)
	candidates := 0
	for _, portal := range portals {
		if !portal.Enabled || portal.ID == originPortalID {
			continue
		}

		for _, localID := range fallbackIDs(portal, target) {
			candidates++
			logger.Debug("{resolver - ResolveFallback} trying %q as %s on %s", channelName, localID, portal.Name)

			res, err := r.resolveOn(ctx, portal, localID, settings)
			if err == nil {
				res.Fallback = true
				metrics.FallbackResults.WithLabelValues("found").Inc()
				logger.Info("{resolver - ResolveFallback} fallback for %q found on %s", channelName, portal.Name)
				return res, nil
			}
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
		}
	}

	metrics.FallbackResults.WithLabelValues("none").Inc()
	return Result{}, fmt.Errorf("%w: %q (%d candidates)", types.ErrNoFallbackAvailable, channelName, candidates)
}

// fallbackIDs returns the local channel ids of portal mapped to target,
// sorted so the walk is deterministic.
func fallbackIDs(portal types.Portal, target string) []string {
	var ids []string
	for localID, name := range portal.FallbackChannels {
		if norm.NFC.String(name) == target {
			ids = append(ids, localID)
		}
	}
	sort.Strings(ids)
	return ids
}

// resolveOn runs the credential walk for one portal.
func (r *Resolver) resolveOn(ctx context.Context, portal types.Portal, channelID string, settings config.Settings) (Result, error) {
	res := Result{
		Portal:      portal,
		ChannelID:   channelID,
		ChannelName: portal.CustomNames[channelID],
	}

	tried := 0
	var lastErr error

	for _, cred := range r.pool.Next(portal) {
		if !r.pool.IsFree(portal, cred.MAC) {
			logger.Debug("{resolver - resolveOn} %s on %s is busy", utils.LogMAC(r.obfuscate, cred.MAC), portal.Name)
			continue
		}
		tried++

		logger.Info("{resolver - resolveOn} trying %s:%s with %s", portal.Name, channelID, utils.LogMAC(r.obfuscate, cred.MAC))

		out := r.attempt(ctx, portal, cred.MAC, channelID, settings)
		if out.name != "" {
			res.ChannelName = out.name
		}
		if out.err == nil {
			res.MAC = cred.MAC
			res.URL = out.url
			return res, nil
		}

		if ctx.Err() != nil {
			// the client went away; the credential did nothing wrong
			return res, ctx.Err()
		}

		lastErr = out.err
		kind := types.FailureKind(out.err)
		metrics.ResolutionFailures.WithLabelValues(portal.ID, kind).Inc()
		logger.Warn("{resolver - resolveOn} %s failed on %s: %v", utils.LogMAC(r.obfuscate, cred.MAC), portal.Name, out.err)

		if err := r.pool.RotateToEnd(ctx, portal.ID, cred.MAC, kind); err != nil {
			logger.Error("{resolver - resolveOn} rotate %s: %v", utils.LogMAC(r.obfuscate, cred.MAC), err)
		}

		if !settings.TryAllMACs {
			break
		}
	}

	if tried == 0 {
		logger.Info("{resolver - resolveOn} no free credential for %s:%s", portal.Name, channelID)
		return res, fmt.Errorf("%w on %s", types.ErrNoCapacity, portal.Name)
	}
	logger.Info("{resolver - resolveOn} no working stream for %s:%s", portal.Name, channelID)
	return res, fmt.Errorf("%w on %s: last failure: %v", types.ErrAllCredentialsExhausted, portal.Name, lastErr)
}

// attemptResult is the typed outcome of one credential attempt: either url is
// set, or err wraps exactly one per-credential failure kind.
type attemptResult struct {
	url  string
	name string
	err  error
}

func (r *Resolver) attempt(ctx context.Context, portal types.Portal, mac, channelID string, settings config.Settings) attemptResult {
	ep := client.Endpoint{BaseURL: portal.URL, MAC: mac, Proxy: portal.Proxy}

	token, err := r.client.Authenticate(ctx, ep)
	if err != nil {
		return attemptResult{err: fmt.Errorf("%w: %v", types.ErrCredentialAuthFailed, err)}
	}
	if err := r.client.FetchProfile(ctx, ep, token); err != nil {
		return attemptResult{err: fmt.Errorf("%w: profile: %v", types.ErrCredentialAuthFailed, err)}
	}

	channels, err := r.client.FetchChannels(ctx, ep, token)
	if err != nil {
		return attemptResult{err: fmt.Errorf("%w: catalog: %v", types.ErrChannelNotFound, err)}
	}

	var entry *types.CatalogChannel
	for i := range channels {
		if channels[i].ID == channelID {
			entry = &channels[i]
			break
		}
	}
	if entry == nil {
		return attemptResult{err: fmt.Errorf("%w: %s", types.ErrChannelNotFound, channelID)}
	}

	out := attemptResult{name: entry.Name}
	if v := portal.CustomNames[channelID]; v != "" {
		out.name = v
	}

	link, err := r.link(ctx, ep, token, entry.Cmd)
	if err != nil {
		out.err = err
		return out
	}

	if settings.TestStreams && !r.validator.Probe(ctx, link, portal.Proxy, settings.TimeoutMicros()) {
		out.err = fmt.Errorf("%w: %s", types.ErrStreamValidationFailed, utils.LogURL(r.obfuscate, link))
		return out
	}

	out.url = link
	return out
}

// link turns a raw play command into a direct URL.
func (r *Resolver) link(ctx context.Context, ep client.Endpoint, token, cmd string) (string, error) {
	if strings.Contains(cmd, localLinkMarker) {
		link, err := r.client.ResolveLink(ctx, ep, token, cmd)
		if err != nil {
			return "", fmt.Errorf("%w: %v", types.ErrLinkResolutionFailed, err)
		}
		return link, nil
	}

	link, err := LinkFromCommand(cmd)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrLinkResolutionFailed, err)
	}
	return link, nil
}

// LinkFromCommand extracts the URL embedded in a raw play command such as
// "ffmpeg http://host/stream". A command that is a single URL is returned as
// is.
func LinkFromCommand(cmd string) (string, error) {
	fields := strings.Fields(cmd)
	switch {
	case len(fields) >= 2:
		return fields[1], nil
	case len(fields) == 1 && strings.Contains(fields[0], "://"):
		return fields[0], nil
	default:
		return "", errors.New("no url in play command")
	}
}
