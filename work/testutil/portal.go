// Package testutil provides in-memory stand-ins for upstream portals.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"macreplay/work/client"
	"macreplay/work/types"
)

// Upstream is the scripted state of one fake portal, keyed by base URL in
// FakePortal.
type Upstream struct {
	Channels []types.CatalogChannel
	Genres   map[string]string
	EPG      map[string][]types.Programme
	Links    map[string]string // raw cmd -> resolved URL

	DeadMACs     map[string]bool // handshake fails
	EmptyMACs    map[string]bool // handshake works, catalog is empty
	GenresFail   bool
	EPGFail      bool
	LinkFailMACs map[string]bool
	Expiry       map[string]time.Time // per MAC; missing entries fail the lookup
}

// FakePortal implements client.Portal over scripted upstreams. It is safe for
// concurrent use and counts calls per action.
type FakePortal struct {
	mu        sync.Mutex
	upstreams map[string]*Upstream
	calls     map[string]int
}

var (
	_ client.Portal        = (*FakePortal)(nil)
	_ client.ExpiryFetcher = (*FakePortal)(nil)
)

// NewFakePortal returns an empty fake; add upstreams with Set.
func NewFakePortal() *FakePortal {
	return &FakePortal{upstreams: map[string]*Upstream{}, calls: map[string]int{}}
}

// Set installs or replaces the upstream served at baseURL.
func (f *FakePortal) Set(baseURL string, u *Upstream) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upstreams[baseURL] = u
}

// Update mutates the upstream at baseURL under the fake's lock.
func (f *FakePortal) Update(baseURL string, fn func(u *Upstream)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u := f.upstreams[baseURL]; u != nil {
		fn(u)
	}
}

// Calls returns how many times action was invoked.
func (f *FakePortal) Calls(action string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[action]
}

func (f *FakePortal) enter(action string, ep client.Endpoint) (*Upstream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[action]++
	u := f.upstreams[ep.BaseURL]
	if u == nil {
		return nil, fmt.Errorf("no portal at %s", ep.BaseURL)
	}
	return u, nil
}

func token(mac string) string { return "tok-" + mac }

func (f *FakePortal) Authenticate(ctx context.Context, ep client.Endpoint) (string, error) {
	u, err := f.enter("handshake", ep)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if u.DeadMACs[ep.MAC] {
		return "", errors.New("handshake returned no token")
	}
	return token(ep.MAC), nil
}

func (f *FakePortal) FetchProfile(ctx context.Context, ep client.Endpoint, tok string) error {
	_, err := f.enter("get_profile", ep)
	return err
}

func (f *FakePortal) FetchChannels(ctx context.Context, ep client.Endpoint, tok string) ([]types.CatalogChannel, error) {
	u, err := f.enter("get_all_channels", ep)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if tok != token(ep.MAC) {
		return nil, errors.New("bad token")
	}
	if u.EmptyMACs[ep.MAC] || len(u.Channels) == 0 {
		return nil, errors.New("empty channel catalog")
	}
	return append([]types.CatalogChannel(nil), u.Channels...), nil
}

func (f *FakePortal) FetchGenres(ctx context.Context, ep client.Endpoint, tok string) (map[string]string, error) {
	u, err := f.enter("get_genres", ep)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if u.GenresFail {
		return nil, errors.New("genres unavailable")
	}
	out := make(map[string]string, len(u.Genres))
	for k, v := range u.Genres {
		out[k] = v
	}
	return out, nil
}

func (f *FakePortal) FetchEPG(ctx context.Context, ep client.Endpoint, tok string, hours int) (map[string][]types.Programme, error) {
	u, err := f.enter("get_epg_info", ep)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if u.EPGFail {
		return nil, errors.New("epg unavailable")
	}
	out := make(map[string][]types.Programme, len(u.EPG))
	for k, v := range u.EPG {
		out[k] = append([]types.Programme(nil), v...)
	}
	return out, nil
}

func (f *FakePortal) ResolveLink(ctx context.Context, ep client.Endpoint, tok, cmd string) (string, error) {
	u, err := f.enter("create_link", ep)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if u.LinkFailMACs[ep.MAC] {
		return "", errors.New("create_link refused")
	}
	link, ok := u.Links[cmd]
	if !ok {
		return "", errors.New("portal returned an empty link")
	}
	return link, nil
}

func (f *FakePortal) FetchExpiry(ctx context.Context, ep client.Endpoint, tok string) (time.Time, error) {
	u, err := f.enter("get_main_info", ep)
	if err != nil {
		return time.Time{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := u.Expiry[ep.MAC]
	if !ok {
		return time.Time{}, errors.New("no expiry reported")
	}
	return t, nil
}

// StaticValidator is a probe.Validator with a fixed verdict per URL. URLs not
// listed pass when Default is true.
type StaticValidator struct {
	mu      sync.Mutex
	Verdict map[string]bool
	Default bool
	probed  []string
}

func (v *StaticValidator) Probe(ctx context.Context, url, proxy string, timeoutMicros int64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.probed = append(v.probed, url)
	if ok, found := v.Verdict[url]; found {
		return ok
	}
	return v.Default
}

// Probed returns the URLs probed so far, in order.
func (v *StaticValidator) Probed() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.probed...)
}
