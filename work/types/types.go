package types

import (
	"strconv"
	"time"
)

// Credential is one MAC address registered on a portal. Its position inside
// Portal.Credentials is its rotation order; rotation reorders credentials but
// never adds or removes them.
type Credential struct {
	MAC       string     `json:"mac"`                 // opaque credential value, usually a MAC address
	ExpiresAt *time.Time `json:"expiresAt,omitempty"` // entitlement expiry reported by the portal, when known
}

// Portal is an upstream Stalker-type middleware server together with the
// operator's customisation of its channel catalog.
//
// All channel keyed maps use the portal-local channel id. FallbackChannels maps
// a local channel id to the display name of a channel on another portal that
// this channel may stand in for.
type Portal struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	URL              string            `json:"url"`
	Enabled          bool              `json:"enabled"`
	Proxy            string            `json:"proxy,omitempty"`
	StreamsPerMAC    int               `json:"streamsPerMac"` // 0 means unlimited
	Credentials      []Credential      `json:"credentials"`
	EnabledChannels  []string          `json:"enabledChannels"`
	CustomNames      map[string]string `json:"customNames,omitempty"`
	CustomNumbers    map[string]string `json:"customNumbers,omitempty"`
	CustomGenres     map[string]string `json:"customGenres,omitempty"`
	CustomEPGIDs     map[string]string `json:"customEpgIds,omitempty"`
	FallbackChannels map[string]string `json:"fallbackChannels,omitempty"`
}

// Clone returns a deep copy so callers can mutate the result without
// affecting shared store state.
func (p Portal) Clone() Portal {
	out := p
	out.Credentials = make([]Credential, len(p.Credentials))
	for i, c := range p.Credentials {
		out.Credentials[i] = c
		if c.ExpiresAt != nil {
			t := *c.ExpiresAt
			out.Credentials[i].ExpiresAt = &t
		}
	}
	out.EnabledChannels = append([]string(nil), p.EnabledChannels...)
	out.CustomNames = cloneMap(p.CustomNames)
	out.CustomNumbers = cloneMap(p.CustomNumbers)
	out.CustomGenres = cloneMap(p.CustomGenres)
	out.CustomEPGIDs = cloneMap(p.CustomEPGIDs)
	out.FallbackChannels = cloneMap(p.FallbackChannels)
	return out
}

// EnabledSet returns EnabledChannels as a lookup set.
func (p Portal) EnabledSet() map[string]struct{} {
	set := make(map[string]struct{}, len(p.EnabledChannels))
	for _, id := range p.EnabledChannels {
		set[id] = struct{}{}
	}
	return set
}

// FindPortal returns the portal with the given id.
func FindPortal(portals []Portal, id string) (Portal, bool) {
	for _, p := range portals {
		if p.ID == id {
			return p, true
		}
	}
	return Portal{}, false
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CatalogChannel is one entry of a portal's live channel catalog as returned
// by the portal client.
type CatalogChannel struct {
	ID      string
	Name    string
	Number  string
	GenreID string
	Cmd     string // raw playback directive
	Logo    string
}

// Programme is one EPG entry. A zero Start or Stop marks the entry as
// malformed.
type Programme struct {
	Start       time.Time
	Stop        time.Time
	Title       string
	Description string
}

// ResolvedChannel is a catalog entry with the portal's customisation applied.
// It is computed per resolution or rebuild and never stored.
type ResolvedChannel struct {
	PortalID      string
	ChannelID     string
	Name          string
	Number        string
	Genre         string
	EPGID         string
	Logo          string
	StreamCommand string
	Enabled       bool
}

// UnknownGenre is the genre assigned when the catalog references a genre id
// the portal did not list.
const UnknownGenre = "Other"

// Resolve applies the portal's overrides to a catalog entry. genres maps
// genre ids to names and may be nil.
func Resolve(p Portal, c CatalogChannel, genres map[string]string, enabled map[string]struct{}) ResolvedChannel {
	rc := ResolvedChannel{
		PortalID:      p.ID,
		ChannelID:     c.ID,
		Name:          c.Name,
		Number:        c.Number,
		Logo:          c.Logo,
		StreamCommand: c.Cmd,
		EPGID:         p.ID + c.ID,
	}

	if v := p.CustomNames[c.ID]; v != "" {
		rc.Name = v
	}
	if v := p.CustomNumbers[c.ID]; v != "" {
		rc.Number = v
	}

	rc.Genre = UnknownGenre
	if v, ok := genres[c.GenreID]; ok && v != "" {
		rc.Genre = v
	}
	if v := p.CustomGenres[c.ID]; v != "" {
		rc.Genre = v
	}

	if v := p.CustomEPGIDs[c.ID]; v != "" {
		rc.EPGID = v
	}

	if enabled != nil {
		_, rc.Enabled = enabled[c.ID]
	}
	return rc
}

// NumberValue returns the channel number as an integer when it parses as one.
func (rc ResolvedChannel) NumberValue() (int, bool) {
	n, err := strconv.Atoi(rc.Number)
	return n, err == nil
}
