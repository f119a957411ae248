package client

import (
	"context"
	"time"

	"macreplay/work/types"
)

// Endpoint addresses one portal through one credential.
type Endpoint struct {
	BaseURL string // portal API endpoint (load.php / portal.php)
	MAC     string
	Proxy   string // optional upstream HTTP proxy
}

// Portal is the capability the gateway needs from a Stalker-type portal.
// Every call is scoped to a single credential; token is the session token
// returned by Authenticate.
type Portal interface {
	Authenticate(ctx context.Context, ep Endpoint) (string, error)
	FetchProfile(ctx context.Context, ep Endpoint, token string) error
	FetchChannels(ctx context.Context, ep Endpoint, token string) ([]types.CatalogChannel, error)
	FetchGenres(ctx context.Context, ep Endpoint, token string) (map[string]string, error)
	FetchEPG(ctx context.Context, ep Endpoint, token string, hours int) (map[string][]types.Programme, error)
	ResolveLink(ctx context.Context, ep Endpoint, token, cmd string) (string, error)
}

// ExpiryFetcher is implemented by clients that can report when a credential's
// entitlement ends.
type ExpiryFetcher interface {
	FetchExpiry(ctx context.Context, ep Endpoint, token string) (time.Time, error)
}
