package types

import "errors"

// Failure kinds. Per-credential failures are wrapped around one of the first
// four and recovered by rotation; the rest describe request-level outcomes.
var (
	ErrCredentialAuthFailed       = errors.New("credential authentication failed")
	ErrChannelNotFound            = errors.New("channel not found")
	ErrLinkResolutionFailed       = errors.New("link resolution failed")
	ErrStreamValidationFailed     = errors.New("stream validation failed")
	ErrProcessSpawnFailed         = errors.New("process spawn failed")
	ErrNoCapacity                 = errors.New("no free credential")
	ErrAllCredentialsExhausted    = errors.New("no working stream")
	ErrNoFallbackAvailable        = errors.New("no fallback available")
	ErrUpstreamCatalogUnavailable = errors.New("upstream catalog unavailable")
	ErrUnknownPortal              = errors.New("unknown portal")
)

// FailureKind names the failure kind err wraps, for logs and metric labels.
func FailureKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrCredentialAuthFailed):
		return "auth"
	case errors.Is(err, ErrChannelNotFound):
		return "channel"
	case errors.Is(err, ErrLinkResolutionFailed):
		return "link"
	case errors.Is(err, ErrStreamValidationFailed):
		return "probe"
	case errors.Is(err, ErrProcessSpawnFailed):
		return "spawn"
	case errors.Is(err, ErrNoCapacity):
		return "capacity"
	case errors.Is(err, ErrNoFallbackAvailable):
		return "fallback"
	case errors.Is(err, ErrAllCredentialsExhausted):
		return "exhausted"
	case errors.Is(err, ErrUpstreamCatalogUnavailable):
		return "catalog"
	case errors.Is(err, ErrUnknownPortal):
		return "portal"
	default:
		return "other"
	}
}
