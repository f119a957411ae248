package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ActiveStreams tracks relay sessions currently holding a credential, per portal.
var ActiveStreams = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "macreplay_active_streams",
	Help: "Number of active relay sessions",
}, []string{"portal"})

// BytesRelayed counts bytes forwarded from transcode processes to clients.
var BytesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "macreplay_bytes_relayed_total",
	Help: "Total bytes relayed to clients",
}, []string{"portal"})

// CredentialRotations counts credentials moved to the tail of their portal's
// order. The "reason" label is the failure kind that caused the move.
var CredentialRotations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "macreplay_credential_rotations_total",
	Help: "Number of credential rotations",
}, []string{"portal", "reason"})

// ResolutionFailures counts requests that could not be served from their
// primary portal, by failure kind.
var ResolutionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "macreplay_resolution_failures_total",
	Help: "Number of failed primary resolutions",
}, []string{"portal", "kind"})

// FallbackResults counts fallback searches by outcome ("found" or "none").
var FallbackResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "macreplay_fallback_results_total",
	Help: "Number of fallback resolutions by outcome",
}, []string{"result"})

// ProbeResults counts stream probes by outcome ("ok", "failed", "skipped").
var ProbeResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "macreplay_probe_results_total",
	Help: "Number of stream probes by outcome",
}, []string{"result"})

// CacheRebuilds counts derived cache rebuilds per artifact and result.
var CacheRebuilds = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "macreplay_cache_rebuilds_total",
	Help: "Number of derived cache rebuilds",
}, []string{"artifact", "result"})
