package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"

	"macreplay/work/cache"
	"macreplay/work/logger"
	"macreplay/work/middleware"
	"macreplay/work/occupancy"
	"macreplay/work/pool"
	"macreplay/work/store"
	"macreplay/work/types"
	"macreplay/work/utils"
)

// StatsResponse is the operational summary served by GET /api/stats.
type StatsResponse struct {
	Uptime         string                 `json:"uptime"`
	StartedAt      time.Time              `json:"startedAt"`
	ActiveSessions int                    `json:"activeSessions"`
	Portals        int                    `json:"portals"`
	EnabledPortals int                    `json:"enabledPortals"`
	Credentials    int                    `json:"credentials"`
	BusyMACs       int                    `json:"busyCredentials"`
	WorkerThreads  int                    `json:"workerThreads"`
	RunningWorkers int                    `json:"runningWorkers"`
	MemoryUsage    string                 `json:"memoryUsage"`
	Caches         map[string]CacheStatus `json:"caches"`
}

// CacheStatus describes one derived document.
type CacheStatus struct {
	Generated   bool       `json:"generated"`
	GeneratedAt *time.Time `json:"generatedAt,omitempty"`
	Age         string     `json:"age,omitempty"`
}

// PortalSummary is one entry of GET /api/portals.
type PortalSummary struct {
	ID              string              `json:"id"`
	Name            string              `json:"name"`
	Enabled         bool                `json:"enabled"`
	StreamsPerMAC   int                 `json:"streamsPerMac"`
	EnabledChannels int                 `json:"enabledChannels"`
	Credentials     []CredentialSummary `json:"credentials"`
}

// CredentialSummary is one credential in rotation order.
type CredentialSummary struct {
	Position  int        `json:"position"`
	MAC       string     `json:"mac"`
	Sessions  int        `json:"sessions"`
	Free      bool       `json:"free"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// adminDeps is what the admin API reads and acts on.
type adminDeps struct {
	store     store.PortalStore
	cache     *cache.Manager
	pool      *pool.Pool
	tracker   *occupancy.Tracker
	streams   *ants.Pool
	obfuscate bool
	startedAt time.Time
	now       func() time.Time
}

// setupAdminRoutes registers the admin API. Every route sits behind the same
// basic auth as the client-facing documents and answers CORS preflights.
//
// Parameters:
//   - router: configured mux router for route registration
//   - d: services the handlers operate on
func setupAdminRoutes(router *mux.Router, d *adminDeps) {
	if d.now == nil {
		d.now = time.Now
	}
	auth := middleware.BasicAuth(d.store)
	api := func(h http.HandlerFunc) http.Handler {
		return corsMiddleware(auth(h))
	}

	router.Handle("/api/stats", api(handleGetStats(d))).Methods(http.MethodGet, http.MethodOptions)
	router.Handle("/api/portals", api(handleGetPortals(d))).Methods(http.MethodGet, http.MethodOptions)
	router.Handle("/api/portals/{portalId}/rotate", api(handleRotateCredential(d))).Methods(http.MethodPost, http.MethodOptions)
	router.Handle("/api/cache/invalidate", api(handleInvalidateCache(d))).Methods(http.MethodPost, http.MethodOptions)

	logger.Debug("{main/admin - setupAdminRoutes} admin API registered")
}

// corsMiddleware allows browser dashboards on other origins to call the admin
// API. Preflight requests are answered before authentication.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleGetStats reports uptime, session counts, worker usage and the age of
// each cached document.
func handleGetStats(d *adminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		portals, err := d.store.GetPortals(r.Context())
		if err != nil {
			logger.Error("{main/admin - handleGetStats} load portals: %v", err)
			writeAdminError(w, http.StatusInternalServerError, "failed to load portals")
			return
		}

		now := d.now()
		stats := StatsResponse{
			Uptime:         utils.FormatDuration(now.Sub(d.startedAt)),
			StartedAt:      d.startedAt,
			ActiveSessions: d.tracker.Len(),
			Portals:        len(portals),
			Caches:         make(map[string]CacheStatus, len(cache.Artifacts)),
		}

		for _, p := range portals {
			if p.Enabled {
				stats.EnabledPortals++
			}
			for _, c := range p.Credentials {
				stats.Credentials++
				if d.tracker.CountByCredential(p.ID, c.MAC) > 0 {
					stats.BusyMACs++
				}
			}
		}

		if d.streams != nil {
			stats.WorkerThreads = d.streams.Cap()
			stats.RunningWorkers = d.streams.Running()
		}

		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		stats.MemoryUsage = utils.FormatBytes(int64(m.Alloc))

		for _, a := range cache.Artifacts {
			st := CacheStatus{}
			if at, ok := d.cache.GeneratedAt(a); ok {
				st.Generated = true
				st.GeneratedAt = &at
				st.Age = utils.FormatDuration(now.Sub(at))
			}
			stats.Caches[string(a)] = st
		}

		writeAdminJSON(w, http.StatusOK, stats)
	}
}

// handleGetPortals lists every portal with its credentials in current
// rotation order.
func handleGetPortals(d *adminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		portals, err := d.store.GetPortals(r.Context())
		if err != nil {
			logger.Error("{main/admin - handleGetPortals} load portals: %v", err)
			writeAdminError(w, http.StatusInternalServerError, "failed to load portals")
			return
		}

		out := make([]PortalSummary, 0, len(portals))
		for _, p := range portals {
			sum := PortalSummary{
				ID:              p.ID,
				Name:            p.Name,
				Enabled:         p.Enabled,
				StreamsPerMAC:   p.StreamsPerMAC,
				EnabledChannels: len(p.EnabledChannels),
				Credentials:     make([]CredentialSummary, 0, len(p.Credentials)),
			}
			for i, c := range p.Credentials {
				sum.Credentials = append(sum.Credentials, CredentialSummary{
					Position:  i,
					MAC:       utils.LogMAC(d.obfuscate, c.MAC),
					Sessions:  d.tracker.CountByCredential(p.ID, c.MAC),
					Free:      d.pool.IsFree(p, c.MAC),
					ExpiresAt: c.ExpiresAt,
				})
			}
			out = append(out, sum)
		}

		writeAdminJSON(w, http.StatusOK, out)
	}
}

// handleRotateCredential moves the MAC named in the request body to the end
// of the portal's rotation order.
func handleRotateCredential(d *adminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		portalID := mux.Vars(r)["portalId"]

		var body struct {
			MAC string `json:"mac"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err != nil || body.MAC == "" {
			writeAdminError(w, http.StatusBadRequest, "body must be {\"mac\": \"...\"}")
			return
		}

		portals, err := d.store.GetPortals(r.Context())
		if err != nil {
			writeAdminError(w, http.StatusInternalServerError, "failed to load portals")
			return
		}
		portal, ok := types.FindPortal(portals, portalID)
		if !ok {
			writeAdminError(w, http.StatusNotFound, "unknown portal")
			return
		}
		if !hasCredential(portal, body.MAC) {
			writeAdminError(w, http.StatusNotFound, "unknown credential")
			return
		}

		if err := d.pool.RotateToEnd(r.Context(), portalID, body.MAC, "manual"); err != nil {
			if errors.Is(err, types.ErrUnknownPortal) {
				writeAdminError(w, http.StatusNotFound, "unknown portal")
				return
			}
			logger.Error("{main/admin - handleRotateCredential} %v", err)
			writeAdminError(w, http.StatusInternalServerError, "rotation failed")
			return
		}

		writeAdminJSON(w, http.StatusOK, map[string]string{"status": "rotated"})
	}
}

// handleInvalidateCache drops the named documents, or all of them when the
// body is empty, so the next read regenerates them.
func handleInvalidateCache(d *adminDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Artifacts []string `json:"artifacts"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeAdminError(w, http.StatusBadRequest, "malformed body")
			return
		}

		targets := cache.Artifacts
		if len(body.Artifacts) > 0 {
			targets = nil
			for _, name := range body.Artifacts {
				a, ok := parseArtifact(name)
				if !ok {
					writeAdminError(w, http.StatusBadRequest, fmt.Sprintf("unknown artifact %q", name))
					return
				}
				targets = append(targets, a)
			}
		}

		d.cache.Invalidate(targets...)

		names := make([]string, len(targets))
		for i, a := range targets {
			names[i] = string(a)
		}
		logger.Info("{main/admin - handleInvalidateCache} invalidated %v", names)
		writeAdminJSON(w, http.StatusOK, map[string][]string{"invalidated": names})
	}
}

func parseArtifact(name string) (cache.Artifact, bool) {
	for _, a := range cache.Artifacts {
		if string(a) == name {
			return a, true
		}
	}
	return "", false
}

func hasCredential(p types.Portal, mac string) bool {
	for _, c := range p.Credentials {
		if c.MAC == mac {
			return true
		}
	}
	return false
}

func writeAdminJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{main/admin - writeAdminJSON} encode: %v", err)
	}
}

func writeAdminError(w http.ResponseWriter, status int, msg string) {
	writeAdminJSON(w, status, map[string]string{"error": msg})
}
