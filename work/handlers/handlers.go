package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"macreplay/work/cache"
	"macreplay/work/hdhr"
	"macreplay/work/logger"
	"macreplay/work/middleware"
	"macreplay/work/occupancy"
	"macreplay/work/proxy"
	"macreplay/work/store"
)

// Deps is everything the client-facing routes need.
type Deps struct {
	Store   store.PortalStore
	Cache   *cache.Manager
	Gateway *proxy.Gateway
	Tracker *occupancy.Tracker
	BaseURL string
}

// Register mounts the playlist, guide, streaming and HDHR routes on r.
// /play is never behind basic auth because players cannot send credentials.
func Register(r *mux.Router, d Deps) {
	auth := middleware.BasicAuth(d.Store)

	r.Handle("/playlist.m3u", auth(middleware.Gzip(HandlePlaylist(d.Cache)))).Methods(http.MethodGet)
	r.Handle("/update_playlistm3u", auth(HandleUpdatePlaylist(d.Cache))).Methods(http.MethodPost)
	r.Handle("/xmltv", auth(middleware.Gzip(HandleGuide(d.Cache)))).Methods(http.MethodGet)
	r.Handle("/play/{portalId}/{channelId}", HandlePlay(d.Gateway)).Methods(http.MethodGet)
	r.Handle("/streaming", auth(HandleStreaming(d.Tracker))).Methods(http.MethodGet)

	gate := HDHRGate(d.Store)
	r.Handle("/discover.json", gate(HandleDiscover(d.Store, d.BaseURL))).Methods(http.MethodGet)
	r.Handle("/lineup_status.json", gate(HandleLineupStatus())).Methods(http.MethodGet)
	r.Handle("/lineup.json", gate(middleware.Gzip(HandleLineup(d.Cache)))).Methods(http.MethodGet)
	r.Handle("/lineup.post", gate(middleware.Gzip(HandleLineup(d.Cache)))).Methods(http.MethodPost)
	r.Handle("/refresh_lineup", auth(HandleRefreshLineup(d.Cache))).Methods(http.MethodPost)
}

// HandlePlaylist serves the cached M3U playlist, generating it on first use.
func HandlePlaylist(c *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger.Info("{handlers - HandlePlaylist} playlist requested by %s", r.RemoteAddr)
		serveArtifact(w, r, c, cache.Playlist, "text/plain; charset=utf-8")
	}
}

// HandleUpdatePlaylist rebuilds the playlist immediately.
func HandleUpdatePlaylist(c *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := c.Rebuild(r.Context(), cache.Playlist); err != nil {
			http.Error(w, "Playlist update failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("Playlist updated successfully"))
	}
}

// HandleGuide serves the XMLTV guide, regenerating it when older than
// cache.GuideTTL.
func HandleGuide(c *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger.Info("{handlers - HandleGuide} guide requested by %s", r.RemoteAddr)
		serveArtifact(w, r, c, cache.Guide, "text/xml; charset=utf-8")
	}
}

// HandlePlay hands a stream request to the gateway.
func HandlePlay(g *proxy.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		g.ServePlay(w, r, vars["portalId"], vars["channelId"])
	}
}

// HandleStreaming reports active sessions grouped by portal id.
func HandleStreaming(t *occupancy.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, t.ByPortal())
	}
}

// HandleDiscover serves the HDHR discovery document.
func HandleDiscover(st store.PortalStore, baseURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		settings, err := st.GetSettings(r.Context())
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		logger.Debug("{handlers - HandleDiscover} discovered by %s", r.RemoteAddr)
		writeJSON(w, http.StatusOK, hdhr.NewDiscover(baseURL, settings))
	}
}

// HandleLineupStatus serves the fixed HDHR scan status.
func HandleLineupStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, hdhr.Status())
	}
}

// HandleLineup serves the HDHR lineup, generating it while it is empty.
func HandleLineup(c *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serveArtifact(w, r, c, cache.Lineup, "application/json")
	}
}

// HandleRefreshLineup rebuilds the lineup immediately.
func HandleRefreshLineup(c *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := c.Rebuild(r.Context(), cache.Lineup); err != nil {
			http.Error(w, "Lineup refresh failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "Lineup refreshed successfully"})
	}
}

func serveArtifact(w http.ResponseWriter, r *http.Request, c *cache.Manager, a cache.Artifact, contentType string) {
	payload, err := c.Get(r.Context(), a)
	if err != nil {
		logger.Error("{handlers - serveArtifact} %s: %v", a, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{handlers - writeJSON} encode: %v", err)
	}
}
