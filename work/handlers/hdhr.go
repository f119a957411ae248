package handlers

import (
	"net/http"

	"macreplay/work/logger"
	"macreplay/work/middleware"
)

// HDHRGate hides the HDHR routes unless HDHR emulation is enabled. When
// security is on, requests without valid credentials also get a 404, since
// tuner clients treat 401 as a broken device rather than prompting.
func HDHRGate(src middleware.SettingsSource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			settings, err := src.GetSettings(r.Context())
			if err != nil {
				logger.Error("{handlers/hdhr - HDHRGate} load settings: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			allowed := settings.EnableHDHR
			if allowed && settings.EnableSecurity {
				user, pass, ok := r.BasicAuth()
				allowed = ok && middleware.CheckCredentials(settings, user, pass)
			}
			if !allowed {
				http.Error(w, "Error", http.StatusNotFound)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
