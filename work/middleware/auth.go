package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"macreplay/work/config"
	"macreplay/work/logger"
)

// SettingsSource supplies the current gateway settings.
type SettingsSource interface {
	GetSettings(ctx context.Context) (config.Settings, error)
}

const realm = `Basic realm="MacReplay"`

// BasicAuth requires HTTP basic credentials matching the configured username
// and password whenever security is enabled in settings. Settings are read on
// every request so toggling security takes effect immediately. The stored
// password may be a bcrypt hash or plain text.
func BasicAuth(src SettingsSource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			settings, err := src.GetSettings(r.Context())
			if err != nil {
				logger.Error("{middleware/auth - BasicAuth} load settings: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			if !settings.EnableSecurity {
				next.ServeHTTP(w, r)
				return
			}

			user, pass, ok := r.BasicAuth()
			if !ok || !CheckCredentials(settings, user, pass) {
				logger.Warn("{middleware/auth - BasicAuth} rejected %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
				w.Header().Set("WWW-Authenticate", realm)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CheckCredentials reports whether user and pass match settings.
func CheckCredentials(settings config.Settings, user, pass string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(settings.Username)) == 1

	var passOK bool
	if strings.HasPrefix(settings.Password, "$2") {
		passOK = bcrypt.CompareHashAndPassword([]byte(settings.Password), []byte(pass)) == nil
	} else {
		passOK = subtle.ConstantTimeCompare([]byte(pass), []byte(settings.Password)) == 1
	}
	return userOK && passOK
}
