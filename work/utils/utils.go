package utils

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/grafana/regexp"
)

var macRe = regexp.MustCompile(`^(?:[0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

// IsMAC reports whether s is a colon separated hardware address.
func IsMAC(s string) bool {
	return macRe.MatchString(s)
}

// LogURL returns either the original URL or an obfuscated version for logging
func LogURL(obfuscate bool, url string) string {
	if obfuscate {
		return ObfuscateURL(url)
	}
	return url
}

// LogMAC returns either the MAC or a masked version for logging
func LogMAC(obfuscate bool, mac string) string {
	if obfuscate {
		return MaskMAC(mac)
	}
	return mac
}

// ObfuscateURL keeps scheme and host and hides path, query and fragment.
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	// Parse the URL
	u, err := url.Parse(urlStr)
	if err != nil || u.Host == "" {
		// If parsing fails, just obfuscate the whole thing
		return "***OBFUSCATED***"
	}

	// Keep scheme and host, obfuscate path and query
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}

	return result
}

// MaskMAC keeps the vendor prefix and the last octet: 00:1A:79:**:**:3F
func MaskMAC(mac string) string {
	if !IsMAC(mac) {
		if len(mac) <= 4 {
			return "****"
		}
		return mac[:2] + strings.Repeat("*", len(mac)-4) + mac[len(mac)-2:]
	}
	parts := strings.Split(mac, ":")
	return strings.Join([]string{parts[0], parts[1], parts[2], "**", "**", parts[5]}, ":")
}

// FormatDuration renders an uptime style duration such as "2d 3h 4m".
func FormatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	} else if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

// FormatBytes renders a byte count with a binary unit suffix, e.g. "1.5 MB".
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
