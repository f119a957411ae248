package config

import "strings"

// StreamMethod selects how player requests are served once a stream URL has
// been resolved.
type StreamMethod string

const (
	StreamMethodFFmpeg   StreamMethod = "ffmpeg"   // relay through a transcode process
	StreamMethodRedirect StreamMethod = "redirect" // 302 the client to the upstream URL
)

// DefaultFFmpegCommand is the player-mode directive template. <url>, <proxy>
// and <timeout> are substituted per session; an empty proxy drops the option
// that carries it.
const DefaultFFmpegCommand = "-re -http_proxy <proxy> -timeout <timeout> -i <url> -map 0 -codec copy -f mpegts -flush_packets 1 -fflags nobuffer -flags low_delay -strict experimental pipe:"

// Settings is the runtime-tunable gateway configuration persisted by the portal
// store. The zero value is not useful; start from DefaultSettings so that keys
// absent from storage keep their defaults.
type Settings struct {
	StreamMethod      StreamMethod `json:"streamMethod"`
	FFmpegCommand     string       `json:"ffmpegCommand"`
	FFmpegTimeout     int          `json:"ffmpegTimeout"` // seconds
	TestStreams       bool         `json:"testStreams"`
	TryAllMACs        bool         `json:"tryAllMacs"`
	UseChannelGenres  bool         `json:"useChannelGenres"`
	UseChannelNumbers bool         `json:"useChannelNumbers"`
	SortByName        bool         `json:"sortByName"`
	SortByNumber      bool         `json:"sortByNumber"`
	SortByGenre       bool         `json:"sortByGenre"`
	EnableSecurity    bool         `json:"enableSecurity"`
	Username          string       `json:"username"`
	Password          string       `json:"password"` // bcrypt hash or plain text
	EnableHDHR        bool         `json:"enableHdhr"`
	HDHRName          string       `json:"hdhrName"`
	HDHRID            string       `json:"hdhrId"`
	HDHRTuners        int          `json:"hdhrTuners"`
}

// DefaultSettings returns the settings a fresh installation starts with.
// HDHRID is left empty; the server assigns and persists one on first start.
func DefaultSettings() Settings {
	return Settings{
		StreamMethod:      StreamMethodFFmpeg,
		FFmpegCommand:     DefaultFFmpegCommand,
		FFmpegTimeout:     5,
		TestStreams:       true,
		TryAllMACs:        true,
		UseChannelGenres:  true,
		UseChannelNumbers: true,
		SortByName:        false,
		SortByNumber:      true,
		SortByGenre:       false,
		EnableSecurity:    false,
		Username:          "admin",
		Password:          "12345",
		EnableHDHR:        true,
		HDHRName:          "MacReplay",
		HDHRTuners:        10,
	}
}

// Normalize replaces invalid values with their defaults.
func (s *Settings) Normalize() {
	d := DefaultSettings()

	switch StreamMethod(strings.ToLower(string(s.StreamMethod))) {
	case StreamMethodRedirect:
		s.StreamMethod = StreamMethodRedirect
	case StreamMethodFFmpeg:
		s.StreamMethod = StreamMethodFFmpeg
	default:
		s.StreamMethod = d.StreamMethod
	}
	if strings.TrimSpace(s.FFmpegCommand) == "" {
		s.FFmpegCommand = d.FFmpegCommand
	}
	if s.FFmpegTimeout <= 0 {
		s.FFmpegTimeout = d.FFmpegTimeout
	}
	if s.HDHRName == "" {
		s.HDHRName = d.HDHRName
	}
	if s.HDHRTuners <= 0 {
		s.HDHRTuners = d.HDHRTuners
	}
}

// TimeoutMicros is the configured upstream timeout in the unit ffmpeg and
// ffprobe expect for -timeout.
func (s Settings) TimeoutMicros() int64 {
	return int64(s.FFmpegTimeout) * 1_000_000
}
