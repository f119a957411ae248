package restream

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/grafana/regexp"
)

// placeholderRe matches the substitution points recognised in a directive
// template.
var placeholderRe = regexp.MustCompile(`<(url|proxy|timeout)>`)

var inputSchemes = map[string]bool{
	"http": true, "https": true,
	"rtmp": true, "rtmps": true,
	"rtsp": true, "rtp": true,
	"udp": true, "mms": true, "mmsh": true,
}

var proxySchemes = map[string]bool{"http": true, "https": true}

// ErrInvalidInput is wrapped by every validation failure.
var ErrInvalidInput = errors.New("invalid media input")

// ValidateInputURL rejects URLs that could be read by ffmpeg as an option, that
// use a protocol other than a network stream protocol, or that carry
// whitespace or control characters.
func ValidateInputURL(raw string) error {
	if err := checkToken(raw); err != nil {
		return fmt.Errorf("%w: url %v", ErrInvalidInput, err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: url %v", ErrInvalidInput, err)
	}
	if !inputSchemes[strings.ToLower(u.Scheme)] {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidInput, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: url has no host", ErrInvalidInput)
	}
	return nil
}

// ValidateProxy applies the same rules to an upstream HTTP proxy URL.
func ValidateProxy(raw string) error {
	if err := checkToken(raw); err != nil {
		return fmt.Errorf("%w: proxy %v", ErrInvalidInput, err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: proxy %v", ErrInvalidInput, err)
	}
	if !proxySchemes[strings.ToLower(u.Scheme)] || u.Host == "" {
		return fmt.Errorf("%w: unsupported proxy %q", ErrInvalidInput, raw)
	}
	return nil
}

func checkToken(s string) error {
	if s == "" {
		return errors.New("is empty")
	}
	if strings.HasPrefix(s, "-") {
		return errors.New("starts with '-'")
	}
	if strings.IndexFunc(s, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0 {
		return errors.New("contains whitespace or control characters")
	}
	return nil
}

// PlayerArgs expands an operator directive template into an argument list.
// The template is split on whitespace before substitution, so a substituted
// value always stays a single argument. When proxy is empty the <proxy>
// token is dropped together with the option that precedes it. A leading
// "ffmpeg" token is ignored; the binary comes from configuration.
func PlayerArgs(template, input, proxy string, timeoutMicros int64) ([]string, error) {
	if err := ValidateInputURL(input); err != nil {
		return nil, err
	}
	if proxy != "" {
		if err := ValidateProxy(proxy); err != nil {
			return nil, err
		}
	}

	tokens := strings.Fields(template)
	if len(tokens) > 0 && strings.TrimSuffix(filepath.Base(tokens[0]), ".exe") == "ffmpeg" {
		tokens = tokens[1:]
	}

	values := map[string]string{
		"<url>":     input,
		"<proxy>":   proxy,
		"<timeout>": strconv.FormatInt(timeoutMicros, 10),
	}

	args := make([]string, 0, len(tokens))
	hasInput := false
	for _, tok := range tokens {
		if !placeholderRe.MatchString(tok) {
			args = append(args, tok)
			continue
		}
		if proxy == "" && strings.Contains(tok, "<proxy>") {
			if n := len(args); n > 0 && strings.HasPrefix(args[n-1], "-") {
				args = args[:n-1]
			}
			continue
		}
		if strings.Contains(tok, "<url>") {
			hasInput = true
		}
		args = append(args, placeholderRe.ReplaceAllStringFunc(tok, func(m string) string {
			return values[m]
		}))
	}

	if !hasInput {
		return nil, errors.New("directive template has no <url> placeholder")
	}
	return args, nil
}

// PreviewArgs is the fixed browser preview directive: the video stream is
// copied into fragmented MP4 so playback can start before the file ends.
func PreviewArgs(input, proxy string) ([]string, error) {
	if err := ValidateInputURL(input); err != nil {
		return nil, err
	}
	args := []string{"-loglevel", "panic", "-hide_banner"}
	if proxy != "" {
		if err := ValidateProxy(proxy); err != nil {
			return nil, err
		}
		args = append(args, "-http_proxy", proxy)
	}
	return append(args,
		"-i", input,
		"-vcodec", "copy",
		"-f", "mp4",
		"-movflags", "frag_keyframe+empty_moov",
		"pipe:",
	), nil
}
