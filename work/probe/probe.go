// Package probe checks that a candidate stream URL is playable before a
// client session is committed to it.
package probe

import (
	"context"
	"os/exec"
	"strconv"
	"time"

	"macreplay/work/logger"
	"macreplay/work/metrics"
	"macreplay/work/procgroup"
	"macreplay/work/restream"
	"macreplay/work/utils"
)

// Validator reports whether url can be opened through proxy within the
// upstream timeout.
type Validator interface {
	Probe(ctx context.Context, url, proxy string, timeoutMicros int64) bool
}

// Disabled accepts every URL without spawning anything.
type Disabled struct{}

func (Disabled) Probe(ctx context.Context, url, proxy string, timeoutMicros int64) bool {
	metrics.ProbeResults.WithLabelValues("skipped").Inc()
	return true
}

// FFprobe validates URLs by running ffprobe against them.
type FFprobe struct {
	Path      string        // ffprobe binary
	Grace     time.Duration // added to the upstream timeout to form the hard deadline
	Obfuscate bool
}

// NewFFprobe returns a validator running the binary at path.
func NewFFprobe(path string, obfuscate bool) *FFprobe {
	return &FFprobe{Path: path, Grace: 5 * time.Second, Obfuscate: obfuscate}
}

// Probe runs ffprobe and reports whether it exited successfully before the
// deadline. The process group is killed and reaped on every path.
func (f *FFprobe) Probe(ctx context.Context, url, proxy string, timeoutMicros int64) bool {
	args, err := Args(url, proxy, timeoutMicros)
	if err != nil {
		logger.Warn("{probe - Probe} refusing to probe %s: %v", utils.LogURL(f.Obfuscate, url), err)
		metrics.ProbeResults.WithLabelValues("failed").Inc()
		return false
	}

	deadline := time.Duration(timeoutMicros)*time.Microsecond + f.Grace
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.Path, args...)
	procgroup.Bind(cmd, time.Second)

	start := time.Now()
	err = cmd.Run()
	if err != nil {
		logger.Debug("{probe - Probe} %s failed after %s: %v", utils.LogURL(f.Obfuscate, url), time.Since(start).Round(time.Millisecond), err)
		metrics.ProbeResults.WithLabelValues("failed").Inc()
		return false
	}

	logger.Debug("{probe - Probe} %s ok in %s", utils.LogURL(f.Obfuscate, url), time.Since(start).Round(time.Millisecond))
	metrics.ProbeResults.WithLabelValues("ok").Inc()
	return true
}

// Args builds the ffprobe argument list after validating url and proxy.
func Args(url, proxy string, timeoutMicros int64) ([]string, error) {
	if err := restream.ValidateInputURL(url); err != nil {
		return nil, err
	}
	var args []string
	if proxy != "" {
		if err := restream.ValidateProxy(proxy); err != nil {
			return nil, err
		}
		args = append(args, "-http_proxy", proxy)
	}
	args = append(args, "-v", "error", "-timeout", strconv.FormatInt(timeoutMicros, 10), "-i", url)
	return args, nil
}
