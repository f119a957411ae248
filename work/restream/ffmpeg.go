package restream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"macreplay/work/buffer"
	"macreplay/work/logger"
	"macreplay/work/metrics"
	"macreplay/work/occupancy"
	"macreplay/work/procgroup"
	"macreplay/work/types"
	"macreplay/work/utils"
)

// Mode selects the directive a session runs.
type Mode int

const (
	ModePlayer  Mode = iota // operator template, MPEG-TS for players
	ModePreview             // fixed fragmented MP4 for browsers
)

func (m Mode) String() string {
	if m == ModePreview {
		return "preview"
	}
	return "player"
}

// Rotator moves a credential to the back of its portal's order.
type Rotator interface {
	RotateToEnd(ctx context.Context, portalID, mac, reason string) error
}

// Request describes one relay session.
type Request struct {
	PortalID      string
	PortalName    string
	MAC           string
	ChannelID     string
	ChannelName   string
	ClientAddr    string
	URL           string
	Proxy         string
	StreamsPerMAC int
	Mode          Mode
	Template      string // player mode directive template
	TimeoutMicros int64
}

// Manager spawns transcode processes and accounts for them in the occupancy
// tracker.
type Manager struct {
	FFmpegPath string
	tracker    *occupancy.Tracker
	rotator    Rotator
	buffers    *buffer.BufferPool
	obfuscate  bool
	now        func() time.Time
	kill       func(*exec.Cmd) error
}

// NewManager returns a Manager running the ffmpeg binary at ffmpegPath.
func NewManager(ffmpegPath string, tracker *occupancy.Tracker, rotator Rotator, buffers *buffer.BufferPool, obfuscate bool) *Manager {
	if buffers == nil {
		buffers = buffer.NewBufferPool(buffer.DefaultReadSize)
	}
	return &Manager{
		FFmpegPath: ffmpegPath,
		tracker:    tracker,
		rotator:    rotator,
		buffers:    buffers,
		obfuscate:  obfuscate,
		now:        time.Now,
		kill:       procgroup.Kill,
	}
}

// Start registers the session in the occupancy tracker and spawns the process.
// It fails with types.ErrNoCapacity when the credential filled up after it was
// resolved, and with types.ErrProcessSpawnFailed when the process cannot be
// started; in the latter case the credential is rotated. The process is bound
// to ctx: cancelling ctx kills it.
//
// The caller must Close the returned session.
func (m *Manager) Start(ctx context.Context, req Request) (*Session, error) {
	var args []string
	var err error
	if req.Mode == ModePreview {
		args, err = PreviewArgs(req.URL, req.Proxy)
	} else {
		args, err = PlayerArgs(req.Template, req.URL, req.Proxy, req.TimeoutMicros)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrProcessSpawnFailed, err)
	}

	entry := occupancy.Entry{
		ID:          uuid.NewString(),
		PortalID:    req.PortalID,
		PortalName:  req.PortalName,
		MAC:         req.MAC,
		ChannelID:   req.ChannelID,
		ChannelName: req.ChannelName,
		ClientAddr:  req.ClientAddr,
		StartedAt:   m.now(),
	}
	if !m.tracker.TryAdd(entry, req.StreamsPerMAC) {
		return nil, fmt.Errorf("%w: %s is at capacity", types.ErrNoCapacity, utils.LogMAC(m.obfuscate, req.MAC))
	}

	cmd := exec.CommandContext(ctx, m.FFmpegPath, args...)
	procgroup.Bind(cmd, 2*time.Second)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		m.tracker.Remove(entry)
		return nil, fmt.Errorf("%w: %v", types.ErrProcessSpawnFailed, err)
	}

	if err := cmd.Start(); err != nil {
		m.tracker.Remove(entry)
		m.rotate(ctx, req, "spawn")
		return nil, fmt.Errorf("%w: %v", types.ErrProcessSpawnFailed, err)
	}

	metrics.ActiveStreams.WithLabelValues(req.PortalID).Inc()
	logger.Info("{restream/ffmpeg - Start} occupied %s on %s for %q (%s, client %s)",
		utils.LogMAC(m.obfuscate, req.MAC), req.PortalName, req.ChannelName, req.Mode, req.ClientAddr)
	logger.Debug("{restream/ffmpeg - Start} %s %s", m.FFmpegPath, strings.Join(redact(args, req.URL, m.obfuscate), " "))

	return &Session{
		m:      m,
		ctx:    ctx,
		req:    req,
		entry:  entry,
		cmd:    cmd,
		stdout: stdout,
	}, nil
}

func (m *Manager) rotate(ctx context.Context, req Request, reason string) {
	if m.rotator == nil {
		return
	}
	// the request may already be cancelled; rotation must still be persisted
	if err := m.rotator.RotateToEnd(context.WithoutCancel(ctx), req.PortalID, req.MAC, reason); err != nil {
		logger.Error("{restream/ffmpeg - rotate} rotating %s on %s: %v", utils.LogMAC(m.obfuscate, req.MAC), req.PortalID, err)
	}
}

func redact(args []string, input string, obfuscate bool) []string {
	if !obfuscate {
		return args
	}
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = strings.ReplaceAll(a, input, utils.ObfuscateURL(input))
	}
	return out
}

// Session is one running transcode process and its occupancy entry.
type Session struct {
	m      *Manager
	ctx    context.Context
	req    Request
	entry  occupancy.Entry
	cmd    *exec.Cmd
	stdout io.ReadCloser

	bytes     atomic.Int64
	waitOnce  sync.Once
	waitErr   error
	reaped    atomic.Bool
	closeOnce sync.Once
}

// Entry returns the session's occupancy entry.
func (s *Session) Entry() occupancy.Entry {
	return s.entry
}

// Bytes returns the number of bytes forwarded so far.
func (s *Session) Bytes() int64 {
	return s.bytes.Load()
}

// Pipe forwards process output to w until the process ends, the client
// write fails, or the session context is cancelled. If w is an
// http.Flusher every chunk is flushed. A process that ends on its own with a
// non-zero status rotates the credential and is reported as an error.
func (s *Session) Pipe(w io.Writer) error {
	buf := s.m.buffers.Get()
	defer s.m.buffers.Put(buf)
	chunk := buf.B

	flusher, _ := w.(http.Flusher)
	relayed := metrics.BytesRelayed.WithLabelValues(s.req.PortalID)

	for {
		n, rerr := s.stdout.Read(chunk)
		if n > 0 {
			if _, werr := w.Write(chunk[:n]); werr != nil {
				return fmt.Errorf("client write: %w", werr)
			}
			if flusher != nil {
				flusher.Flush()
			}
			s.bytes.Add(int64(n))
			relayed.Add(float64(n))
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) || errors.Is(rerr, os.ErrClosed) {
				return s.finish()
			}
			return fmt.Errorf("read transcoder output: %w", rerr)
		}
	}
}

// finish reaps a process whose output ended and classifies its exit.
func (s *Session) finish() error {
	err := s.wait()
	if s.ctx.Err() != nil {
		// we killed it because the client left
		return nil
	}
	if err != nil {
		logger.Warn("{restream/ffmpeg - finish} transcoder for %q on %s exited abnormally after %d bytes: %v",
			s.req.ChannelName, s.req.PortalName, s.bytes.Load(), err)
		s.m.rotate(s.ctx, s.req, "exit")
		return fmt.Errorf("transcoder exited: %w", err)
	}
	logger.Debug("{restream/ffmpeg - finish} transcoder for %q ended cleanly", s.req.ChannelName)
	return nil
}

func (s *Session) wait() error {
	s.waitOnce.Do(func() {
		s.waitErr = s.cmd.Wait()
		s.reaped.Store(true)
	})
	return s.waitErr
}

// Close kills the process group if the process has not been reaped yet,
// reaps it and releases the occupancy entry. A reaped leader's pid can be
// recycled, so its group is never signalled. It is safe to call more than
// once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if !s.reaped.Load() {
			if err := s.m.kill(s.cmd); err != nil {
				logger.Warn("{restream/ffmpeg - Close} kill: %v", err)
			}
		}
		s.wait()
		s.m.tracker.Remove(s.entry)
		metrics.ActiveStreams.WithLabelValues(s.req.PortalID).Dec()
		logger.Info("{restream/ffmpeg - Close} unoccupied %s on %s after %d bytes",
			utils.LogMAC(s.m.obfuscate, s.req.MAC), s.req.PortalName, s.bytes.Load())
	})
	return nil
}
