//go:build unix

package restream

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"macreplay/work/occupancy"
	"macreplay/work/procgroup"
	"macreplay/work/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingRotator struct {
	mu      sync.Mutex
	reasons []string
}

func (r *recordingRotator) RotateToEnd(ctx context.Context, portalID, mac, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, portalID+"/"+mac+"/"+reason)
	return nil
}

func (r *recordingRotator) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reasons...)
}

func fakeFFmpeg(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

func request() Request {
	return Request{
		PortalID:      "p1",
		PortalName:    "Portal One",
		MAC:           "00:1A:79:00:00:01",
		ChannelID:     "42",
		ChannelName:   "News",
		ClientAddr:    "10.0.0.9",
		URL:           "http://cdn.example/live.ts",
		StreamsPerMAC: 1,
		Mode:          ModePlayer,
		Template:      "-i <url> pipe:",
		TimeoutMicros: 1_000_000,
	}
}

func TestSessionRelaysOutputAndReleasesOccupancy(t *testing.T) {
	tr := occupancy.New()
	rot := &recordingRotator{}
	m := NewManager(fakeFFmpeg(t, `printf 'mpegts-bytes'`), tr, rot, nil, false)

	s, err := m.Start(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, 1, tr.CountByCredential("p1", "00:1A:79:00:00:01"))

	var out bytes.Buffer
	require.NoError(t, s.Pipe(&out))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, "mpegts-bytes", out.String())
	assert.EqualValues(t, len("mpegts-bytes"), s.Bytes())
	assert.Zero(t, tr.Len())
	assert.Empty(t, rot.calls())
}

func TestCloseSignalsOnlyUnreapedProcess(t *testing.T) {
	tests := []struct {
		name      string
		script    string
		pipe      bool
		wantKills int
	}{
		{"clean exit already reaped", `printf done`, true, 0},
		{"abnormal exit already reaped", `printf x; exit 3`, true, 0},
		{"still running", "sleep 30", false, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := occupancy.New()
			m := NewManager(fakeFFmpeg(t, tt.script), tr, nil, nil, false)
			var mu sync.Mutex
			kills := 0
			m.kill = func(cmd *exec.Cmd) error {
				mu.Lock()
				kills++
				mu.Unlock()
				return procgroup.Kill(cmd)
			}

			s, err := m.Start(context.Background(), request())
			require.NoError(t, err)
			if tt.pipe {
				var out bytes.Buffer
				_ = s.Pipe(&out)
			}
			require.NoError(t, s.Close())
			require.NoError(t, s.Close())

			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, tt.wantKills, kills)
			assert.Zero(t, tr.Len())
		})
	}
}

func TestStartRefusesFullCredential(t *testing.T) {
	tr := occupancy.New()
	m := NewManager(fakeFFmpeg(t, "sleep 30"), tr, nil, nil, false)

	first, err := m.Start(context.Background(), request())
	require.NoError(t, err)
	defer first.Close()

	_, err = m.Start(context.Background(), request())
	assert.ErrorIs(t, err, types.ErrNoCapacity)
	assert.Equal(t, 1, tr.Len())
}

func TestStartSpawnFailureRotates(t *testing.T) {
	tr := occupancy.New()
	rot := &recordingRotator{}
	m := NewManager(filepath.Join(t.TempDir(), "missing-ffmpeg"), tr, rot, nil, false)

	_, err := m.Start(context.Background(), request())
	assert.ErrorIs(t, err, types.ErrProcessSpawnFailed)
	assert.Zero(t, tr.Len())
	assert.Equal(t, []string{"p1/00:1A:79:00:00:01/spawn"}, rot.calls())
}

func TestStartRejectsBadURLWithoutRotation(t *testing.T) {
	tr := occupancy.New()
	rot := &recordingRotator{}
	m := NewManager(fakeFFmpeg(t, "exit 0"), tr, rot, nil, false)

	req := request()
	req.URL = "-f lavfi"
	_, err := m.Start(context.Background(), req)
	assert.ErrorIs(t, err, types.ErrProcessSpawnFailed)
	assert.Zero(t, tr.Len())
	assert.Empty(t, rot.calls())
}

func TestAbnormalExitRotates(t *testing.T) {
	tr := occupancy.New()
	rot := &recordingRotator{}
	m := NewManager(fakeFFmpeg(t, "printf x; exit 1"), tr, rot, nil, false)

	s, err := m.Start(context.Background(), request())
	require.NoError(t, err)

	var out bytes.Buffer
	assert.Error(t, s.Pipe(&out))
	s.Close()

	assert.Equal(t, []string{"p1/00:1A:79:00:00:01/exit"}, rot.calls())
	assert.Zero(t, tr.Len())
}

func TestClientDisconnectKillsProcessWithoutRotation(t *testing.T) {
	tr := occupancy.New()
	rot := &recordingRotator{}
	m := NewManager(fakeFFmpeg(t, "while true; do printf x; sleep 0.05; done"), tr, rot, nil, false)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := m.Start(ctx, request())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		var out bytes.Buffer
		done <- s.Pipe(&out)
	}()

	time.Sleep(150 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop after cancellation")
	}
	s.Close()

	assert.Empty(t, rot.calls())
	assert.Zero(t, tr.Len())
}

func TestPreviewModeIgnoresTemplate(t *testing.T) {
	tr := occupancy.New()
	// echo the arguments back so the test can see which directive ran
	m := NewManager(fakeFFmpeg(t, `printf '%s ' "$@"`), tr, nil, nil, false)

	req := request()
	req.Mode = ModePreview
	req.Template = "garbage without url"
	s, err := m.Start(context.Background(), req)
	require.NoError(t, err)
	defer s.Close()

	var out bytes.Buffer
	require.NoError(t, s.Pipe(&out))
	assert.Contains(t, out.String(), "-movflags frag_keyframe+empty_moov pipe:")
}
