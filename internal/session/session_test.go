package session

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webmproject/webmlive-sub001/internal/capture"
	"github.com/webmproject/webmlive-sub001/internal/muxer"
	"github.com/webmproject/webmlive-sub001/internal/parser"
	"github.com/webmproject/webmlive-sub001/internal/uploader"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func patternSource(d time.Duration) *capture.TestPatternSource {
	cfg := capture.DefaultPatternConfig()
	cfg.Realtime = false
	cfg.Duration = d
	return capture.NewTestPatternSource(cfg, testLogger())
}

// parseAll runs data through a fresh parser and returns the number of
// clusters it found.
func parseAll(t *testing.T, data []byte) int64 {
	t.Helper()
	p := parser.New(testLogger())
	window := data
	for len(window) > 0 {
		n, err := p.Parse(window)
		require.NoError(t, err)
		window = window[n:]
	}
	assert.Equal(t, int64(len(data)), p.TotalParsed())
	return p.ClustersParsed()
}

func TestRunWritesOutputOnly(t *testing.T) {
	var out bytes.Buffer
	s := New(Config{ClusterDurationMs: 1000, ID: "file-only", Output: &out}, patternSource(2*time.Second), nil, testLogger())
	require.NoError(t, s.Run(context.Background()))

	st := s.Stats()
	assert.Equal(t, int64(3), st.Chunks, "header group plus one chunk per keyframe cluster")
	assert.Equal(t, int64(out.Len()), st.Bytes)
	assert.Equal(t, st.Muxer.BytesBuffered, st.Bytes)
	assert.Equal(t, int64(60), st.Muxer.VideoFrames)
	assert.Equal(t, int64(100), st.Muxer.AudioFrames)
	assert.Equal(t, int64(2), parseAll(t, out.Bytes()))
}

func TestRunUploadsEverything(t *testing.T) {
	var mu sync.Mutex
	var uploaded bytes.Buffer
	var posts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		// Slow enough that the encoder has to defer chunks.
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		uploaded.Write(body)
		posts++
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	up := uploader.New(uploader.Config{URL: srv.URL + "/upload/cam", StreamID: "cam"},
		uploader.NewHTTPTransport(srv.Client(), testLogger()), nil, testLogger())

	var file bytes.Buffer
	s := New(Config{ClusterDurationMs: 1000, ID: "cam", Output: &file, PollInterval: time.Millisecond},
		patternSource(5*time.Second), up, testLogger())
	require.NoError(t, s.Run(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, file.Bytes(), uploaded.Bytes(), "uploads arrive whole and in order")
	assert.Equal(t, int64(5), parseAll(t, uploaded.Bytes()))

	st := s.Stats()
	assert.Equal(t, int64(posts), st.Upload.ChunksSent)
	assert.Equal(t, int64(uploaded.Len()), st.Upload.TotalBytes)
	assert.Zero(t, st.Upload.Failures)
}

func TestRunCancelFinalizes(t *testing.T) {
	cfg := capture.DefaultPatternConfig()
	src := capture.NewTestPatternSource(cfg, testLogger())

	var out bytes.Buffer
	s := New(Config{ClusterDurationMs: 1000, ID: "cancel", Output: &out}, src, nil, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	assert.True(t, s.Stats().Chunks >= 2)
	assert.Equal(t, int64(1), parseAll(t, out.Bytes()))
}

// badSource emits an audio frame whose timestamp the muxer rejects.
type badSource struct {
	*capture.TestPatternSource
}

func (b badSource) VideoConfig() (muxer.VideoConfig, bool) {
	return muxer.VideoConfig{}, false
}

func (b badSource) Start(ctx context.Context) (<-chan capture.Frame, error) {
	ch := make(chan capture.Frame, 2)
	ch <- capture.Frame{Kind: capture.KindAudio, Data: []byte{0x20}, TimestampMs: 0}
	ch <- capture.Frame{Kind: capture.KindAudio, Data: []byte{0x20}, TimestampMs: -5}
	close(ch)
	return ch, nil
}

func (b badSource) Err() error { return nil }

func TestRunMuxErrorIsFatal(t *testing.T) {
	src := badSource{patternSource(time.Second)}
	s := New(Config{ClusterDurationMs: 1000, ID: "bad"}, src, nil, testLogger())
	err := s.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, muxer.ErrInvalidArg)
}

func TestRunWithoutTracks(t *testing.T) {
	cfg := capture.DefaultPatternConfig()
	cfg.Video = false
	cfg.Audio = false
	s := New(Config{ClusterDurationMs: 1000, ID: "empty"}, capture.NewTestPatternSource(cfg, testLogger()), nil, testLogger())
	assert.Error(t, s.Run(context.Background()))
}
