package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webmproject/webmlive-sub001/internal/muxer"
	"github.com/webmproject/webmlive-sub001/internal/uploader"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// muxChunks returns the chunks of a video-only stream with three clusters.
func muxChunks(t *testing.T) [][]byte {
	t.Helper()
	m := muxer.New(testLogger())
	require.NoError(t, m.Init(1000, "relay-test"))
	require.NoError(t, m.AddVideoTrack(muxer.VideoConfig{Format: muxer.VideoFormatVP8, Width: 320, Height: 240}))

	var chunks [][]byte
	read := func() {
		if n, ok := m.ChunkReady(); ok {
			buf := make([]byte, n)
			_, err := m.ReadChunk(buf)
			require.NoError(t, err)
			chunks = append(chunks, buf)
		}
	}
	for i := 0; i < 30; i++ {
		require.NoError(t, m.WriteVideoFrame(muxer.VideoFrame{
			Data:        bytes.Repeat([]byte{byte(i)}, 200),
			TimestampMs: int64(i * 33),
			Format:      muxer.VideoFormatVP8,
			Keyframe:    i%10 == 0,
		}))
		read()
	}
	require.NoError(t, m.Finalize())
	read()
	require.Len(t, chunks, 4)
	return chunks
}

func newTestServer(t *testing.T, dataDir string) (*Server, *httptest.Server) {
	t.Helper()
	s := New(Config{DataDir: dataDir}, testLogger())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Hub().Close()
		ts.Close()
	})
	return s, ts
}

func post(t *testing.T, url string, seq int, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", uploader.ContentType)
	req.Header.Set(uploader.HeaderChunkSeq, strconv.Itoa(seq))
	req.Header.Set(uploader.HeaderStreamName, "Front door")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp
}

func listStreams(t *testing.T, base string) []StreamInfo {
	t.Helper()
	resp, err := http.Get(base + "/api/streams")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Streams []StreamInfo `json:"streams"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Streams
}

func TestUploadAndRecord(t *testing.T) {
	dir := t.TempDir()
	_, ts := newTestServer(t, dir)
	chunks := muxChunks(t)

	for i, c := range chunks {
		resp := post(t, ts.URL+"/upload/cam", i+1, c)
		require.Equal(t, http.StatusNoContent, resp.StatusCode, "chunk %d", i+1)
	}

	streams := listStreams(t, ts.URL)
	require.Len(t, streams, 1)
	info := streams[0]
	assert.Equal(t, "cam", info.ID)
	assert.Equal(t, "Front door", info.Name)
	assert.True(t, info.Live)
	assert.Equal(t, int64(4), info.Chunks)
	assert.Equal(t, int64(3), info.Clusters)
	assert.Equal(t, []string{"V_VP8"}, info.Tracks)
	assert.True(t, strings.HasPrefix(info.WritingApp, "webmlive v"))

	files, err := filepath.Glob(filepath.Join(dir, "cam", "*.webm"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	stored, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, bytes.Join(chunks, nil), stored)
}

func TestUploadMergedChunks(t *testing.T) {
	_, ts := newTestServer(t, "")
	chunks := muxChunks(t)

	// A busy uploader sends several clusters in one chunk, and a chunk may
	// end anywhere once merged by a proxy.
	all := bytes.Join(chunks, nil)
	cut := len(chunks[0]) + 10
	require.Equal(t, http.StatusNoContent, post(t, ts.URL+"/upload/cam", 1, all[:cut]).StatusCode)
	require.Equal(t, http.StatusNoContent, post(t, ts.URL+"/upload/cam", 2, all[cut:]).StatusCode)

	info := listStreams(t, ts.URL)[0]
	assert.Equal(t, int64(3), info.Clusters)
}

func TestUploadMalformed(t *testing.T) {
	_, ts := newTestServer(t, "")
	chunks := muxChunks(t)

	resp := post(t, ts.URL+"/upload/cam", 1, []byte("definitely not webm"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, ts.URL+"/upload/cam", 2, chunks[1])
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "stream stays failed")

	info := listStreams(t, ts.URL)[0]
	assert.False(t, info.Live)
	assert.NotEmpty(t, info.LastError)

	// A new session starts over.
	for i, c := range chunks {
		require.Equal(t, http.StatusNoContent, post(t, ts.URL+"/upload/cam", i+1, c).StatusCode)
	}
	info = listStreams(t, ts.URL)[0]
	assert.True(t, info.Live)
	assert.Equal(t, 2, info.Segments)
}

func TestUploadRejectsBadStreamID(t *testing.T) {
	_, ts := newTestServer(t, "")
	resp := post(t, ts.URL+"/upload/bad%20id", 1, []byte{1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err := http.Get(ts.URL + "/upload/cam")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestLiveViewer(t *testing.T) {
	s, ts := newTestServer(t, "")
	chunks := muxChunks(t)

	resp, err := http.Get(ts.URL + "/live/cam")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, uploader.ContentType, resp.Header.Get("Content-Type"))

	stream := s.Hub().Get("cam")
	require.Eventually(t, func() bool { return stream.broadcaster.SubscriberCount() == 1 },
		5*time.Second, time.Millisecond)

	received := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(resp.Body)
		received <- data
	}()

	for i, c := range chunks {
		require.Equal(t, http.StatusNoContent, post(t, ts.URL+"/upload/cam", i+1, c).StatusCode)
	}
	stream.broadcaster.Close()

	select {
	case data := <-received:
		assert.Equal(t, bytes.Join(chunks, nil), data)
	case <-time.After(5 * time.Second):
		t.Fatal("viewer did not finish")
	}
}

func TestLateViewerGetsHeaderFirst(t *testing.T) {
	s, ts := newTestServer(t, "")
	chunks := muxChunks(t)
	for i, c := range chunks[:2] {
		require.Equal(t, http.StatusNoContent, post(t, ts.URL+"/upload/cam", i+1, c).StatusCode)
	}

	resp, err := http.Get(ts.URL + "/live/cam")
	require.NoError(t, err)
	defer resp.Body.Close()

	header := make([]byte, len(chunks[0]))
	_, err = io.ReadFull(resp.Body, header)
	require.NoError(t, err)
	assert.Equal(t, chunks[0], header)

	stream := s.Hub().Get("cam")
	require.Eventually(t, func() bool { return stream.broadcaster.SubscriberCount() == 1 },
		5*time.Second, time.Millisecond)
	require.Equal(t, http.StatusNoContent, post(t, ts.URL+"/upload/cam", 3, chunks[2]).StatusCode)

	next := make([]byte, len(chunks[2]))
	_, err = io.ReadFull(resp.Body, next)
	require.NoError(t, err)
	assert.Equal(t, chunks[2], next, "clusters sent before the viewer joined are skipped")
}

func TestWebSocketUpload(t *testing.T) {
	s, ts := newTestServer(t, "")
	chunks := muxChunks(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/upload/cam"
	up := uploader.New(uploader.Config{URL: url, StreamID: "cam", StreamName: "Garage"},
		uploader.NewWebSocketTransport(nil, testLogger()), nil, testLogger())
	require.NoError(t, up.Start(context.Background()))

	for _, c := range chunks {
		require.Eventually(t, func() bool { return up.UploadBuffer(c) == nil }, 5*time.Second, time.Millisecond)
	}
	require.Eventually(t, func() bool { return !up.Busy() }, 5*time.Second, time.Millisecond)

	stream := s.Hub().Get("cam")
	require.Eventually(t, func() bool { return stream.Info().Clusters == 3 }, 5*time.Second, time.Millisecond)
	require.NoError(t, up.Stop())

	info := stream.Info()
	assert.Equal(t, "Garage", info.Name)
	assert.Equal(t, int64(4), info.Chunks)
	assert.Zero(t, up.Stats().Failures)
}

func TestMetricsAndHealth(t *testing.T) {
	_, ts := newTestServer(t, "")
	chunks := muxChunks(t)
	require.Equal(t, http.StatusNoContent, post(t, ts.URL+"/upload/cam", 1, chunks[0]).StatusCode)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `webmlive_relay_chunks_received_total{stream="cam"} 1`)

	resp, err = http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
}
