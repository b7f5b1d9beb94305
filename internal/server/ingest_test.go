package server

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webmproject/webmlive-sub001/internal/webmio"
)

func TestHubIngestSerializesPerStream(t *testing.T) {
	hub := NewHub("", NewMetrics(prometheus.NewRegistry()), testLogger())
	defer hub.Close()

	var inside, overlaps atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := hub.Ingest("cam-1", func(s *Stream) error {
				if inside.Add(1) > 1 {
					overlaps.Add(1)
				}
				time.Sleep(2 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Zero(t, overlaps.Load())
	assert.Len(t, hub.List(), 1)
}

func TestHubIngestWriteAfterReset(t *testing.T) {
	hub := NewHub("", NewMetrics(prometheus.NewRegistry()), testLogger())
	defer hub.Close()

	chunks := muxChunks(t)
	for i, c := range chunks {
		err := hub.Ingest("cam-2", func(s *Stream) error {
			if i == 0 {
				if err := s.Reset("Porch"); err != nil {
					return err
				}
			}
			return s.Write(c)
		})
		require.NoError(t, err)
	}

	info := hub.List()[0]
	assert.Equal(t, "Porch", info.Name)
	assert.Equal(t, 1, info.Segments)
	assert.EqualValues(t, len(chunks), info.Chunks)
	assert.EqualValues(t, 3, info.Clusters)
}

// hugeCluster returns the header of a cluster declaring 2^44 bytes followed
// by its timecode.
func hugeCluster() []byte {
	b := webmio.AppendID(nil, webmio.ElementCluster.ID)
	b = webmio.AppendSize(b, 1<<44)
	return append(b, blockElement(webmio.ElementTimecode.ID, []byte{0})...)
}

func blockElement(id uint32, body []byte) []byte {
	b := webmio.AppendID(nil, id)
	b = webmio.AppendSize(b, uint64(len(body)))
	return append(b, body...)
}

func simpleBlock(size int) []byte {
	return blockElement(webmio.ElementSimpleBlock.ID, append([]byte{0x81, 0x00, 0x00, 0x80}, make([]byte, size)...))
}

func TestStreamPendingLimit(t *testing.T) {
	hub := NewHub("", NewMetrics(prometheus.NewRegistry()), testLogger())
	hub.maxPending = 4096
	defer hub.Close()

	stream := hub.Get("cam-3")
	require.NoError(t, stream.Reset("Garage"))
	require.NoError(t, stream.Write(muxChunks(t)[0]))
	require.NoError(t, stream.Write(hugeCluster()))

	var err error
	var accepted int
	for i := 0; i < 16 && err == nil; i++ {
		if err = stream.Write(simpleBlock(1000)); err == nil {
			accepted++
		}
	}
	require.ErrorIs(t, err, ErrPendingTooLarge)
	assert.Equal(t, 4, accepted)
	assert.Nil(t, stream.window, "pending bytes are released")
	assert.ErrorIs(t, stream.Write(simpleBlock(10)), ErrStreamFailed)
	assert.Contains(t, stream.Info().LastError, "pending data too large")

	// A new segment clears the failure.
	require.NoError(t, stream.Reset(""))
	for _, c := range muxChunks(t) {
		require.NoError(t, stream.Write(c))
	}
	assert.EqualValues(t, 3, stream.Info().Clusters)
}

func TestUploadPendingLimitStatus(t *testing.T) {
	s := New(Config{MaxPendingBytes: 2048}, testLogger())
	ts := httptest.NewServer(s.Handler())
	defer func() {
		s.Hub().Close()
		ts.Close()
	}()

	url := ts.URL + "/upload/cam-4"
	assert.Equal(t, http.StatusNoContent, post(t, url, 1, muxChunks(t)[0]).StatusCode)
	assert.Equal(t, http.StatusNoContent, post(t, url, 2, hugeCluster()).StatusCode)
	assert.Equal(t, http.StatusNoContent, post(t, url, 3, simpleBlock(1000)).StatusCode)
	assert.Equal(t, http.StatusRequestEntityTooLarge, post(t, url, 4, simpleBlock(1500)).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(t, url, 5, simpleBlock(10)).StatusCode)
}
