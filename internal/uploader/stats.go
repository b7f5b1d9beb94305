package uploader

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats summarizes the uploads of one session.
type Stats struct {
	TotalBytes     int64
	BytesPerSecond float64
	ChunksSent     int64
	Failures       int64
	LastError      string
}

type statsTracker struct {
	mu      sync.Mutex
	stats   Stats
	started time.Time
	busy    time.Duration
}

func (s *statsTracker) success(bytes int, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.IsZero() {
		s.started = time.Now().Add(-elapsed)
	}
	s.busy += elapsed
	s.stats.TotalBytes += int64(bytes)
	s.stats.ChunksSent++
}

func (s *statsTracker) failure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Failures++
	s.stats.LastError = err.Error()
}

// snapshot computes the rate over wall time since the first upload.
func (s *statsTracker) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	if !s.started.IsZero() {
		if secs := time.Since(s.started).Seconds(); secs > 0 {
			out.BytesPerSecond = float64(out.TotalBytes) / secs
		}
	}
	return out
}

// Metrics exports upload counters to Prometheus.
type Metrics struct {
	bytes    *prometheus.CounterVec
	chunks   *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the upload metrics and registers them with reg when
// it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webmlive",
			Subsystem: "uploader",
			Name:      "bytes_total",
			Help:      "Chunk bytes uploaded.",
		}, []string{"stream"}),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webmlive",
			Subsystem: "uploader",
			Name:      "chunks_total",
			Help:      "Chunks uploaded.",
		}, []string{"stream"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webmlive",
			Subsystem: "uploader",
			Name:      "failures_total",
			Help:      "Chunk uploads that failed.",
		}, []string{"stream"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "webmlive",
			Subsystem: "uploader",
			Name:      "upload_seconds",
			Help:      "Time spent sending one chunk.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"stream"}),
	}
	if reg != nil {
		reg.MustRegister(m.bytes, m.chunks, m.failures, m.duration)
	}
	return m
}

func (m *Metrics) observe(stream string, bytes int, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.failures.WithLabelValues(stream).Inc()
		return
	}
	m.bytes.WithLabelValues(stream).Add(float64(bytes))
	m.chunks.WithLabelValues(stream).Inc()
	m.duration.WithLabelValues(stream).Observe(elapsed.Seconds())
}
