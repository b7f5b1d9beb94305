package server

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/keymutex"

	"github.com/webmproject/webmlive-sub001/internal/parser"
)

var (
	// ErrStreamFailed is returned for uploads to a stream whose data could
	// not be parsed, until the encoder starts a new segment.
	ErrStreamFailed = errors.New("stream failed")
	// ErrPendingTooLarge means the bytes of an unfinished unit outgrew the
	// stream's limit. The stream fails like on a parse error.
	ErrPendingTooLarge = errors.New("pending data too large")
)

// defaultMaxPending bounds the incomplete tail a stream keeps between
// uploads.
const defaultMaxPending = 4 * maxChunkSize

// Metrics are the relay's Prometheus collectors.
type Metrics struct {
	Chunks      *prometheus.CounterVec
	Bytes       *prometheus.CounterVec
	Clusters    *prometheus.CounterVec
	ParseErrors *prometheus.CounterVec
	Viewers     *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webmlive",
			Subsystem: "relay",
			Name:      "chunks_received_total",
			Help:      "Uploaded chunks received.",
		}, []string{"stream"}),
		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webmlive",
			Subsystem: "relay",
			Name:      "bytes_received_total",
			Help:      "Uploaded bytes received.",
		}, []string{"stream"}),
		Clusters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webmlive",
			Subsystem: "relay",
			Name:      "clusters_total",
			Help:      "Complete clusters parsed from uploads.",
		}, []string{"stream"}),
		ParseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webmlive",
			Subsystem: "relay",
			Name:      "parse_errors_total",
			Help:      "Uploads rejected because the stream was malformed.",
		}, []string{"stream"}),
		Viewers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "webmlive",
			Subsystem: "relay",
			Name:      "viewers",
			Help:      "Connected live viewers.",
		}, []string{"stream"}),
	}
	if reg != nil {
		reg.MustRegister(m.Chunks, m.Bytes, m.Clusters, m.ParseErrors, m.Viewers)
	}
	return m
}

// StreamInfo is the JSON view of a stream.
type StreamInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	Live       bool      `json:"live"`
	Segments   int       `json:"segments"`
	Chunks     int64     `json:"chunks"`
	Bytes      int64     `json:"bytes"`
	Clusters   int64     `json:"clusters"`
	Viewers    int       `json:"viewers"`
	Tracks     []string  `json:"tracks,omitempty"`
	WritingApp string    `json:"writing_app,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Stream is the ingest state of one uploaded stream: a buffer parser that
// re-discovers the units, the file they are stored in and the viewers they
// are broadcast to.
type Stream struct {
	id          string
	dataDir     string
	logger      *slog.Logger
	metrics     *Metrics
	broadcaster *Broadcaster

	maxPending int

	mu       sync.Mutex
	name     string
	parser   *parser.BufferParser
	window   []byte
	file     *os.File
	failed   error
	segments int
	chunks   int64
	bytes    int64
	clusters int64
	updated  time.Time
}

func newStream(id, dataDir string, maxPending int, metrics *Metrics, logger *slog.Logger) *Stream {
	logger = logger.With("stream", id)
	return &Stream{
		id:          id,
		dataDir:     dataDir,
		maxPending:  maxPending,
		logger:      logger,
		metrics:     metrics,
		broadcaster: NewBroadcaster(logger),
		updated:     time.Now(),
	}
}

// Reset starts a new segment: the parser starts over at a header group and
// a new file is opened for storage.
func (s *Stream) Reset(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetLocked(name)
}

func (s *Stream) resetLocked(name string) error {
	s.closeLocked()
	if name != "" {
		s.name = name
	}
	s.parser = parser.New(s.logger)
	s.window = nil
	s.failed = nil
	s.segments++

	if s.dataDir == "" {
		return nil
	}
	dir := filepath.Join(s.dataDir, s.id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create stream directory")
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%d.webm", time.Now().UTC().Format("20060102-150405"), s.segments))
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create segment file")
	}
	s.file = f
	s.logger.Info("Recording segment", "path", path)
	return nil
}

// Write appends one uploaded chunk and forwards every complete unit it
// closes. A chunk that breaks the stream returns an error wrapping
// parser.ErrParse, and the stream refuses data until the next Reset.
func (s *Stream) Write(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed != nil {
		return errors.Wrap(ErrStreamFailed, s.failed.Error())
	}
	if s.parser == nil {
		if err := s.resetLocked(""); err != nil {
			return err
		}
	}

	s.chunks++
	s.bytes += int64(len(chunk))
	s.updated = time.Now()
	s.metrics.Chunks.WithLabelValues(s.id).Inc()
	s.metrics.Bytes.WithLabelValues(s.id).Add(float64(len(chunk)))

	s.window = append(s.window, chunk...)
	for {
		headers := s.parser.Mode() == parser.ModeSegmentHeaders
		n, err := s.parser.Parse(s.window)
		if errors.Is(err, parser.ErrNeedMoreData) {
			break
		}
		if err != nil {
			s.failed = err
			s.metrics.ParseErrors.WithLabelValues(s.id).Inc()
			s.logger.Warn("Upload rejected", "offset", s.parser.TotalParsed(), "error", err)
			return errors.Wrap(err, "malformed upload")
		}

		unit := append([]byte(nil), s.window[:n]...)
		s.window = s.window[n:]
		if err := s.emit(unit, headers); err != nil {
			return err
		}
	}
	if len(s.window) > s.maxPending {
		s.failed = errors.Wrapf(ErrPendingTooLarge, "%d bytes at offset %d", len(s.window), s.parser.TotalParsed())
		s.window = nil
		s.logger.Warn("Upload rejected", "error", s.failed)
		return s.failed
	}
	if len(s.window) == 0 {
		s.window = nil
	}
	return nil
}

func (s *Stream) emit(unit []byte, headers bool) error {
	if s.file != nil {
		if _, err := s.file.Write(unit); err != nil {
			return errors.Wrap(err, "failed to store unit")
		}
	}

	if headers {
		s.broadcaster.SetHeader(unit)
		seg := s.parser.Segment()
		s.logger.Info("Segment headers received",
			"size", len(unit),
			"tracks", len(seg.Tracks.TrackEntry),
			"writing_app", seg.Info.WritingApp)
		return nil
	}

	s.clusters++
	s.metrics.Clusters.WithLabelValues(s.id).Inc()
	s.broadcaster.Broadcast(unit)
	el := s.parser.LastElement()
	s.logger.Debug("Unit forwarded", "element", el.Name, "size", len(unit), "timecode", el.Timecode)
	return nil
}

// Finish flushes a trailing unknown-size cluster and closes the segment
// file. Called when an uploader disconnects.
func (s *Stream) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.parser != nil && s.failed == nil && len(s.window) > 0 {
		n, err := s.parser.Flush(s.window)
		if err == nil {
			unit := append([]byte(nil), s.window[:n]...)
			s.window = s.window[n:]
			if err := s.emit(unit, false); err != nil {
				s.logger.Warn("Failed to flush last cluster", "error", err)
			}
		}
		if len(s.window) > 0 {
			s.logger.Warn("Discarding incomplete data", "bytes", len(s.window))
		}
	}
	s.closeLocked()
	s.parser = nil
	s.window = nil
}

func (s *Stream) closeLocked() {
	if s.file == nil {
		return
	}
	if err := s.file.Close(); err != nil {
		s.logger.Warn("Failed to close segment file", "error", err)
	}
	s.file = nil
}

// Info returns a snapshot for the stream list.
func (s *Stream) Info() StreamInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := StreamInfo{
		ID:        s.id,
		Name:      s.name,
		Live:      s.parser != nil && s.failed == nil,
		Segments:  s.segments,
		Chunks:    s.chunks,
		Bytes:     s.bytes,
		Clusters:  s.clusters,
		Viewers:   s.broadcaster.SubscriberCount(),
		UpdatedAt: s.updated,
	}
	if s.parser != nil && s.parser.Mode() == parser.ModeClusters {
		seg := s.parser.Segment()
		info.WritingApp = seg.Info.WritingApp
		for _, t := range seg.Tracks.TrackEntry {
			info.Tracks = append(info.Tracks, t.CodecID)
		}
	}
	if s.failed != nil {
		info.LastError = s.failed.Error()
	}
	return info
}

// Hub holds the streams known to the relay.
type Hub struct {
	dataDir string
	metrics *Metrics
	logger  *slog.Logger

	// maxPending is handed to every new stream.
	maxPending int

	mu      sync.Mutex
	streams map[string]*Stream

	// ingestLock serializes uploads per stream id so a segment reset and
	// its first chunk are applied together.
	ingestLock keymutex.KeyMutex
}

// NewHub creates a hub storing segments under dataDir. An empty dataDir
// disables storage.
func NewHub(dataDir string, metrics *Metrics, logger *slog.Logger) *Hub {
	return &Hub{
		dataDir:    dataDir,
		maxPending: defaultMaxPending,
		metrics:    metrics,
		logger:     logger,
		streams:    make(map[string]*Stream),

		ingestLock: keymutex.NewHashed(0),
	}
}

// Ingest runs fn on the stream with id while holding that stream's upload
// lock.
func (h *Hub) Ingest(id string, fn func(*Stream) error) error {
	h.ingestLock.LockKey(id)
	defer func() {
		if err := h.ingestLock.UnlockKey(id); err != nil {
			h.logger.Warn("Failed to release ingest lock", "stream", id, "error", err)
		}
	}()
	return fn(h.Get(id))
}

// Get returns the stream with id, creating it on first use.
func (h *Hub) Get(id string) *Stream {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.streams[id]
	if !ok {
		s = newStream(id, h.dataDir, h.maxPending, h.metrics, h.logger)
		h.streams[id] = s
	}
	return s
}

// List returns all streams sorted by id.
func (h *Hub) List() []StreamInfo {
	h.mu.Lock()
	streams := make([]*Stream, 0, len(h.streams))
	for _, s := range h.streams {
		streams = append(streams, s)
	}
	h.mu.Unlock()

	infos := make([]StreamInfo, 0, len(streams))
	for _, s := range streams {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Close finishes every stream and disconnects all viewers.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.streams {
		s.Finish()
		s.broadcaster.Close()
	}
}
