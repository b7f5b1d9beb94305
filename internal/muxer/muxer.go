// Package muxer packages encoded VP8/VP9 and Vorbis frames into a live WebM
// stream and hands it out in chunks aligned on element boundaries: the
// first chunk is the header group (EBML header, Segment, Info, Tracks) and
// every later chunk is exactly one Cluster.
//
// A Muxer is not safe for concurrent use.
package muxer

import (
	"log/slog"

	"github.com/at-wat/ebml-go"
	"github.com/pkg/errors"

	"github.com/webmproject/webmlive-sub001/internal/util"
	"github.com/webmproject/webmlive-sub001/internal/version"
	"github.com/webmproject/webmlive-sub001/internal/webmio"
)

const appName = "webmlive"

// Stats is a snapshot of the muxer counters.
type Stats struct {
	VideoFrames   int64
	AudioFrames   int64
	Clusters      int64
	BytesBuffered int64
	ClockMs       int64
}

// Muxer builds one WebM segment.
type Muxer struct {
	logger *slog.Logger
	id     string

	initialized   bool
	finalized     bool
	headerWritten bool

	timecodeScale        uint64
	maxClusterDurationMs int64
	writingApp           string

	video     *track
	audio     *track
	numTracks uint64

	buf      writeBuffer
	chunkEnd int
	cluster  *cluster
	clockMs  int64
	stats    Stats
}

// New creates a muxer. A nil logger falls back to the global one.
func New(logger *slog.Logger) *Muxer {
	if logger == nil {
		logger = util.GetLogger()
	}
	return &Muxer{logger: logger.With("component", "muxer")}
}

// Init creates the segment in live mode. clusterDurationMs caps the length
// of clusters in streams carrying audio, so chunks keep flowing between
// sparse keyframes.
func (m *Muxer) Init(clusterDurationMs int, id string) error {
	if clusterDurationMs < 1 {
		return errors.Wrapf(ErrInvalidArg, "cluster duration %dms", clusterDurationMs)
	}
	if m.initialized {
		return ErrAlreadyInitialized
	}

	m.id = id
	m.logger = m.logger.With("id", id)
	m.timecodeScale = webmio.DefaultTimecodeScale
	m.maxClusterDurationMs = int64(clusterDurationMs)
	m.writingApp = appName + " v" + version.Version
	m.initialized = true

	m.logger.Debug("Muxer initialized",
		"cluster_duration_ms", clusterDurationMs,
		"writing_app", m.writingApp)
	return nil
}

func (m *Muxer) checkTrackAddable() error {
	if !m.initialized {
		return errors.Wrap(ErrMuxer, "not initialized")
	}
	if m.headerWritten {
		return errors.Wrap(ErrMuxer, "tracks are already written")
	}
	return nil
}

// AddAudioTrack adds the Vorbis track.
func (m *Muxer) AddAudioTrack(cfg AudioConfig, private VorbisCodecPrivate) error {
	if err := m.checkTrackAddable(); err != nil {
		return err
	}
	if m.audio != nil {
		return ErrAudioTrackAlreadyExists
	}

	data, err := private.Marshal()
	if err != nil {
		return err
	}
	t, err := newAudioTrack(m.numTracks+1, cfg, data)
	if err != nil {
		return err
	}

	m.numTracks++
	m.audio = t
	m.logger.Info("Audio track added",
		"track", t.number(),
		"sample_rate", cfg.SampleRate,
		"channels", cfg.Channels,
		"codec_private_size", len(data))
	return nil
}

// AddVideoTrack adds the VP8 or VP9 track.
func (m *Muxer) AddVideoTrack(cfg VideoConfig) error {
	if err := m.checkTrackAddable(); err != nil {
		return err
	}
	if m.video != nil {
		return ErrVideoTrackAlreadyExists
	}

	t := newVideoTrack(m.numTracks+1, cfg)
	m.numTracks++
	m.video = t
	m.logger.Info("Video track added",
		"track", t.number(),
		"codec", t.entry.CodecID,
		"width", cfg.Width,
		"height", cfg.Height)
	return nil
}

// writeHeader emits the header group. It is deferred to the first frame so
// that tracks can be added in any order after Init.
func (m *Muxer) writeHeader() error {
	if m.headerWritten {
		return nil
	}

	hdr := webmio.SegmentHeaders{
		Header: webmio.DefaultEBMLHeader(),
		Segment: webmio.SegmentMetadata{
			Info: webmio.Info{
				TimecodeScale: m.timecodeScale,
				MuxingApp:     m.writingApp,
				WritingApp:    m.writingApp,
			},
		},
	}
	if m.video != nil {
		hdr.Segment.Tracks.TrackEntry = append(hdr.Segment.Tracks.TrackEntry, m.video.entry)
	}
	if m.audio != nil {
		hdr.Segment.Tracks.TrackEntry = append(hdr.Segment.Tracks.TrackEntry, m.audio.entry)
	}

	if err := ebml.Marshal(&hdr, &m.buf); err != nil {
		return errors.Wrap(err, "marshal segment headers")
	}
	m.headerWritten = true
	m.logger.Debug("Segment headers written", "size", m.buf.Len())
	return nil
}

func (m *Muxer) checkWritable() error {
	if !m.initialized {
		return errors.Wrap(ErrMuxer, "not initialized")
	}
	if m.finalized {
		return errors.Wrap(ErrMuxer, "already finalized")
	}
	return nil
}

// WriteVideoFrame appends a video frame.
func (m *Muxer) WriteVideoFrame(f VideoFrame) error {
	if err := m.checkWritable(); err != nil {
		return err
	}
	if m.video == nil {
		return ErrNoVideoTrack
	}
	if len(f.Data) == 0 {
		return errors.Wrap(ErrInvalidArg, "empty video frame")
	}
	if f.Format != VideoFormatVP8 && f.Format != VideoFormatVP9 {
		return errors.Wrapf(ErrInvalidArg, "video format %s", f.Format)
	}
	if f.Format != m.video.format {
		return errors.Wrapf(ErrInvalidArg, "%s frame on a %s track", f.Format, m.video.format)
	}
	if f.TimestampMs < 0 {
		return errors.Wrapf(ErrInvalidArg, "video timestamp %d", f.TimestampMs)
	}

	if err := m.writeHeader(); err != nil {
		return writeFailure(ErrVideoWrite, err)
	}
	if err := m.writeBlock(m.video, f.Data, f.TimestampMs, f.Keyframe, f.Keyframe); err != nil {
		m.logger.Error("Failed to write video frame", "error", err, "size", len(f.Data))
		return writeFailure(ErrVideoWrite, err)
	}

	m.stats.VideoFrames++
	m.logger.Debug("Video frame written",
		"size", len(f.Data),
		"timestamp_ms", f.TimestampMs,
		"keyframe", f.Keyframe)
	return nil
}

// WriteAudioBuffer appends an audio packet. Audio blocks are always
// keyframes.
func (m *Muxer) WriteAudioBuffer(b AudioBuffer) error {
	if err := m.checkWritable(); err != nil {
		return err
	}
	if m.audio == nil {
		return ErrNoAudioTrack
	}
	if len(b.Data) == 0 {
		return errors.Wrap(ErrInvalidArg, "empty audio buffer")
	}
	if b.Format != AudioFormatVorbis {
		return errors.Wrapf(ErrInvalidArg, "audio format %s", b.Format)
	}
	if b.TimestampMs < 0 {
		return errors.Wrapf(ErrInvalidArg, "audio timestamp %d", b.TimestampMs)
	}

	if err := m.writeHeader(); err != nil {
		return writeFailure(ErrAudioWrite, err)
	}
	if err := m.writeBlock(m.audio, b.Data, b.TimestampMs, true, false); err != nil {
		m.logger.Error("Failed to write audio buffer", "error", err, "size", len(b.Data))
		return writeFailure(ErrAudioWrite, err)
	}

	m.stats.AudioFrames++
	m.logger.Debug("Audio buffer written", "size", len(b.Data), "timestamp_ms", b.TimestampMs)
	return nil
}

// Finalize closes the segment. Any bytes left after the last boundary
// become one final chunk.
func (m *Muxer) Finalize() error {
	if !m.initialized {
		return errors.Wrap(ErrMuxer, "not initialized")
	}
	if m.finalized {
		return errors.Wrap(ErrMuxer, "already finalized")
	}
	if err := m.writeHeader(); err != nil {
		return writeFailure(ErrMuxer, err)
	}

	m.closeCluster()
	if m.buf.Len() > m.chunkEnd {
		m.chunkEnd = m.buf.Len()
	}
	m.finalized = true

	m.logger.Info("Muxer finalized",
		"clusters", m.stats.Clusters,
		"video_frames", m.stats.VideoFrames,
		"audio_frames", m.stats.AudioFrames,
		"bytes", m.buf.total)
	return nil
}

// ChunkReady reports the length of the completed chunk waiting in the
// buffer, if there is one.
func (m *Muxer) ChunkReady() (int, bool) {
	if m.chunkEnd > 0 {
		return m.chunkEnd, true
	}
	return 0, false
}

// ReadChunk copies the pending chunk into buf and drops it from the
// internal buffer.
func (m *Muxer) ReadChunk(buf []byte) (int, error) {
	n, ok := m.ChunkReady()
	if !ok {
		return 0, ErrNoChunkReady
	}
	if len(buf) < n {
		return 0, errors.Wrapf(ErrUserBufferTooSmall, "need %d bytes, have %d", n, len(buf))
	}

	copy(buf, m.buf.b[:n])
	m.buf.erase(n)
	if m.cluster != nil {
		m.cluster.start -= n
	}
	m.chunkEnd = 0
	return n, nil
}

// Finalized reports whether Finalize has completed.
func (m *Muxer) Finalized() bool {
	return m.finalized
}

// TotalBytesBuffered returns every byte the muxer has produced so far.
func (m *Muxer) TotalBytesBuffered() int64 {
	return m.buf.total
}

// Stats returns the muxer counters.
func (m *Muxer) Stats() Stats {
	s := m.stats
	s.BytesBuffered = m.buf.total
	s.ClockMs = m.clockMs
	return s
}
