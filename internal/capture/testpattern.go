package capture

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"github.com/webmproject/webmlive-sub001/internal/muxer"
	"github.com/webmproject/webmlive-sub001/internal/util"
	"github.com/webmproject/webmlive-sub001/internal/version"
)

// PatternConfig configures a TestPatternSource.
type PatternConfig struct {
	Video              bool
	Width              int
	Height             int
	FrameRate          int
	KeyframeIntervalMs int64

	Audio       bool
	SampleRate  int
	Channels    int
	PacketMs    int64
	PacketBytes int

	// Duration stops the source after this much media time. Zero runs
	// until the context is done.
	Duration time.Duration
	// Realtime paces frames against the wall clock; otherwise they are
	// produced as fast as the consumer takes them.
	Realtime bool
}

// DefaultPatternConfig is 640x480 VP8 at 30 fps with a keyframe every
// second, plus stereo 48 kHz Vorbis.
func DefaultPatternConfig() PatternConfig {
	return PatternConfig{
		Video:              true,
		Width:              640,
		Height:             480,
		FrameRate:          30,
		KeyframeIntervalMs: 1000,
		Audio:              true,
		SampleRate:         48000,
		Channels:           2,
		PacketMs:           20,
		PacketBytes:        160,
		Realtime:           true,
	}
}

// TestPatternSource synthesizes VP8 and Vorbis shaped frames, for running
// without capture devices.
type TestPatternSource struct {
	cfg     PatternConfig
	headers muxer.VorbisCodecPrivate
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewTestPatternSource creates a source. A nil logger falls back to the
// global one.
func NewTestPatternSource(cfg PatternConfig, logger *slog.Logger) *TestPatternSource {
	if logger == nil {
		logger = util.GetLogger()
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 30
	}
	if cfg.KeyframeIntervalMs <= 0 {
		cfg.KeyframeIntervalMs = 1000
	}
	if cfg.PacketMs <= 0 {
		cfg.PacketMs = 20
	}
	if cfg.PacketBytes <= 0 {
		cfg.PacketBytes = 160
	}
	return &TestPatternSource{
		cfg:     cfg,
		headers: buildVorbisHeaders(cfg.SampleRate, cfg.Channels, "webmlive "+version.Version),
		logger:  logger.With("component", "test_pattern"),
	}
}

// VideoConfig implements Source.
func (s *TestPatternSource) VideoConfig() (muxer.VideoConfig, bool) {
	if !s.cfg.Video {
		return muxer.VideoConfig{}, false
	}
	return muxer.VideoConfig{
		Format:    muxer.VideoFormatVP8,
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
		FrameRate: float64(s.cfg.FrameRate),
	}, true
}

// AudioConfig implements Source.
func (s *TestPatternSource) AudioConfig() (muxer.AudioConfig, muxer.VorbisCodecPrivate, bool) {
	if !s.cfg.Audio {
		return muxer.AudioConfig{}, muxer.VorbisCodecPrivate{}, false
	}
	return muxer.AudioConfig{
		Format:     muxer.AudioFormatVorbis,
		SampleRate: s.cfg.SampleRate,
		Channels:   s.cfg.Channels,
	}, s.headers, true
}

// Start implements Source.
func (s *TestPatternSource) Start(ctx context.Context) (<-chan Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return nil, ErrAlreadyStarted
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	out := make(chan Frame, 8)
	go s.run(ctx, out)
	return out, nil
}

func (s *TestPatternSource) run(ctx context.Context, out chan<- Frame) {
	defer close(s.done)
	defer close(out)

	limitMs := s.cfg.Duration.Milliseconds()
	start := time.Now()

	var nextVideo, nextAudio, lastKey int64
	var videoFrames int64
	for {
		var f Frame
		switch {
		case s.cfg.Video && (!s.cfg.Audio || nextVideo <= nextAudio):
			// Timestamps are derived from the frame count so that rounding
			// does not drift.
			key := videoFrames == 0 || nextVideo-lastKey >= s.cfg.KeyframeIntervalMs
			if key {
				lastKey = nextVideo
			}
			f = Frame{Kind: KindVideo, Data: s.videoFrame(videoFrames, key), TimestampMs: nextVideo, Keyframe: key}
			videoFrames++
			nextVideo = videoFrames * 1000 / int64(s.cfg.FrameRate)
		case s.cfg.Audio:
			f = Frame{Kind: KindAudio, Data: s.audioPacket(nextAudio), TimestampMs: nextAudio, Keyframe: true}
			nextAudio += s.cfg.PacketMs
		default:
			return
		}

		if limitMs > 0 && f.TimestampMs >= limitMs {
			s.logger.Debug("Test pattern finished", "duration_ms", limitMs)
			return
		}

		if s.cfg.Realtime {
			wait := time.Until(start.Add(time.Duration(f.TimestampMs) * time.Millisecond))
			if wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					s.setErr(ctx.Err())
					return
				case <-timer.C:
				}
			}
		}

		select {
		case out <- f:
		case <-ctx.Done():
			s.setErr(ctx.Err())
			return
		}
	}
}

// videoFrame builds a payload with a valid VP8 frame tag. Keyframes carry
// the start code and dimensions.
func (s *TestPatternSource) videoFrame(n int64, key bool) []byte {
	size := 400
	if key {
		size = 4000
	}
	b := make([]byte, size)

	firstPart := uint32(size - 10)
	tag := firstPart<<5 | 1<<4 // show_frame
	if !key {
		tag |= 1
	}
	b[0] = byte(tag)
	b[1] = byte(tag >> 8)
	b[2] = byte(tag >> 16)

	body := b[3:]
	if key {
		copy(b[3:6], vp8StartCode)
		binary.LittleEndian.PutUint16(b[6:8], uint16(s.cfg.Width))
		binary.LittleEndian.PutUint16(b[8:10], uint16(s.cfg.Height))
		body = b[10:]
	}
	for i := range body {
		body[i] = byte(n + int64(i))
	}
	return b
}

// audioPacket builds a payload whose first bit marks an audio packet.
func (s *TestPatternSource) audioPacket(ts int64) []byte {
	b := make([]byte, s.cfg.PacketBytes)
	for i := range b {
		b[i] = byte(ts>>2) ^ byte(i)
	}
	b[0] &^= 1
	return b
}

func (s *TestPatternSource) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Err implements Source.
func (s *TestPatternSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements Source.
func (s *TestPatternSource) Close() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}
