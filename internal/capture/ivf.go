package capture

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pkg/errors"

	"github.com/webmproject/webmlive-sub001/internal/muxer"
	"github.com/webmproject/webmlive-sub001/internal/util"
)

var vp8StartCode = []byte{0x9d, 0x01, 0x2a}

// IsVP8Keyframe reports whether the frame tag marks a key frame.
func IsVP8Keyframe(frame []byte) bool {
	if len(frame) < 10 {
		return false
	}
	return frame[0]&0x01 == 0 && bytes.Equal(frame[3:6], vp8StartCode)
}

// IsVP9Keyframe reads the start of the uncompressed frame header.
func IsVP9Keyframe(frame []byte) bool {
	if len(frame) == 0 {
		return false
	}
	b := frame[0]
	if b>>6 != 0x2 { // frame_marker
		return false
	}
	profile := (b>>5)&1 | ((b>>4)&1)<<1
	bit := 4
	if profile == 3 {
		bit++ // reserved_zero
	}
	if (b>>(7-bit))&1 == 1 { // show_existing_frame
		return false
	}
	bit++
	return (b>>(7-bit))&1 == 0 // frame_type 0 is KEY_FRAME
}

// IVFOptions configures an IVFSource.
type IVFOptions struct {
	// Realtime paces frames by their timestamps.
	Realtime bool
	// Loop restarts the file at its end, shifting timestamps so they keep
	// increasing.
	Loop bool
}

// IVFSource plays back a VP8 or VP9 IVF file.
type IVFSource struct {
	path   string
	opts   IVFOptions
	logger *slog.Logger

	format muxer.VideoFormat
	width  int
	height int
	// timebase of the frame timestamps in milliseconds.
	num, den uint64

	mu     sync.Mutex
	file   *os.File
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// OpenIVF reads the file header of path.
func OpenIVF(path string, opts IVFOptions, logger *slog.Logger) (*IVFSource, error) {
	if logger == nil {
		logger = util.GetLogger()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open IVF file")
	}
	_, hdr, err := ivfreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "failed to read IVF header")
	}

	s := &IVFSource{
		path:   path,
		opts:   opts,
		logger: logger.With("component", "ivf_source", "path", path),
		file:   f,
		width:  int(hdr.Width),
		height: int(hdr.Height),
		num:    uint64(hdr.TimebaseNumerator),
		den:    uint64(hdr.TimebaseDenominator),
	}
	switch hdr.FourCC {
	case "VP80":
		s.format = muxer.VideoFormatVP8
	case "VP90":
		s.format = muxer.VideoFormatVP9
	default:
		f.Close()
		return nil, errors.Errorf("unsupported IVF codec %q", hdr.FourCC)
	}
	if s.den == 0 {
		f.Close()
		return nil, errors.New("IVF timebase denominator is zero")
	}
	if s.num == 0 {
		s.num = 1
	}

	s.logger.Info("IVF file opened",
		"codec", s.format,
		"width", s.width,
		"height", s.height,
		"frames", hdr.NumFrames)
	return s, nil
}

// VideoConfig implements Source.
func (s *IVFSource) VideoConfig() (muxer.VideoConfig, bool) {
	return muxer.VideoConfig{
		Format:    s.format,
		Width:     s.width,
		Height:    s.height,
		FrameRate: float64(s.den) / float64(s.num),
	}, true
}

// AudioConfig implements Source. IVF carries no audio.
func (s *IVFSource) AudioConfig() (muxer.AudioConfig, muxer.VorbisCodecPrivate, bool) {
	return muxer.AudioConfig{}, muxer.VorbisCodecPrivate{}, false
}

// Start implements Source.
func (s *IVFSource) Start(ctx context.Context) (<-chan Frame, error) {
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

func (s *IVFSource) toMs(ts uint64) int64 {
	return int64(ts * 1000 * s.num / s.den)
}

func (s *IVFSource) keyframe(data []byte) bool {
	if s.format == muxer.VideoFormatVP9 {
		return IsVP9Keyframe(data)
	}
	return IsVP8Keyframe(data)
}

func (s *IVFSource) run(ctx context.Context, out chan<- Frame) {
	defer close(s.done)
	defer close(out)

	start := time.Now()
	var offsetMs, lastMs int64
	reader, _, err := s.rewind()
	if err != nil {
		s.setErr(err)
		return
	}

	for {
		data, hdr, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			if !s.opts.Loop {
				return
			}
			offsetMs = lastMs + 1
			if reader, _, err = s.rewind(); err != nil {
				s.setErr(err)
				return
			}
			continue
		}
		if err != nil {
			s.setErr(errors.Wrap(err, "failed to read IVF frame"))
			return
		}

		f := Frame{
			Kind:        KindVideo,
			Data:        data,
			TimestampMs: offsetMs + s.toMs(hdr.Timestamp),
			Keyframe:    s.keyframe(data),
		}
		lastMs = f.TimestampMs

		if s.opts.Realtime {
			if wait := time.Until(start.Add(time.Duration(f.TimestampMs) * time.Millisecond)); wait > 0 {
				select {
				case <-ctx.Done():
					s.setErr(ctx.Err())
					return
				case <-time.After(wait):
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

func (s *IVFSource) rewind() (*ivfreader.IVFReader, *ivfreader.IVFFileHeader, error) {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, nil, errors.Wrap(err, "failed to rewind IVF file")
	}
	r, hdr, err := ivfreader.NewWith(s.file)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to read IVF header")
	}
	return r, hdr, nil
}

func (s *IVFSource) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Err implements Source.
func (s *IVFSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements Source.
func (s *IVFSource) Close() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return s.file.Close()
}
