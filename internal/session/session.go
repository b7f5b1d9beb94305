// Package session drives one live encode: frames from a capture source go
// through the muxer, and every completed chunk is handed to the uploader
// and optionally written to a local file.
package session

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/webmproject/webmlive-sub001/internal/capture"
	"github.com/webmproject/webmlive-sub001/internal/muxer"
	"github.com/webmproject/webmlive-sub001/internal/uploader"
	"github.com/webmproject/webmlive-sub001/internal/util"
)

const (
	defaultPollInterval = 10 * time.Millisecond
	defaultDrainTimeout = 30 * time.Second
)

// Config holds the per-session settings.
type Config struct {
	ClusterDurationMs int
	ID                string
	// Output receives a copy of every chunk when set.
	Output io.Writer
	// PollInterval is how often the final chunks are retried while the
	// uploader is busy.
	PollInterval time.Duration
	// DrainTimeout bounds the wait for the last uploads after the source
	// ends.
	DrainTimeout time.Duration
}

// Stats is a snapshot of a session.
type Stats struct {
	Chunks   int64
	Bytes    int64
	Deferred int64
	Muxer    muxer.Stats
	Upload   uploader.Stats
}

// Session owns the muxer and the upload handoff for one stream.
type Session struct {
	cfg      Config
	logger   *slog.Logger
	source   capture.Source
	uploader uploader.Uploader
	muxer    *muxer.Muxer

	// pending is a chunk read from the muxer that the uploader refused.
	pending  []byte
	chunks   int64
	bytes    int64
	deferred int64
}

// New creates a session. up may be nil to only write Output.
func New(cfg Config, source capture.Source, up uploader.Uploader, logger *slog.Logger) *Session {
	if logger == nil {
		logger = util.GetLogger()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	return &Session{
		cfg:      cfg,
		logger:   logger.With("component", "session", "id", cfg.ID),
		source:   source,
		uploader: up,
		muxer:    muxer.New(logger),
	}
}

func (s *Session) setupTracks() error {
	if err := s.muxer.Init(s.cfg.ClusterDurationMs, s.cfg.ID); err != nil {
		return errors.Wrap(err, "init muxer")
	}

	vcfg, hasVideo := s.source.VideoConfig()
	acfg, private, hasAudio := s.source.AudioConfig()
	if !hasVideo && !hasAudio {
		return errors.New("source has neither audio nor video")
	}
	if hasVideo {
		if err := s.muxer.AddVideoTrack(vcfg); err != nil {
			return errors.Wrap(err, "add video track")
		}
	}
	if hasAudio {
		if err := s.muxer.AddAudioTrack(acfg, private); err != nil {
			return errors.Wrap(err, "add audio track")
		}
	}
	return nil
}

// Run encodes until the source ends or ctx is cancelled, then finalizes the
// stream and waits for the last chunks to go out. A fatal muxer error ends
// the session with that error.
func (s *Session) Run(ctx context.Context) error {
	if err := s.setupTracks(); err != nil {
		return err
	}

	if s.uploader != nil {
		// The worker outlives ctx so that the final chunks can still be
		// sent after an interrupt.
		if err := s.uploader.Start(context.WithoutCancel(ctx)); err != nil {
			return errors.Wrap(err, "start uploader")
		}
	}

	frames, err := s.source.Start(ctx)
	if err != nil {
		s.stopUploader()
		return errors.Wrap(err, "start source")
	}
	s.logger.Info("Session started", "cluster_duration_ms", s.cfg.ClusterDurationMs)

	runErr := s.encode(frames)
	if runErr == nil {
		if err := s.source.Err(); err != nil && !stopRequested(err) {
			runErr = errors.Wrap(err, "source failed")
		}
	}
	if err := s.source.Close(); err != nil {
		s.logger.Warn("Source close failed", "error", err)
	}

	if runErr == nil {
		runErr = s.finish()
	}
	s.stopUploader()

	st := s.Stats()
	s.logger.Info("Session finished",
		"chunks", st.Chunks,
		"bytes", st.Bytes,
		"clusters", st.Muxer.Clusters,
		"uploaded_bytes", st.Upload.TotalBytes,
		"upload_failures", st.Upload.Failures)
	return runErr
}

func stopRequested(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (s *Session) encode(frames <-chan capture.Frame) error {
	for f := range frames {
		var err error
		switch f.Kind {
		case capture.KindVideo:
			vcfg, _ := s.source.VideoConfig()
			err = s.muxer.WriteVideoFrame(muxer.VideoFrame{
				Data:        f.Data,
				TimestampMs: f.TimestampMs,
				Format:      vcfg.Format,
				Keyframe:    f.Keyframe,
			})
		case capture.KindAudio:
			err = s.muxer.WriteAudioBuffer(muxer.AudioBuffer{
				Data:        f.Data,
				TimestampMs: f.TimestampMs,
				Format:      muxer.AudioFormatVorbis,
			})
		}
		if err != nil {
			// Drain the source so its goroutine can exit.
			go func() {
				for range frames {
				}
			}()
			return errors.Wrapf(err, "write %s frame at %dms", f.Kind, f.TimestampMs)
		}

		if err := s.deliver(); err != nil {
			return err
		}
	}
	return nil
}

// deliver moves the muxer's completed chunk to the uploader when the upload
// slot is free. While it is busy the chunk stays in the muxer and grows by
// whole clusters, so nothing is dropped or reordered.
func (s *Session) deliver() error {
	if s.pending == nil {
		if s.uploader != nil && s.uploader.Busy() {
			if _, ok := s.muxer.ChunkReady(); ok {
				s.deferred++
			}
			return nil
		}
		n, ok := s.muxer.ChunkReady()
		if !ok {
			return nil
		}
		buf := make([]byte, n)
		if _, err := s.muxer.ReadChunk(buf); err != nil {
			return errors.Wrap(err, "read chunk")
		}
		s.chunks++
		s.bytes += int64(n)
		if s.cfg.Output != nil {
			if _, err := s.cfg.Output.Write(buf); err != nil {
				return errors.Wrap(err, "write output file")
			}
		}
		if s.uploader == nil {
			return nil
		}
		s.pending = buf
	}

	err := s.uploader.UploadBuffer(s.pending)
	switch {
	case err == nil:
		s.logger.Debug("Chunk handed off", "size", len(s.pending))
		s.pending = nil
		return nil
	case errors.Is(err, uploader.ErrUploadInProgress):
		return nil
	default:
		return errors.Wrap(err, "hand off chunk")
	}
}

func (s *Session) idle() bool {
	if s.pending != nil {
		return false
	}
	if _, ok := s.muxer.ChunkReady(); ok {
		return false
	}
	return s.uploader == nil || !s.uploader.Busy()
}

// finish finalizes the muxer and pushes out whatever is left.
func (s *Session) finish() error {
	if err := s.muxer.Finalize(); err != nil {
		return errors.Wrap(err, "finalize muxer")
	}

	deadline := time.Now().Add(s.cfg.DrainTimeout)
	for {
		if err := s.deliver(); err != nil {
			return err
		}
		if s.idle() {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Errorf("timed out after %s waiting for the last chunks", s.cfg.DrainTimeout)
		}
		time.Sleep(s.cfg.PollInterval)
	}
}

func (s *Session) stopUploader() {
	if s.uploader == nil {
		return
	}
	if err := s.uploader.Stop(); err != nil {
		s.logger.Warn("Uploader stop failed", "error", err)
	}
}

// Stats returns the session counters. Call it after Run returns or from
// the goroutine running it.
func (s *Session) Stats() Stats {
	st := Stats{
		Chunks:   s.chunks,
		Bytes:    s.bytes,
		Deferred: s.deferred,
		Muxer:    s.muxer.Stats(),
	}
	if s.uploader != nil {
		st.Upload = s.uploader.Stats()
	}
	return st
}
