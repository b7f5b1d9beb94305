// Package uploader sends completed WebM chunks to a relay from a dedicated
// worker goroutine.
//
// The encoder hands a chunk over with UploadBuffer, which copies it into a
// single-slot chunk.Buffer, locks it and wakes the worker. While that chunk
// is in flight every further handoff fails with ErrUploadInProgress, so
// chunks leave in the order they were produced.
package uploader

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/webmproject/webmlive-sub001/internal/chunk"
	"github.com/webmproject/webmlive-sub001/internal/util"
)

var (
	ErrUploadInProgress = errors.New("upload in progress")
	ErrAborted          = errors.New("upload aborted")
	ErrStopped          = errors.New("uploader stopped")
	ErrNotStarted       = errors.New("uploader not started")
)

// Target identifies where a chunk goes.
type Target struct {
	URL        string
	StreamID   string
	StreamName string
	Seq        int64
}

// ProgressFunc is called as chunk bytes are sent. Returning an error
// aborts the transfer.
type ProgressFunc func(sent, total int64) error

// Transport moves one chunk to the relay.
type Transport interface {
	Send(ctx context.Context, target Target, data []byte, progress ProgressFunc) error
	Close() error
}

// Uploader is the encoder facing side of an upload session.
type Uploader interface {
	Start(ctx context.Context) error
	UploadBuffer(data []byte) error
	Busy() bool
	Stop() error
	Stats() Stats
}

// Config holds the destination of a session.
type Config struct {
	URL        string
	StreamID   string
	StreamName string
}

// ChunkUploader implements Uploader on top of a Transport.
type ChunkUploader struct {
	logger    *slog.Logger
	cfg       Config
	transport Transport
	metrics   *Metrics

	buf  chunk.Buffer
	mu   sync.Mutex
	cond *sync.Cond
	stop atomic.Bool
	wg   sync.WaitGroup

	started bool
	seq     int64
	stats   statsTracker
}

var _ Uploader = (*ChunkUploader)(nil)

// New creates an uploader. metrics may be nil.
func New(cfg Config, transport Transport, metrics *Metrics, logger *slog.Logger) *ChunkUploader {
	if logger == nil {
		logger = util.GetLogger()
	}
	u := &ChunkUploader{
		logger:    logger.With("component", "uploader", "stream_id", cfg.StreamID),
		cfg:       cfg,
		transport: transport,
		metrics:   metrics,
	}
	u.cond = sync.NewCond(&u.mu)
	return u
}

// Start launches the worker.
func (u *ChunkUploader) Start(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.started {
		return errors.New("uploader already started")
	}
	if u.stop.Load() {
		return ErrStopped
	}
	u.started = true

	u.wg.Add(1)
	go u.run(ctx)
	u.logger.Info("Uploader started", "url", u.cfg.URL)
	return nil
}

// UploadBuffer hands data to the worker without blocking. The uploader
// owns data from then on.
func (u *ChunkUploader) UploadBuffer(data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.started {
		return ErrNotStarted
	}
	if u.stop.Load() {
		return ErrStopped
	}
	if u.buf.IsLocked() {
		return ErrUploadInProgress
	}

	if err := u.buf.Init(data); err != nil {
		if errors.Is(err, chunk.ErrLocked) {
			return ErrUploadInProgress
		}
		return errors.Wrap(err, "init chunk buffer")
	}
	if err := u.buf.Lock(); err != nil {
		return ErrUploadInProgress
	}
	u.cond.Signal()
	return nil
}

// Busy reports whether a chunk is waiting or in flight.
func (u *ChunkUploader) Busy() bool {
	return u.buf.IsLocked()
}

// Stop aborts any transfer in flight, wakes the worker and waits for it.
func (u *ChunkUploader) Stop() error {
	if u.stop.Swap(true) {
		return nil
	}

	u.mu.Lock()
	started := u.started
	u.cond.Broadcast()
	u.mu.Unlock()

	if started {
		u.wg.Wait()
	}
	err := u.transport.Close()

	s := u.stats.snapshot()
	u.logger.Info("Uploader stopped",
		"chunks", s.ChunksSent,
		"bytes", s.TotalBytes,
		"failures", s.Failures)
	return err
}

// Stats returns the upload counters.
func (u *ChunkUploader) Stats() Stats {
	return u.stats.snapshot()
}

func (u *ChunkUploader) run(ctx context.Context) {
	defer u.wg.Done()

	for {
		u.mu.Lock()
		for !u.buf.IsLocked() && !u.stop.Load() {
			u.cond.Wait()
		}
		u.mu.Unlock()

		data, err := u.buf.GetBuffer()
		if err != nil {
			// Nothing handed over: this is a stop request.
			if u.stop.Load() {
				return
			}
			continue
		}

		u.upload(ctx, data)
		if err := u.buf.Unlock(); err != nil {
			u.logger.Warn("Chunk buffer was not locked after upload", "error", err)
		}
	}
}

func (u *ChunkUploader) upload(ctx context.Context, data []byte) {
	u.seq++
	target := Target{
		URL:        u.cfg.URL,
		StreamID:   u.cfg.StreamID,
		StreamName: u.cfg.StreamName,
		Seq:        u.seq,
	}
	progress := func(sent, total int64) error {
		if u.stop.Load() {
			return ErrAborted
		}
		return ctx.Err()
	}

	start := time.Now()
	err := u.transport.Send(ctx, target, data, progress)
	elapsed := time.Since(start)
	if err != nil && u.stop.Load() && !errors.Is(err, ErrAborted) {
		err = fmt.Errorf("%w: %w", ErrAborted, err)
	}
	u.metrics.observe(u.cfg.StreamID, len(data), elapsed, err)

	if err != nil {
		u.stats.failure(err)
		if errors.Is(err, ErrAborted) {
			u.logger.Info("Upload aborted", "seq", target.Seq, "size", len(data))
			return
		}
		u.logger.Warn("Upload failed", "seq", target.Seq, "size", len(data), "error", err)
		return
	}

	u.stats.success(len(data), elapsed)
	u.logger.Debug("Chunk uploaded",
		"seq", target.Seq,
		"size", len(data),
		"elapsed", elapsed)
}
