// Package capture provides the frame sources an encode session reads from.
package capture

import (
	"context"

	"github.com/pkg/errors"

	"github.com/webmproject/webmlive-sub001/internal/muxer"
)

// ErrAlreadyStarted is returned by a second Start call.
var ErrAlreadyStarted = errors.New("source already started")

// Kind tells audio frames from video frames.
type Kind int

const (
	KindVideo Kind = iota
	KindAudio
)

func (k Kind) String() string {
	if k == KindAudio {
		return "audio"
	}
	return "video"
}

// Frame is one encoded unit coming out of a source.
type Frame struct {
	Kind        Kind
	Data        []byte
	TimestampMs int64
	Keyframe    bool
}

// Source delivers encoded frames. Track configuration must be available
// before Start so the muxer can write its headers.
type Source interface {
	// VideoConfig returns false when the source has no video.
	VideoConfig() (muxer.VideoConfig, bool)
	// AudioConfig returns false when the source has no audio.
	AudioConfig() (muxer.AudioConfig, muxer.VorbisCodecPrivate, bool)
	// Start begins delivery. The channel is closed when the source runs
	// out of frames or ctx is done; Err then reports why.
	Start(ctx context.Context) (<-chan Frame, error)
	Err() error
	Close() error
}
