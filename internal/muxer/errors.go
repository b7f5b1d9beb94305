package muxer

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArg              = errors.New("invalid argument")
	ErrAlreadyInitialized      = errors.New("muxer already initialized")
	ErrAudioTrackAlreadyExists = errors.New("audio track already exists")
	ErrAudioPrivateDataInvalid = errors.New("audio private data invalid")
	ErrAudioTrackError         = errors.New("audio track configuration failed")
	ErrVideoTrackAlreadyExists = errors.New("video track already exists")
	ErrNoAudioTrack            = errors.New("no audio track")
	ErrNoVideoTrack            = errors.New("no video track")
	ErrAudioWrite              = errors.New("audio write failed")
	ErrVideoWrite              = errors.New("video write failed")
	ErrMuxer                   = errors.New("muxer error")
	ErrNoChunkReady            = errors.New("no chunk ready")
	ErrUserBufferTooSmall      = errors.New("user buffer too small")
)

// writeFailure tags an encoder error with a muxer status while keeping the
// cause reachable through errors.Is.
func writeFailure(status, cause error) error {
	return fmt.Errorf("%w: %w", status, cause)
}
