package muxer

import (
	"github.com/pkg/errors"

	"github.com/webmproject/webmlive-sub001/internal/webmio"
)

// VideoFormat identifies the codec of a video frame.
type VideoFormat int

const (
	VideoFormatUnknown VideoFormat = iota
	VideoFormatVP8
	VideoFormatVP9
)

func (f VideoFormat) String() string {
	switch f {
	case VideoFormatVP8:
		return "VP8"
	case VideoFormatVP9:
		return "VP9"
	default:
		return "unknown"
	}
}

// AudioFormat identifies the codec of an audio buffer.
type AudioFormat int

const (
	AudioFormatUnknown AudioFormat = iota
	AudioFormatVorbis
)

func (f AudioFormat) String() string {
	if f == AudioFormatVorbis {
		return "Vorbis"
	}
	return "unknown"
}

// VideoConfig describes the video track.
type VideoConfig struct {
	Format    VideoFormat
	Width     int
	Height    int
	FrameRate float64
}

// AudioConfig describes the audio track.
type AudioConfig struct {
	Format        AudioFormat
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// VorbisCodecPrivate holds the three Vorbis setup headers.
type VorbisCodecPrivate struct {
	Ident    []byte
	Comments []byte
	Setup    []byte
}

const maxXiphLaceLength = 255

// Marshal packs the headers using Xiph lacing:
// [2][ident length][comments length][ident][comments][setup].
// Lengths are single bytes, so ident and comments must not exceed 255 bytes.
func (p VorbisCodecPrivate) Marshal() ([]byte, error) {
	if len(p.Ident) == 0 || len(p.Comments) == 0 || len(p.Setup) == 0 {
		return nil, errors.Wrap(ErrAudioPrivateDataInvalid, "missing vorbis header")
	}
	if len(p.Ident) > maxXiphLaceLength {
		return nil, errors.Wrapf(ErrAudioPrivateDataInvalid, "ident header is %d bytes", len(p.Ident))
	}
	if len(p.Comments) > maxXiphLaceLength {
		return nil, errors.Wrapf(ErrAudioPrivateDataInvalid, "comments header is %d bytes", len(p.Comments))
	}

	out := make([]byte, 0, 3+len(p.Ident)+len(p.Comments)+len(p.Setup))
	out = append(out, 2, byte(len(p.Ident)), byte(len(p.Comments)))
	out = append(out, p.Ident...)
	out = append(out, p.Comments...)
	out = append(out, p.Setup...)
	return out, nil
}

// VideoFrame is one encoded video frame.
type VideoFrame struct {
	Data        []byte
	TimestampMs int64
	Format      VideoFormat
	Keyframe    bool
}

// AudioBuffer is one encoded audio packet.
type AudioBuffer struct {
	Data        []byte
	TimestampMs int64
	Format      AudioFormat
}

type track struct {
	entry  webmio.TrackEntry
	frames int64
	// format is the video codec frames must carry. Unset for audio.
	format VideoFormat
}

func (t *track) number() uint64 {
	return t.entry.TrackNumber
}

func newVideoTrack(number uint64, cfg VideoConfig) *track {
	codec, format := webmio.CodecVP8, VideoFormatVP8
	if cfg.Format == VideoFormatVP9 {
		codec, format = webmio.CodecVP9, VideoFormatVP9
	}
	return &track{format: format, entry: webmio.TrackEntry{
		Name:        "Video",
		TrackNumber: number,
		TrackUID:    number,
		TrackType:   webmio.TrackTypeVideo,
		CodecID:     codec,
		Video: &webmio.Video{
			PixelWidth:  uint64(cfg.Width),
			PixelHeight: uint64(cfg.Height),
		},
	}}
}

func newAudioTrack(number uint64, cfg AudioConfig, private []byte) (*track, error) {
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 {
		return nil, errors.Wrapf(ErrAudioTrackError, "sample rate %d, channels %d", cfg.SampleRate, cfg.Channels)
	}
	audio := &webmio.Audio{
		SamplingFrequency: float64(cfg.SampleRate),
		Channels:          uint64(cfg.Channels),
	}
	if cfg.BitsPerSample > 0 {
		audio.BitDepth = uint64(cfg.BitsPerSample)
	}
	return &track{entry: webmio.TrackEntry{
		Name:         "Audio",
		TrackNumber:  number,
		TrackUID:     number,
		TrackType:    webmio.TrackTypeAudio,
		CodecID:      webmio.CodecVorbis,
		CodecPrivate: private,
		Audio:        audio,
	}}, nil
}
