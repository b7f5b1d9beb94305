package capture

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/webmproject/webmlive-sub001/internal/muxer"
)

const (
	vorbisIdentType    = 0x01
	vorbisCommentsType = 0x03
	vorbisSetupType    = 0x05
	vorbisIdentLen     = 30
)

var vorbisMagic = []byte("vorbis")

// ErrInvalidVorbisHeader is returned for headers that lack the Vorbis
// packet type and magic.
var ErrInvalidVorbisHeader = errors.New("invalid vorbis header")

// VorbisIdent holds the fields of the identification header the muxer
// needs.
type VorbisIdent struct {
	Channels       int
	SampleRate     int
	BitrateMax     int32
	BitrateNominal int32
	BitrateMin     int32
}

func checkVorbisHeader(b []byte, packetType byte) error {
	if len(b) < 7 || b[0] != packetType || !bytes.Equal(b[1:7], vorbisMagic) {
		return errors.Wrapf(ErrInvalidVorbisHeader, "expected packet type %d", packetType)
	}
	return nil
}

// ParseVorbisIdent decodes an identification header.
func ParseVorbisIdent(b []byte) (VorbisIdent, error) {
	if err := checkVorbisHeader(b, vorbisIdentType); err != nil {
		return VorbisIdent{}, err
	}
	if len(b) < vorbisIdentLen {
		return VorbisIdent{}, errors.Wrapf(ErrInvalidVorbisHeader, "ident header is %d bytes", len(b))
	}
	if v := binary.LittleEndian.Uint32(b[7:11]); v != 0 {
		return VorbisIdent{}, errors.Wrapf(ErrInvalidVorbisHeader, "vorbis version %d", v)
	}

	ident := VorbisIdent{
		Channels:       int(b[11]),
		SampleRate:     int(binary.LittleEndian.Uint32(b[12:16])),
		BitrateMax:     int32(binary.LittleEndian.Uint32(b[16:20])),
		BitrateNominal: int32(binary.LittleEndian.Uint32(b[20:24])),
		BitrateMin:     int32(binary.LittleEndian.Uint32(b[24:28])),
	}
	if ident.Channels == 0 || ident.SampleRate == 0 {
		return VorbisIdent{}, errors.Wrap(ErrInvalidVorbisHeader, "zero channels or sample rate")
	}
	if b[29]&1 == 0 {
		return VorbisIdent{}, errors.Wrap(ErrInvalidVorbisHeader, "framing bit not set")
	}
	return ident, nil
}

// ValidateVorbisHeaders checks the packet type and magic of all three
// headers.
func ValidateVorbisHeaders(p muxer.VorbisCodecPrivate) error {
	if err := checkVorbisHeader(p.Ident, vorbisIdentType); err != nil {
		return err
	}
	if err := checkVorbisHeader(p.Comments, vorbisCommentsType); err != nil {
		return err
	}
	return checkVorbisHeader(p.Setup, vorbisSetupType)
}

// AudioConfigFromHeaders derives the track configuration from the
// identification header.
func AudioConfigFromHeaders(p muxer.VorbisCodecPrivate) (muxer.AudioConfig, error) {
	if err := ValidateVorbisHeaders(p); err != nil {
		return muxer.AudioConfig{}, err
	}
	ident, err := ParseVorbisIdent(p.Ident)
	if err != nil {
		return muxer.AudioConfig{}, err
	}
	return muxer.AudioConfig{
		Format:     muxer.AudioFormatVorbis,
		SampleRate: ident.SampleRate,
		Channels:   ident.Channels,
	}, nil
}

// buildVorbisHeaders produces structurally valid headers for a synthetic
// stream.
func buildVorbisHeaders(sampleRate, channels int, vendor string) muxer.VorbisCodecPrivate {
	ident := make([]byte, vorbisIdentLen)
	ident[0] = vorbisIdentType
	copy(ident[1:7], vorbisMagic)
	ident[11] = byte(channels)
	binary.LittleEndian.PutUint32(ident[12:16], uint32(sampleRate))
	binary.LittleEndian.PutUint32(ident[20:24], uint32(64000*channels))
	// blocksize_0 = 2^8, blocksize_1 = 2^11
	ident[28] = 0xb8
	ident[29] = 1

	comments := []byte{vorbisCommentsType}
	comments = append(comments, vorbisMagic...)
	comments = binary.LittleEndian.AppendUint32(comments, uint32(len(vendor)))
	comments = append(comments, vendor...)
	comments = binary.LittleEndian.AppendUint32(comments, 0)
	comments = append(comments, 1)

	setup := []byte{vorbisSetupType}
	setup = append(setup, vorbisMagic...)
	setup = append(setup, 0x42, 0x43, 0x56)
	setup = append(setup, make([]byte, 64)...)

	return muxer.VorbisCodecPrivate{Ident: ident, Comments: comments, Setup: setup}
}
