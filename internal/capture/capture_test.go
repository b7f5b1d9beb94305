package capture

import (
	"context"
	"encoding/binary"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webmproject/webmlive-sub001/internal/muxer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func collect(t *testing.T, ch <-chan Frame) []Frame {
	t.Helper()
	var frames []Frame
	timeout := time.After(10 * time.Second)
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return frames
			}
			frames = append(frames, f)
		case <-timeout:
			t.Fatal("source did not finish")
		}
	}
}

func TestTestPatternSource(t *testing.T) {
	cfg := DefaultPatternConfig()
	cfg.Realtime = false
	cfg.Duration = 2 * time.Second

	src := NewTestPatternSource(cfg, testLogger())
	vcfg, ok := src.VideoConfig()
	require.True(t, ok)
	assert.Equal(t, muxer.VideoFormatVP8, vcfg.Format)

	acfg, private, ok := src.AudioConfig()
	require.True(t, ok)
	require.NoError(t, ValidateVorbisHeaders(private))
	derived, err := AudioConfigFromHeaders(private)
	require.NoError(t, err)
	assert.Equal(t, acfg, derived)

	ch, err := src.Start(context.Background())
	require.NoError(t, err)
	_, err = src.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)

	frames := collect(t, ch)
	require.NoError(t, src.Err())
	require.NoError(t, src.Close())

	var video, audio, keys int
	lastTs := map[Kind]int64{KindVideo: -1, KindAudio: -1}
	for _, f := range frames {
		assert.Less(t, f.TimestampMs, int64(2000))
		assert.GreaterOrEqual(t, f.TimestampMs, lastTs[f.Kind], "timestamps never go back")
		lastTs[f.Kind] = f.TimestampMs

		switch f.Kind {
		case KindVideo:
			video++
			assert.Equal(t, f.Keyframe, IsVP8Keyframe(f.Data))
			if f.Keyframe {
				keys++
			}
		case KindAudio:
			audio++
		}
	}
	assert.Equal(t, 60, video)
	assert.Equal(t, 100, audio)
	assert.Equal(t, 2, keys)
}

func TestTestPatternCancel(t *testing.T) {
	src := NewTestPatternSource(DefaultPatternConfig(), testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := src.Start(ctx)
	require.NoError(t, err)

	<-ch
	cancel()
	collect(t, ch)
	assert.ErrorIs(t, src.Err(), context.Canceled)
}

func TestParseVorbisIdent(t *testing.T) {
	headers := buildVorbisHeaders(44100, 1, "test")
	ident, err := ParseVorbisIdent(headers.Ident)
	require.NoError(t, err)
	assert.Equal(t, 44100, ident.SampleRate)
	assert.Equal(t, 1, ident.Channels)

	bad := append([]byte(nil), headers.Ident...)
	bad[29] = 0
	_, err = ParseVorbisIdent(bad)
	assert.ErrorIs(t, err, ErrInvalidVorbisHeader)

	_, err = ParseVorbisIdent(headers.Setup)
	assert.ErrorIs(t, err, ErrInvalidVorbisHeader)

	swapped := headers
	swapped.Comments, swapped.Setup = headers.Setup, headers.Comments
	assert.ErrorIs(t, ValidateVorbisHeaders(swapped), ErrInvalidVorbisHeader)
}

func TestIsVP9Keyframe(t *testing.T) {
	tests := []struct {
		name string
		b    byte
		want bool
	}{
		{"profile 0 key", 0b1000_0000, true},
		{"profile 0 inter", 0b1000_0100, false},
		{"profile 0 show existing", 0b1000_1000, false},
		{"profile 1 key", 0b1010_0000, true},
		{"profile 3 key", 0b1011_0000, true},
		{"profile 3 inter", 0b1011_0010, false},
		{"bad marker", 0b0000_0000, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsVP9Keyframe([]byte{tt.b, 0, 0}))
		})
	}
}

// writeIVF writes a VP8 IVF file with a 1/30 timebase.
func writeIVF(t *testing.T, frames [][]byte) string {
	t.Helper()
	hdr := make([]byte, 32)
	copy(hdr[0:4], "DKIF")
	binary.LittleEndian.PutUint16(hdr[6:8], 32)
	copy(hdr[8:12], "VP80")
	binary.LittleEndian.PutUint16(hdr[12:14], 320)
	binary.LittleEndian.PutUint16(hdr[14:16], 240)
	binary.LittleEndian.PutUint32(hdr[16:20], 30)
	binary.LittleEndian.PutUint32(hdr[20:24], 1)
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(len(frames)))

	out := hdr
	for i, f := range frames {
		fh := make([]byte, 12)
		binary.LittleEndian.PutUint32(fh[0:4], uint32(len(f)))
		binary.LittleEndian.PutUint64(fh[4:12], uint64(i))
		out = append(out, fh...)
		out = append(out, f...)
	}

	path := filepath.Join(t.TempDir(), "test.ivf")
	require.NoError(t, os.WriteFile(path, out, 0o644))
	return path
}

func TestIVFSource(t *testing.T) {
	pattern := NewTestPatternSource(PatternConfig{Width: 320, Height: 240}, testLogger())
	frames := [][]byte{
		pattern.videoFrame(0, true),
		pattern.videoFrame(1, false),
		pattern.videoFrame(2, false),
		pattern.videoFrame(3, true),
	}
	path := writeIVF(t, frames)

	src, err := OpenIVF(path, IVFOptions{}, testLogger())
	require.NoError(t, err)
	defer src.Close()

	cfg, ok := src.VideoConfig()
	require.True(t, ok)
	assert.Equal(t, muxer.VideoConfig{Format: muxer.VideoFormatVP8, Width: 320, Height: 240, FrameRate: 30}, cfg)
	_, _, ok = src.AudioConfig()
	assert.False(t, ok)

	ch, err := src.Start(context.Background())
	require.NoError(t, err)
	got := collect(t, ch)
	require.NoError(t, src.Err())
	require.Len(t, got, 4)

	assert.Equal(t, []int64{0, 33, 66, 100}, []int64{got[0].TimestampMs, got[1].TimestampMs, got[2].TimestampMs, got[3].TimestampMs})
	assert.Equal(t, []bool{true, false, false, true}, []bool{got[0].Keyframe, got[1].Keyframe, got[2].Keyframe, got[3].Keyframe})
	assert.Equal(t, frames[2], got[2].Data)
}

func TestOpenIVFRejectsUnknownCodec(t *testing.T) {
	path := writeIVF(t, nil)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	copy(data[8:12], "H264")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = OpenIVF(path, IVFOptions{}, testLogger())
	assert.Error(t, err)
}
