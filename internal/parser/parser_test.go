package parser

import (
	"bytes"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webmproject/webmlive-sub001/internal/muxer"
	"github.com/webmproject/webmlive-sub001/internal/webmio"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// muxStream produces a small audio+video stream and returns the bytes plus
// the chunk lengths the muxer handed out.
func muxStream(t *testing.T) ([]byte, []int) {
	t.Helper()
	m := muxer.New(testLogger())
	require.NoError(t, m.Init(1000, "parser-test"))
	require.NoError(t, m.AddVideoTrack(muxer.VideoConfig{Format: muxer.VideoFormatVP8, Width: 320, Height: 240}))
	require.NoError(t, m.AddAudioTrack(
		muxer.AudioConfig{Format: muxer.AudioFormatVorbis, SampleRate: 48000, Channels: 2},
		muxer.VorbisCodecPrivate{
			Ident:    append([]byte("\x01vorbis"), make([]byte, 23)...),
			Comments: []byte("\x03vorbis"),
			Setup:    append([]byte("\x05vorbis"), make([]byte, 200)...),
		}))

	var out bytes.Buffer
	var lengths []int
	read := func() {
		for {
			n, ok := m.ChunkReady()
			if !ok {
				return
			}
			buf := make([]byte, n)
			_, err := m.ReadChunk(buf)
			require.NoError(t, err)
			out.Write(buf)
			lengths = append(lengths, n)
		}
	}

	for i := 0; i < 300; i++ {
		ts := int64(i * 10)
		if i%3 == 0 {
			frame := bytes.Repeat([]byte{byte(i)}, 100+i%50)
			require.NoError(t, m.WriteVideoFrame(muxer.VideoFrame{
				Data: frame, TimestampMs: ts, Format: muxer.VideoFormatVP8, Keyframe: i%45 == 0,
			}))
		} else {
			require.NoError(t, m.WriteAudioBuffer(muxer.AudioBuffer{
				Data: []byte{0x20, byte(i)}, TimestampMs: ts, Format: muxer.AudioFormatVorbis,
			}))
		}
		read()
	}
	require.NoError(t, m.Finalize())
	read()

	require.Equal(t, m.TotalBytesBuffered(), int64(out.Len()))
	return out.Bytes(), lengths
}

// feed pushes data into a fresh parser step bytes at a time and returns the
// reported element lengths.
func feed(t *testing.T, data []byte, step int) ([]int, *BufferParser) {
	t.Helper()
	p := New(testLogger())
	var window []byte
	var lengths []int

	for off := 0; off < len(data); off += step {
		end := off + step
		if end > len(data) {
			end = len(data)
		}
		window = append(window, data[off:end]...)

		for {
			n, err := p.Parse(window)
			if err != nil {
				require.ErrorIs(t, err, ErrNeedMoreData)
				break
			}
			lengths = append(lengths, n)
			window = window[n:]
		}
	}

	require.Empty(t, window, "every byte must be explained")
	return lengths, p
}

func TestRoundTrip(t *testing.T) {
	data, muxed := muxStream(t)

	for _, step := range []int{1, 3, 7, 1024} {
		lengths, p := feed(t, data, step)
		assert.Equal(t, muxed, lengths, "step %d", step)
		assert.Equal(t, int64(len(data)), p.TotalParsed())
		assert.Equal(t, ModeClusters, p.Mode())
		assert.Equal(t, int64(len(muxed)-1), p.ClustersParsed())
		assert.False(t, p.InProgress())
	}
}

func TestInputChunkingIndependence(t *testing.T) {
	data, _ := muxStream(t)
	small, _ := feed(t, data, 3)
	large, _ := feed(t, data, 1024)
	assert.Equal(t, small, large)
}

func TestSegmentHeaders(t *testing.T) {
	data, muxed := muxStream(t)
	p := New(testLogger())

	_, err := p.Parse(data[:muxed[0]-1])
	assert.ErrorIs(t, err, ErrNeedMoreData)
	assert.Equal(t, ModeSegmentHeaders, p.Mode())

	n, err := p.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, muxed[0], n)

	seg := p.Segment()
	assert.Equal(t, "webm", seg.Header.DocType)
	assert.Equal(t, webmio.DefaultTimecodeScale, seg.Info.TimecodeScale)
	assert.Contains(t, seg.Info.WritingApp, "webmlive v")
	assert.Equal(t, webmio.UnknownSize, seg.Size)
	assert.Equal(t, int64(n), seg.HeaderLen)
	require.Len(t, seg.Tracks.TrackEntry, 2)
	assert.Equal(t, webmio.CodecVP8, seg.Tracks.TrackEntry[0].CodecID)
	assert.Equal(t, webmio.CodecVorbis, seg.Tracks.TrackEntry[1].CodecID)
	assert.Equal(t, byte(2), seg.Tracks.TrackEntry[1].CodecPrivate[0])

	n, err = p.Parse(data[n:])
	require.NoError(t, err)
	assert.Equal(t, muxed[1], n)
	last := p.LastElement()
	assert.Equal(t, webmio.ElementCluster.ID, last.ID)
	assert.Equal(t, uint64(0), last.Timecode)
	assert.Greater(t, last.Blocks, 0)
}

func TestPartialClusterKeepsCursor(t *testing.T) {
	data, muxed := muxStream(t)
	p := New(testLogger())
	_, err := p.Parse(data)
	require.NoError(t, err)

	rest := data[muxed[0]:]
	half := muxed[1] / 2
	_, err = p.Parse(rest[:half])
	assert.ErrorIs(t, err, ErrNeedMoreData)
	assert.True(t, p.InProgress())
	assert.Equal(t, int64(muxed[0]), p.TotalParsed(), "partial clusters do not advance the counter")

	n, err := p.Parse(rest)
	require.NoError(t, err)
	assert.Equal(t, muxed[1], n)
	assert.False(t, p.InProgress())
}

func element(id uint32, body []byte) []byte {
	b := webmio.AppendID(nil, id)
	b = webmio.AppendSize(b, uint64(len(body)))
	return append(b, body...)
}

func unknownCluster(timecode byte, blocks int) []byte {
	b := webmio.AppendID(nil, webmio.ElementCluster.ID)
	b = webmio.AppendUnknownSize(b)
	b = append(b, element(webmio.ElementTimecode.ID, []byte{timecode})...)
	for i := 0; i < blocks; i++ {
		b = append(b, element(webmio.ElementSimpleBlock.ID, []byte{0x81, 0x00, byte(i), 0x80, 0xaa})...)
	}
	return b
}

func TestUnknownSizeClusters(t *testing.T) {
	data, muxed := muxStream(t)
	header := data[:muxed[0]]

	first := unknownCluster(0, 3)
	second := unknownCluster(10, 2)
	void := element(webmio.ElementVoid.ID, make([]byte, 4))

	stream := append(append(append(append([]byte{}, header...), void...), first...), second...)

	p := New(testLogger())
	n, err := p.Parse(stream)
	require.NoError(t, err)
	stream = stream[n:]

	n, err = p.Parse(stream)
	require.NoError(t, err)
	assert.Equal(t, len(void), n)
	assert.Equal(t, webmio.ElementVoid.ID, p.LastElement().ID)
	stream = stream[n:]

	n, err = p.Parse(stream)
	require.NoError(t, err)
	assert.Equal(t, len(first), n, "closed by the next cluster")
	assert.Equal(t, 3, p.LastElement().Blocks)
	stream = stream[n:]

	_, err = p.Parse(stream)
	assert.ErrorIs(t, err, ErrNeedMoreData, "last cluster has no terminator")

	n, err = p.Flush(stream)
	require.NoError(t, err)
	assert.Equal(t, len(second), n)
	assert.Equal(t, uint64(10), p.LastElement().Timecode)
	assert.Equal(t, int64(2), p.ClustersParsed())
}

func TestParseErrors(t *testing.T) {
	data, muxed := muxStream(t)
	header := data[:muxed[0]]

	tests := []struct {
		name  string
		input func() []byte
	}{
		{
			name:  "not EBML",
			input: func() []byte { return element(webmio.ElementSegment.ID, []byte{1, 2, 3}) },
		},
		{
			name: "bad doc type",
			input: func() []byte {
				return element(webmio.ElementEBML.ID, element(webmio.ElementDocType.ID, []byte("mp4")))
			},
		},
		{
			name: "cluster before tracks",
			input: func() []byte {
				b := element(webmio.ElementEBML.ID, element(webmio.ElementDocType.ID, []byte("webm")))
				b = append(b, webmio.AppendID(nil, webmio.ElementSegment.ID)...)
				b = webmio.AppendUnknownSize(b)
				return append(b, unknownCluster(0, 1)...)
			},
		},
		{
			name: "child past cluster end",
			input: func() []byte {
				b := append([]byte{}, header...)
				b = append(b, webmio.AppendID(nil, webmio.ElementCluster.ID)...)
				b = webmio.AppendSize(b, 3)
				return append(b, element(webmio.ElementSimpleBlock.ID, make([]byte, 10))...)
			},
		},
		{
			name: "unknown size block",
			input: func() []byte {
				b := append([]byte{}, header...)
				b = append(b, unknownCluster(0, 0)...)
				b = append(b, webmio.AppendID(nil, webmio.ElementSimpleBlock.ID)...)
				return webmio.AppendUnknownSize(b)
			},
		},
		{
			name: "stray element between clusters",
			input: func() []byte {
				return append(append([]byte{}, header...), element(webmio.ElementSimpleBlock.ID, []byte{1})...)
			},
		},
		{
			name:  "invalid vint",
			input: func() []byte { return []byte{0x00, 0x00} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := tt.input()
			p := New(testLogger())

			var err error
			for {
				var n int
				n, err = p.Parse(input)
				if err != nil {
					break
				}
				input = input[n:]
			}
			require.ErrorIs(t, err, ErrParse)

			_, again := p.Parse(input)
			assert.ErrorIs(t, again, ErrParse, "parse errors are sticky")
		})
	}
}

func TestEmptyWindow(t *testing.T) {
	p := New(testLogger())
	_, err := p.Parse(nil)
	assert.ErrorIs(t, err, ErrNeedMoreData)
}

func TestParseErrorKeepsCause(t *testing.T) {
	p := New(testLogger())
	_, err := p.Parse([]byte{0x00, 0x00})
	require.ErrorIs(t, err, ErrParse)
	assert.ErrorIs(t, err, webmio.ErrInvalidVint)
}
