package muxer

import (
	"math"

	"github.com/at-wat/ebml-go"
	"github.com/pkg/errors"

	"github.com/webmproject/webmlive-sub001/internal/webmio"
)

// clusterHeaderLen is the Cluster ID plus its 8-byte size placeholder.
const clusterHeaderLen = 4 + 8

// writeBuffer is the muxer's append-only output. It is an io.Writer so the
// ebml encoder can write straight into it.
type writeBuffer struct {
	b     []byte
	total int64
}

func (w *writeBuffer) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	w.total += int64(len(p))
	return len(p), nil
}

func (w *writeBuffer) Len() int {
	return len(w.b)
}

// erase drops the first n bytes, reusing the backing array.
func (w *writeBuffer) erase(n int) {
	rest := copy(w.b, w.b[n:])
	w.b = w.b[:rest]
}

// cluster is the open Cluster element. start is its offset in the write
// buffer; the size field is patched in place when it closes.
type cluster struct {
	start    int
	timecode int64
	blocks   int
}

func (c *cluster) relative(timestampMs int64) (int64, bool) {
	rel := timestampMs - c.timecode
	return rel, rel >= math.MinInt16 && rel <= math.MaxInt16
}

// needsCluster applies the cluster start rules to a frame about to be
// written.
func (m *Muxer) needsCluster(timestampMs int64, videoKeyframe bool) bool {
	c := m.cluster
	if c == nil {
		return true
	}
	if m.video != nil && videoKeyframe && c.blocks > 0 {
		return true
	}
	if m.audio != nil && m.maxClusterDurationMs > 0 && timestampMs-c.timecode >= m.maxClusterDurationMs {
		return true
	}
	_, ok := c.relative(timestampMs)
	return !ok
}

// startCluster closes the open cluster, moves the chunk boundary to the
// current end of the buffer and writes a new cluster header.
func (m *Muxer) startCluster(timestampMs int64) error {
	m.closeCluster()
	m.chunkEnd = m.buf.Len()

	start := m.buf.Len()
	hdr := webmio.AppendID(make([]byte, 0, clusterHeaderLen), webmio.ElementCluster.ID)
	hdr = webmio.AppendUnknownSize(hdr)
	if _, err := m.buf.Write(hdr); err != nil {
		return err
	}
	if err := ebml.Marshal(&webmio.ClusterTimecode{Timecode: uint64(timestampMs)}, &m.buf); err != nil {
		return errors.Wrap(err, "marshal cluster timecode")
	}

	m.cluster = &cluster{start: start, timecode: timestampMs}
	m.stats.Clusters++
	m.logger.Debug("Cluster started", "timecode", timestampMs, "offset", start, "chunk_end", m.chunkEnd)
	return nil
}

// closeCluster back-patches the size of the open cluster.
func (m *Muxer) closeCluster() {
	c := m.cluster
	if c == nil {
		return
	}
	size := uint64(m.buf.Len() - c.start - clusterHeaderLen)
	webmio.PutSize8(m.buf.b[c.start+4:], size)
	m.cluster = nil
	m.logger.Debug("Cluster closed", "timecode", c.timecode, "blocks", c.blocks, "size", size)
}

// writeBlock appends one SimpleBlock for t to the open cluster, starting a
// new cluster first when the start rules ask for it.
func (m *Muxer) writeBlock(t *track, data []byte, timestampMs int64, keyframe, videoKeyframe bool) error {
	if m.needsCluster(timestampMs, videoKeyframe) {
		if err := m.startCluster(timestampMs); err != nil {
			return err
		}
	}

	rel, _ := m.cluster.relative(timestampMs)
	block := webmio.SimpleBlocks{SimpleBlock: []ebml.Block{{
		TrackNumber: t.number(),
		Timecode:    int16(rel),
		Keyframe:    keyframe,
		Data:        [][]byte{data},
	}}}
	if err := ebml.Marshal(&block, &m.buf); err != nil {
		return errors.Wrap(err, "marshal simple block")
	}

	m.cluster.blocks++
	t.frames++
	if timestampMs > m.clockMs {
		m.clockMs = timestampMs
	}
	return nil
}
