package parser

import (
	"github.com/webmproject/webmlive-sub001/internal/webmio"
)

// Segment is the decoded header group of the stream. The parser owns the
// only instance for its whole lifetime.
type Segment struct {
	Header webmio.EBMLHeader
	Info   webmio.Info
	Tracks webmio.Tracks

	// Offset is the absolute position of the Segment element and DataOffset
	// the position of its first child. Size is webmio.UnknownSize for live
	// streams.
	Offset     int64
	DataOffset int64
	Size       uint64

	// HeaderLen is the length of the whole header group, EBML header
	// included.
	HeaderLen int64

	// loading is the slot for the cluster being parsed.
	loading Cluster
}

// end returns the absolute offset where the segment data ends, or -1 when
// the size is unknown.
func (s *Segment) end() int64 {
	if s.Size == webmio.UnknownSize {
		return -1
	}
	return s.DataOffset + int64(s.Size)
}

// Cluster is the parse state of one Cluster element.
type Cluster struct {
	Offset    int64
	HeaderLen int
	// Size is the data size; webmio.UnknownSize until an unknown-size
	// cluster is closed by the next top level element.
	Size     uint64
	Timecode uint64
	Blocks   int

	cursor int64
}

func (c *Cluster) dataEnd() int64 {
	if c.Size == webmio.UnknownSize {
		return -1
	}
	return c.Offset + int64(c.HeaderLen) + int64(c.Size)
}

// Element describes the last element Parse reported.
type Element struct {
	ID     uint32
	Name   string
	Offset int64
	Length int64
	// Timecode and Blocks are set for clusters.
	Timecode uint64
	Blocks   int
}
