package webmio

import (
	"github.com/at-wat/ebml-go"
)

// Matroska track types.
const (
	TrackTypeVideo uint64 = 1
	TrackTypeAudio uint64 = 2
)

// Codec IDs written into TrackEntry.CodecID.
const (
	CodecVP8    = "V_VP8"
	CodecVP9    = "V_VP9"
	CodecVorbis = "A_VORBIS"
)

// DefaultTimecodeScale is one millisecond per tick.
const DefaultTimecodeScale uint64 = 1000000

// EBMLHeader is the document header of a WebM stream.
type EBMLHeader struct {
	EBMLVersion        uint64 `ebml:"EBMLVersion"`
	EBMLReadVersion    uint64 `ebml:"EBMLReadVersion"`
	EBMLMaxIDLength    uint64 `ebml:"EBMLMaxIDLength"`
	EBMLMaxSizeLength  uint64 `ebml:"EBMLMaxSizeLength"`
	DocType            string `ebml:"EBMLDocType"`
	DocTypeVersion     uint64 `ebml:"EBMLDocTypeVersion"`
	DocTypeReadVersion uint64 `ebml:"EBMLDocTypeReadVersion"`
}

// DefaultEBMLHeader returns the header written for WebM output.
func DefaultEBMLHeader() EBMLHeader {
	return EBMLHeader{
		EBMLVersion:        1,
		EBMLReadVersion:    1,
		EBMLMaxIDLength:    maxIDLength,
		EBMLMaxSizeLength:  maxSizeLength,
		DocType:            "webm",
		DocTypeVersion:     2,
		DocTypeReadVersion: 2,
	}
}

// Info is the segment information element.
type Info struct {
	TimecodeScale uint64 `ebml:"TimecodeScale"`
	MuxingApp     string `ebml:"MuxingApp,omitempty"`
	WritingApp    string `ebml:"WritingApp,omitempty"`
}

// Video holds the video settings of a track entry.
type Video struct {
	PixelWidth  uint64 `ebml:"PixelWidth"`
	PixelHeight uint64 `ebml:"PixelHeight"`
}

// Audio holds the audio settings of a track entry.
type Audio struct {
	SamplingFrequency float64 `ebml:"SamplingFrequency"`
	Channels          uint64  `ebml:"Channels"`
	BitDepth          uint64  `ebml:"BitDepth,omitempty"`
}

// TrackEntry describes one track of the segment.
type TrackEntry struct {
	Name         string `ebml:"Name,omitempty"`
	TrackNumber  uint64 `ebml:"TrackNumber"`
	TrackUID     uint64 `ebml:"TrackUID"`
	TrackType    uint64 `ebml:"TrackType"`
	CodecID      string `ebml:"CodecID"`
	CodecPrivate []byte `ebml:"CodecPrivate,omitempty"`
	Video        *Video `ebml:"Video,omitempty"`
	Audio        *Audio `ebml:"Audio,omitempty"`
}

// Tracks is the track list element.
type Tracks struct {
	TrackEntry []TrackEntry `ebml:"TrackEntry"`
}

// SegmentHeaders is everything a live WebM stream carries before its first
// cluster. The segment size stays unknown: the stream has no end yet.
type SegmentHeaders struct {
	Header  EBMLHeader      `ebml:"EBML"`
	Segment SegmentMetadata `ebml:"Segment,size=unknown"`
}

// SegmentMetadata holds the level 1 elements written ahead of clusters.
type SegmentMetadata struct {
	Info   Info   `ebml:"Info"`
	Tracks Tracks `ebml:"Tracks"`
}

// ClusterTimecode is the first child of every cluster.
type ClusterTimecode struct {
	Timecode uint64 `ebml:"Timecode"`
}

// SimpleBlocks wraps blocks so that they marshal as SimpleBlock elements.
type SimpleBlocks struct {
	SimpleBlock []ebml.Block `ebml:"SimpleBlock"`
}
