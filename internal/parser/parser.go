// Package parser finds element boundaries in a live WebM byte stream.
//
// BufferParser is fed a window of the stream that starts at TotalParsed.
// Each successful Parse reports the length of one complete top level unit:
// first the header group (EBML header through Tracks), then one Cluster per
// call. The caller drops that many bytes from the front of its window before
// the next call. Running out of bytes is ErrNeedMoreData and never fatal.
package parser

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/at-wat/ebml-go"
	"github.com/pkg/errors"

	"github.com/webmproject/webmlive-sub001/internal/util"
	"github.com/webmproject/webmlive-sub001/internal/webmio"
)

// Mode is the state of the parser.
type Mode int

const (
	ModeSegmentHeaders Mode = iota
	ModeClusters
)

func (m Mode) String() string {
	if m == ModeClusters {
		return "clusters"
	}
	return "segment_headers"
}

// BufferParser is not safe for concurrent use.
type BufferParser struct {
	logger *slog.Logger

	mode        Mode
	totalParsed int64
	segment     Segment
	// cluster points into segment when a cluster is being loaded.
	cluster *Cluster

	clustersParsed int64
	last           Element
	err            error
}

// New creates a parser in ModeSegmentHeaders. A nil logger falls back to the
// global one.
func New(logger *slog.Logger) *BufferParser {
	if logger == nil {
		logger = util.GetLogger()
	}
	return &BufferParser{logger: logger.With("component", "buffer_parser")}
}

// Parse looks for one complete unit at the start of window and returns its
// length.
func (p *BufferParser) Parse(window []byte) (int, error) {
	if p.err != nil {
		return 0, p.err
	}

	var n int
	var err error
	switch p.mode {
	case ModeSegmentHeaders:
		n, err = p.parseSegmentHeaders(window)
	default:
		n, err = p.parseClusters(window)
	}

	if errors.Is(err, ErrParse) {
		p.err = err
		p.logger.Warn("Stream is malformed", "offset", p.totalParsed, "error", err)
	}
	return n, err
}

// Flush ends the stream. An unknown-size cluster has no terminator other
// than the next top level element, so at end of input it is closed at the
// end of window, provided every child in it is complete.
func (p *BufferParser) Flush(window []byte) (int, error) {
	n, err := p.Parse(window)
	if !errors.Is(err, ErrNeedMoreData) || p.cluster == nil {
		return n, err
	}

	c := p.cluster
	if c.Size != webmio.UnknownSize || c.cursor-p.totalParsed != int64(len(window)) {
		return 0, err
	}
	return p.completeCluster(c.cursor)
}

// readHeader decodes the element header at window[rel:], mapping short
// reads to ErrNeedMoreData.
func readHeader(window []byte, rel int64) (webmio.ElementHeader, error) {
	if rel >= int64(len(window)) {
		return webmio.ElementHeader{}, ErrNeedMoreData
	}
	h, err := webmio.ReadElementHeader(window[rel:])
	switch {
	case errors.Is(err, webmio.ErrShortBuffer):
		return h, ErrNeedMoreData
	case err != nil:
		return h, fmt.Errorf("%w: %w", ErrParse, err)
	}
	return h, nil
}

func (p *BufferParser) parseSegmentHeaders(window []byte) (int, error) {
	h, err := readHeader(window, 0)
	if err != nil {
		return 0, err
	}
	if h.ID != webmio.ElementEBML.ID {
		return 0, errors.Wrapf(ErrParse, "expected EBML header, found id 0x%x", h.ID)
	}
	if h.Unknown() {
		return 0, errors.Wrap(ErrParse, "EBML header with unknown size")
	}
	off := int64(h.TotalLen())
	if int64(len(window)) < off {
		return 0, ErrNeedMoreData
	}

	var doc struct {
		Header webmio.EBMLHeader `ebml:"EBML"`
	}
	if err := ebml.Unmarshal(bytes.NewReader(window[:off]), &doc, ebml.WithIgnoreUnknown(true)); err != nil {
		return 0, errors.Wrapf(ErrParse, "decode EBML header: %v", err)
	}
	if doc.Header.DocType != "webm" && doc.Header.DocType != "matroska" {
		return 0, errors.Wrapf(ErrParse, "doc type %q", doc.Header.DocType)
	}

	sh, err := readHeader(window, off)
	if err != nil {
		return 0, err
	}
	if sh.ID != webmio.ElementSegment.ID {
		return 0, errors.Wrapf(ErrParse, "expected Segment, found id 0x%x", sh.ID)
	}
	segOffset := off
	off += int64(sh.HeaderLen)

	seg := Segment{
		Header:     doc.Header,
		Offset:     p.totalParsed + segOffset,
		DataOffset: p.totalParsed + off,
		Size:       sh.Size,
	}
	segEnd := seg.end()

	var haveInfo, haveTracks bool
	for !haveInfo || !haveTracks {
		ch, err := readHeader(window, off)
		if err != nil {
			return 0, err
		}
		name := webmio.GetElementRegister(ch.ID).Name
		if ch.ID == webmio.ElementCluster.ID {
			return 0, errors.Wrap(ErrParse, "cluster before segment info and tracks")
		}
		if ch.Unknown() {
			return 0, errors.Wrapf(ErrParse, "%s with unknown size in segment headers", name)
		}
		end := off + int64(ch.TotalLen())
		if segEnd >= 0 && p.totalParsed+end > segEnd {
			return 0, errors.Wrapf(ErrParse, "%s ends past the segment", name)
		}
		if int64(len(window)) < end {
			return 0, ErrNeedMoreData
		}

		body := bytes.NewReader(window[off:end])
		switch ch.ID {
		case webmio.ElementInfo.ID:
			var v struct {
				Info webmio.Info `ebml:"Info"`
			}
			if err := ebml.Unmarshal(body, &v, ebml.WithIgnoreUnknown(true)); err != nil {
				return 0, errors.Wrapf(ErrParse, "decode Info: %v", err)
			}
			seg.Info = v.Info
			haveInfo = true
		case webmio.ElementTracks.ID:
			var v struct {
				Tracks webmio.Tracks `ebml:"Tracks"`
			}
			if err := ebml.Unmarshal(body, &v, ebml.WithIgnoreUnknown(true)); err != nil {
				return 0, errors.Wrapf(ErrParse, "decode Tracks: %v", err)
			}
			seg.Tracks = v.Tracks
			haveTracks = true
		default:
			p.logger.Debug("Skipping segment child", "element", name, "size", ch.Size)
		}
		off = end
	}

	seg.HeaderLen = off
	p.segment = seg
	p.last = Element{ID: webmio.ElementSegment.ID, Name: "SegmentHeaders", Offset: p.totalParsed, Length: off}
	p.totalParsed += off
	p.mode = ModeClusters

	p.logger.Debug("Segment headers parsed",
		"length", off,
		"tracks", len(seg.Tracks.TrackEntry),
		"timecode_scale", seg.Info.TimecodeScale)
	return int(off), nil
}

// standalone reports whether a top level element other than Cluster may
// appear between clusters.
func standalone(id uint32) bool {
	switch id {
	case webmio.ElementVoid.ID, webmio.ElementCRC32.ID,
		webmio.ElementSeekHead.ID, webmio.ElementCues.ID, webmio.ElementTags.ID,
		webmio.ElementChapters.ID, webmio.ElementAttachments.ID:
		return true
	}
	return false
}

func (p *BufferParser) parseClusters(window []byte) (int, error) {
	if p.cluster == nil {
		h, err := readHeader(window, 0)
		if err != nil {
			return 0, err
		}
		if segEnd := p.segment.end(); segEnd >= 0 && !h.Unknown() && p.totalParsed+int64(h.TotalLen()) > segEnd {
			return 0, errors.Wrapf(ErrParse, "element at %d ends past the segment", p.totalParsed)
		}

		if h.ID != webmio.ElementCluster.ID {
			return p.parseStandalone(window, h)
		}

		p.segment.loading = Cluster{
			Offset:    p.totalParsed,
			HeaderLen: h.HeaderLen,
			Size:      h.Size,
			cursor:    p.totalParsed + int64(h.HeaderLen),
		}
		p.cluster = &p.segment.loading
	}

	c := p.cluster
	end := c.dataEnd()
	for {
		if end >= 0 && c.cursor == end {
			return p.completeCluster(c.cursor)
		}

		rel := c.cursor - p.totalParsed
		ch, err := readHeader(window, rel)
		if err != nil {
			return 0, err
		}
		name := webmio.GetElementRegister(ch.ID).Name

		if end < 0 && webmio.IsTopLevel(ch.ID) {
			return p.completeCluster(c.cursor)
		}
		if ch.Unknown() {
			return 0, errors.Wrapf(ErrParse, "%s with unknown size inside cluster", name)
		}
		childEnd := c.cursor + int64(ch.TotalLen())
		if end >= 0 && childEnd > end {
			return 0, errors.Wrapf(ErrParse, "%s at %d ends past its cluster", name, c.cursor)
		}
		if int64(len(window)) < rel+int64(ch.TotalLen()) {
			return 0, ErrNeedMoreData
		}

		switch ch.ID {
		case webmio.ElementTimecode.ID:
			body := window[rel+int64(ch.HeaderLen) : rel+int64(ch.TotalLen())]
			tc, err := webmio.ReadUint(body)
			if err != nil {
				return 0, errors.Wrap(ErrParse, "cluster timecode")
			}
			c.Timecode = tc
		case webmio.ElementSimpleBlock.ID, webmio.ElementBlockGroup.ID:
			c.Blocks++
		}
		c.cursor = childEnd
	}
}

func (p *BufferParser) parseStandalone(window []byte, h webmio.ElementHeader) (int, error) {
	name := webmio.GetElementRegister(h.ID).Name
	if !standalone(h.ID) {
		return 0, errors.Wrapf(ErrParse, "unexpected element 0x%x (%s) between clusters", h.ID, name)
	}
	if h.Unknown() {
		return 0, errors.Wrapf(ErrParse, "%s with unknown size", name)
	}
	total := int64(h.TotalLen())
	if int64(len(window)) < total {
		return 0, ErrNeedMoreData
	}

	p.last = Element{ID: h.ID, Name: name, Offset: p.totalParsed, Length: total}
	p.totalParsed += total
	p.logger.Debug("Element parsed", "element", name, "length", total)
	return int(total), nil
}

// completeCluster closes the loading cluster at the absolute offset end.
func (p *BufferParser) completeCluster(end int64) (int, error) {
	c := p.cluster
	if c.Size == webmio.UnknownSize {
		c.Size = uint64(end - c.Offset - int64(c.HeaderLen))
	}
	length := end - c.Offset
	if c.Size == webmio.UnknownSize || length <= 0 {
		return 0, errors.Wrapf(ErrParse, "cluster at %d has no size after completion", c.Offset)
	}

	p.last = Element{
		ID:       webmio.ElementCluster.ID,
		Name:     webmio.ElementCluster.Name,
		Offset:   c.Offset,
		Length:   length,
		Timecode: c.Timecode,
		Blocks:   c.Blocks,
	}
	p.totalParsed += length
	p.clustersParsed++
	p.cluster = nil

	p.logger.Debug("Cluster parsed",
		"offset", c.Offset,
		"length", length,
		"timecode", c.Timecode,
		"blocks", c.Blocks)
	return int(length), nil
}

// Mode returns the current parse mode.
func (p *BufferParser) Mode() Mode {
	return p.mode
}

// TotalParsed returns the absolute offset of the first byte not yet
// reported.
func (p *BufferParser) TotalParsed() int64 {
	return p.totalParsed
}

// Segment returns the decoded header group. It is zero until the parser
// leaves ModeSegmentHeaders.
func (p *BufferParser) Segment() Segment {
	return p.segment
}

// ClustersParsed returns the number of clusters reported so far.
func (p *BufferParser) ClustersParsed() int64 {
	return p.clustersParsed
}

// LastElement describes the unit reported by the last successful Parse.
func (p *BufferParser) LastElement() Element {
	return p.last
}

// InProgress reports whether a cluster is partially parsed.
func (p *BufferParser) InProgress() bool {
	return p.cluster != nil
}
