package webmio

const (
	ElementTypeUnknown uint8 = 0x0
	ElementTypeMaster  uint8 = 0x1
	ElementTypeUint    uint8 = 0x2
	ElementTypeInt     uint8 = 0x3
	ElementTypeString  uint8 = 0x4
	ElementTypeUnicode uint8 = 0x5
	ElementTypeBinary  uint8 = 0x6
	ElementTypeFloat   uint8 = 0x7
)

// ElementRegister contains the ID, type, name and nesting level of the
// WebM elements this module reads or writes. Level is the depth below the
// EBML or Segment root; the roots themselves are level 0.
type ElementRegister struct {
	ID    uint32
	Type  uint8
	Name  string
	Level int
}

var (
	ElementUnknown = ElementRegister{0x0, ElementTypeUnknown, "Unknown", -1}

	ElementEBML               = ElementRegister{0x1a45dfa3, ElementTypeMaster, "EBML", 0}
	ElementEBMLVersion        = ElementRegister{0x4286, ElementTypeUint, "EBMLVersion", 1}
	ElementEBMLReadVersion    = ElementRegister{0x42f7, ElementTypeUint, "EBMLReadVersion", 1}
	ElementEBMLMaxIDLength    = ElementRegister{0x42f2, ElementTypeUint, "EBMLMaxIDLength", 1}
	ElementEBMLMaxSizeLength  = ElementRegister{0x42f3, ElementTypeUint, "EBMLMaxSizeLength", 1}
	ElementDocType            = ElementRegister{0x4282, ElementTypeString, "DocType", 1}
	ElementDocTypeVersion     = ElementRegister{0x4287, ElementTypeUint, "DocTypeVersion", 1}
	ElementDocTypeReadVersion = ElementRegister{0x4285, ElementTypeUint, "DocTypeReadVersion", 1}
	ElementVoid               = ElementRegister{0xec, ElementTypeBinary, "Void", -1}
	ElementCRC32              = ElementRegister{0xbf, ElementTypeBinary, "CRC-32", -1}

	ElementSegment     = ElementRegister{0x18538067, ElementTypeMaster, "Segment", 0}
	ElementSeekHead    = ElementRegister{0x114d9b74, ElementTypeMaster, "SeekHead", 1}
	ElementInfo        = ElementRegister{0x1549a966, ElementTypeMaster, "Info", 1}
	ElementTracks      = ElementRegister{0x1654ae6b, ElementTypeMaster, "Tracks", 1}
	ElementCluster     = ElementRegister{0x1f43b675, ElementTypeMaster, "Cluster", 1}
	ElementCues        = ElementRegister{0x1c53bb6b, ElementTypeMaster, "Cues", 1}
	ElementAttachments = ElementRegister{0x1941a469, ElementTypeMaster, "Attachments", 1}
	ElementChapters    = ElementRegister{0x1043a770, ElementTypeMaster, "Chapters", 1}
	ElementTags        = ElementRegister{0x1254c367, ElementTypeMaster, "Tags", 1}

	ElementTimecodeScale = ElementRegister{0x2ad7b1, ElementTypeUint, "TimecodeScale", 2}
	ElementMuxingApp     = ElementRegister{0x4d80, ElementTypeUnicode, "MuxingApp", 2}
	ElementWritingApp    = ElementRegister{0x5741, ElementTypeUnicode, "WritingApp", 2}

	ElementTrackEntry        = ElementRegister{0xae, ElementTypeMaster, "TrackEntry", 2}
	ElementTrackNumber       = ElementRegister{0xd7, ElementTypeUint, "TrackNumber", 3}
	ElementTrackUID          = ElementRegister{0x73c5, ElementTypeUint, "TrackUID", 3}
	ElementTrackType         = ElementRegister{0x83, ElementTypeUint, "TrackType", 3}
	ElementCodecID           = ElementRegister{0x86, ElementTypeString, "CodecID", 3}
	ElementCodecPrivate      = ElementRegister{0x63a2, ElementTypeBinary, "CodecPrivate", 3}
	ElementVideo             = ElementRegister{0xe0, ElementTypeMaster, "Video", 3}
	ElementPixelWidth        = ElementRegister{0xb0, ElementTypeUint, "PixelWidth", 4}
	ElementPixelHeight       = ElementRegister{0xba, ElementTypeUint, "PixelHeight", 4}
	ElementAudio             = ElementRegister{0xe1, ElementTypeMaster, "Audio", 3}
	ElementSamplingFrequency = ElementRegister{0xb5, ElementTypeFloat, "SamplingFrequency", 4}
	ElementChannels          = ElementRegister{0x9f, ElementTypeUint, "Channels", 4}
	ElementBitDepth          = ElementRegister{0x6264, ElementTypeUint, "BitDepth", 4}

	ElementTimecode    = ElementRegister{0xe7, ElementTypeUint, "Timecode", 2}
	ElementPrevSize    = ElementRegister{0xab, ElementTypeUint, "PrevSize", 2}
	ElementSimpleBlock = ElementRegister{0xa3, ElementTypeBinary, "SimpleBlock", 2}
	ElementBlockGroup  = ElementRegister{0xa0, ElementTypeMaster, "BlockGroup", 2}
)

var registers = map[uint32]ElementRegister{}

func init() {
	for _, r := range []ElementRegister{
		ElementEBML, ElementEBMLVersion, ElementEBMLReadVersion, ElementEBMLMaxIDLength,
		ElementEBMLMaxSizeLength, ElementDocType, ElementDocTypeVersion, ElementDocTypeReadVersion,
		ElementVoid, ElementCRC32,
		ElementSegment, ElementSeekHead, ElementInfo, ElementTracks, ElementCluster,
		ElementCues, ElementAttachments, ElementChapters, ElementTags,
		ElementTimecodeScale, ElementMuxingApp, ElementWritingApp,
		ElementTrackEntry, ElementTrackNumber, ElementTrackUID, ElementTrackType,
		ElementCodecID, ElementCodecPrivate, ElementVideo, ElementPixelWidth, ElementPixelHeight,
		ElementAudio, ElementSamplingFrequency, ElementChannels, ElementBitDepth,
		ElementTimecode, ElementPrevSize, ElementSimpleBlock, ElementBlockGroup,
	} {
		registers[r.ID] = r
	}
}

// GetElementRegister returns the infos concerning the provided element ID
func GetElementRegister(id uint32) ElementRegister {
	if r, ok := registers[id]; ok {
		return r
	}
	return ElementUnknown
}

// IsTopLevel reports whether id starts an element that lives directly
// under Segment, or a new EBML document. An unknown-size Cluster ends
// where one of these begins.
func IsTopLevel(id uint32) bool {
	switch id {
	case ElementEBML.ID, ElementSegment.ID,
		ElementSeekHead.ID, ElementInfo.ID, ElementTracks.ID, ElementCluster.ID,
		ElementCues.ID, ElementAttachments.ID, ElementChapters.ID, ElementTags.ID:
		return true
	}
	return false
}
