package demux

import (
	"log/slog"

	"github.com/bluenviron/mediacommon/v2/pkg/bits"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/jmylchreest/transmux/internal/codec"
)

// avcParser assembles H.264 access units.
type avcParser struct {
	nalScanner
}

func newAVCParser(logger *slog.Logger) *avcParser {
	return &avcParser{nalScanner{
		logger:   logger,
		unitType: func(b byte) uint8 { return b & 0x1f },
	}}
}

func (p *avcParser) parsePES(track *VideoTrack, text *TextTrack, pes *pesPacket, endOfSegment bool) {
	units := p.parseNALUnits(track, pes.data)
	sample := p.sample
	spsFound := false

	// Without access unit delimiters a new PES starts a new access unit.
	if sample != nil && len(units) > 0 && !track.audFound {
		p.pushAccessUnit(sample, track)
		sample = p.newSample(false, pes)
	}

	for _, unit := range units {
		push := false
		switch h264.NALUType(unit.Type) {
		case h264.NALUTypeNonIDR:
			push = true
			key := false
			if spsFound && len(unit.Data) > 4 {
				switch readAVCSliceType(unit.Data) {
				case 2, 4, 7, 9:
					key = true
				}
			}
			if key && sample != nil && sample.frame && !sample.Key {
				p.pushAccessUnit(sample, track)
				sample = nil
			}
			if sample == nil {
				sample = p.newSample(true, pes)
			}
			sample.frame = true
			sample.Key = key

		case h264.NALUTypeIDR:
			push = true
			if sample != nil && sample.frame && !sample.Key {
				p.pushAccessUnit(sample, track)
				sample = nil
			}
			if sample == nil {
				sample = p.newSample(true, pes)
			}
			sample.Key = true
			sample.frame = true

		case h264.NALUTypeSEI:
			push = true
			parseSEIMessages(unit.Data, 1, pes.pts, text, p.logger)

		case h264.NALUTypeSPS:
			push = true
			spsFound = true
			if len(track.SPS) == 0 {
				p.readSPS(track, unit.Data)
			}

		case h264.NALUTypePPS:
			push = true
			if len(track.PPS) == 0 {
				track.PPS = [][]byte{unit.Data}
			}

		case h264.NALUTypeAccessUnitDelimiter:
			push = true
			track.audFound = true
			if sample != nil && sample.frame {
				p.pushAccessUnit(sample, track)
				sample = nil
			}
			if sample == nil {
				sample = p.newSample(false, pes)
			}

		case h264.NALUTypeFillerData:
			push = true
		}

		if sample != nil && push {
			p.appendUnit(sample, unit)
		}
	}

	p.sample = sample
	if endOfSegment && sample != nil {
		p.pushAccessUnit(sample, track)
		p.sample = nil
	}
}

func (p *avcParser) readSPS(track *VideoTrack, nalu []byte) {
	if len(nalu) < 4 {
		return
	}
	var sps h264.SPS
	if err := sps.Unmarshal(nalu); err != nil {
		p.logger.Warn("unable to parse SPS", slog.String("error", err.Error()))
	} else {
		track.Width = sps.Width()
		track.Height = sps.Height()
	}
	track.SPS = [][]byte{nalu}
	track.CodecString = codec.AVCString(nalu)
}

// readAVCSliceType returns slice_type from a slice NAL unit.
func readAVCSliceType(nalu []byte) int {
	rbsp := h264.EmulationPreventionRemove(nalu[1:])
	pos := 0
	if _, err := bits.ReadGolombUnsigned(rbsp, &pos); err != nil { // first_mb_in_slice
		return -1
	}
	sliceType, err := bits.ReadGolombUnsigned(rbsp, &pos)
	if err != nil {
		return -1
	}
	return int(sliceType)
}
