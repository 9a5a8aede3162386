package demux

import (
	"bytes"
	"log/slog"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"

	"github.com/jmylchreest/transmux/internal/codec"
)

// HEVC NAL unit types not named by the h265 package.
const (
	hevcTypeTrailMax  = 9
	hevcTypeIRAPMin   = 16
	hevcTypeIRAPMax   = 21
	hevcTypeAUD       = 35
	hevcTypePrefixSEI = 39
	hevcTypeSuffixSEI = 40
)

// hevcParser assembles H.265 access units.
type hevcParser struct {
	nalScanner
	initVPS []byte
}

func newHEVCParser(logger *slog.Logger) *hevcParser {
	return &hevcParser{nalScanner: nalScanner{
		logger:   logger,
		unitType: func(b byte) uint8 { return (b >> 1) & 0x3f },
	}}
}

func (p *hevcParser) parsePES(track *VideoTrack, text *TextTrack, pes *pesPacket, endOfSegment bool) {
	units := p.parseNALUnits(track, pes.data)
	sample := p.sample

	if sample != nil && len(units) > 0 && !track.audFound {
		p.pushAccessUnit(sample, track)
		sample = p.newSample(false, pes)
	}

	for _, unit := range units {
		push := false
		switch t := unit.Type; {
		case t <= hevcTypeTrailMax:
			if sample == nil {
				sample = p.newSample(false, pes)
			}
			sample.frame = true
			push = true

		case t >= hevcTypeIRAPMin && t <= hevcTypeIRAPMax:
			if sample != nil && sample.frame && !sample.Key {
				p.pushAccessUnit(sample, track)
				sample = nil
			}
			if sample == nil {
				sample = p.newSample(true, pes)
			}
			sample.Key = true
			sample.frame = true
			push = true

		case h265.NALUType(t) == h265.NALUType_VPS_NUT:
			push = true
			if p.initVPS == nil {
				p.initVPS = unit.Data
			}
			track.VPS = [][]byte{unit.Data}

		case h265.NALUType(t) == h265.NALUType_SPS_NUT:
			push = true
			// A new VPS with a different SPS means new parameter sets.
			if len(track.VPS) > 0 && !bytes.Equal(track.VPS[0], p.initVPS) &&
				len(track.SPS) > 0 && !bytes.Equal(track.SPS[0], unit.Data) {
				p.initVPS = track.VPS[0]
				track.SPS = nil
				track.PPS = nil
			}
			if len(track.SPS) == 0 {
				p.readSPS(track, unit.Data)
			}

		case h265.NALUType(t) == h265.NALUType_PPS_NUT:
			push = true
			if len(track.PPS) == 0 {
				track.PPS = [][]byte{unit.Data}
			}

		case t == hevcTypeAUD:
			push = true
			track.audFound = true
			if sample != nil && sample.frame {
				p.pushAccessUnit(sample, track)
				sample = nil
			}
			if sample == nil {
				sample = p.newSample(false, pes)
			}

		case t == hevcTypePrefixSEI, t == hevcTypeSuffixSEI:
			push = true
			parseSEIMessages(unit.Data, 2, pes.pts, text, p.logger)
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

func (p *hevcParser) readSPS(track *VideoTrack, nalu []byte) {
	var sps h265.SPS
	if err := sps.Unmarshal(nalu); err != nil {
		p.logger.Warn("unable to parse HEVC SPS", slog.String("error", err.Error()))
	} else {
		track.Width = sps.Width()
		track.Height = sps.Height()
	}
	track.SPS = [][]byte{nalu}
	track.CodecString = codec.HEVCString(nalu)
}
