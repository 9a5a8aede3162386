package demux

import (
	"log/slog"
	"strconv"
)

// videoParser turns reassembled video PES payloads into access units.
type videoParser interface {
	parsePES(track *VideoTrack, text *TextTrack, pes *pesPacket, endOfSegment bool)
}

// nalScanner holds the Annex B scanning state shared by the AVC and HEVC
// parsers. The pending sample is the access unit under construction; it is
// only pushed to the track once the next access unit starts.
type nalScanner struct {
	logger   *slog.Logger
	unitType func(b byte) uint8
	sample   *VideoSample
}

func (p *nalScanner) newSample(key bool, pes *pesPacket) *VideoSample {
	return &VideoSample{
		Key:    key,
		PTS:    pes.pts,
		DTS:    pes.dts,
		hasPTS: pes.hasPTS,
	}
}

// pushAccessUnit appends s to the track if it holds a picture. Samples
// without a timestamp inherit the previous sample's, or are dropped.
func (p *nalScanner) pushAccessUnit(s *VideoSample, track *VideoTrack) {
	if len(s.Units) == 0 || !s.frame {
		return
	}
	if !s.hasPTS {
		n := len(track.Samples)
		if n == 0 {
			track.Dropped++
			return
		}
		s.PTS = track.Samples[n-1].PTS
		s.DTS = track.Samples[n-1].DTS
		s.hasPTS = true
	}
	track.Samples = append(track.Samples, s)
}

func (p *nalScanner) appendUnit(s *VideoSample, unit NALUnit) {
	s.Units = append(s.Units, unit)
	if s.Debug != "" {
		s.Debug += " "
	}
	s.Debug += strconv.Itoa(int(unit.Type))
}

// lastNALUnit returns the most recent unit, either in the pending sample or
// in the last sample already pushed to the track.
func (p *nalScanner) lastNALUnit(track *VideoTrack) *NALUnit {
	s := p.sample
	if s == nil || len(s.Units) == 0 {
		if len(track.Samples) == 0 {
			return nil
		}
		s = track.Samples[len(track.Samples)-1]
	}
	if len(s.Units) == 0 {
		return nil
	}
	return &s.Units[len(s.Units)-1]
}

// parseNALUnits splits data at Annex B start codes. Scanning state is kept on
// the track so that a start code split across two PES payloads is found, and
// bytes preceding the first start code are appended to the previous unit.
func (p *nalScanner) parseNALUnits(track *VideoTrack, data []byte) []NALUnit {
	n := len(data)
	if n == 0 {
		return nil
	}

	var units []NALUnit
	state := track.naluState
	lastState := state
	lastUnitStart := -1
	var lastUnitType uint8
	startCodes := 0
	i := 0

	if state == -1 {
		// The previous payload ended right after a start code.
		lastUnitStart = 0
		lastUnitType = p.unitType(data[0])
		state = 0
		i = 1
	}

	for i < n {
		value := data[i]
		i++
		switch {
		case state == 0:
			if value == 0 {
				state = 1
			}
			continue
		case state == 1:
			if value == 0 {
				state = 2
			} else {
				state = 0
			}
			continue
		}

		switch value {
		case 0:
			state = 3
		case 1:
			startCodes++
			overflow := i - state - 1
			if lastUnitStart >= 0 {
				units = append(units, NALUnit{Type: lastUnitType, Data: data[lastUnitStart:overflow]})
			} else if last := p.lastNALUnit(track); last != nil {
				// The start code began in the previous payload; drop the
				// zero bytes it left at the end of the last unit.
				if lastState > 0 && i <= 4-lastState && last.state != 0 && len(last.Data) >= lastState {
					last.Data = last.Data[:len(last.Data)-lastState]
				}
				if overflow > 0 {
					last.Data = append(last.Data[:len(last.Data):len(last.Data)], data[:overflow]...)
					last.state = 0
				}
			}
			if i < n {
				lastUnitType = p.unitType(data[i])
				lastUnitStart = i
				state = 0
			} else {
				state = -1
			}
		default:
			state = 0
		}
	}

	if lastUnitStart >= 0 && state >= 0 {
		units = append(units, NALUnit{Type: lastUnitType, Data: data[lastUnitStart:], state: state})
	}

	// No start code at all: the whole payload continues the previous unit.
	if len(units) == 0 && startCodes == 0 {
		if last := p.lastNALUnit(track); last != nil {
			last.Data = append(last.Data[:len(last.Data):len(last.Data)], data...)
		}
	}

	track.naluState = state
	return units
}
