package demux

import (
	"fmt"
	"math"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/jmylchreest/transmux/internal/codec"
)

// adtsSampleRates maps the ADTS sampling_frequency_index to Hz.
var adtsSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000,
	24000, 22050, 16000, 12000, 11025, 8000, 7350,
}

// aacFrameDuration returns the duration of a 1024-sample AAC frame on the
// 90 kHz clock.
func aacFrameDuration(sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return 1024 * Timescale / float64(sampleRate)
}

func isADTSHeaderPattern(data []byte, offset int) bool {
	return data[offset] == 0xff && data[offset+1]&0xf6 == 0xf0
}

// isADTSHeader reports whether an ADTS sync word starts at offset.
func isADTSHeader(data []byte, offset int) bool {
	return offset+1 < len(data) && isADTSHeaderPattern(data, offset)
}

func adtsHeaderLength(data []byte, offset int) int {
	if data[offset+1]&0x01 != 0 {
		return 7
	}
	return 9
}

func adtsFullFrameLength(data []byte, offset int) int {
	return int(data[offset+3]&0x03)<<11 |
		int(data[offset+4])<<3 |
		int(data[offset+5]&0xe0)>>5
}

// canParseADTS reports whether a complete ADTS frame starts at offset.
func canParseADTS(data []byte, offset int) bool {
	return offset+5 < len(data) &&
		isADTSHeaderPattern(data, offset) &&
		adtsFullFrameLength(data, offset) <= len(data)-offset
}

// probeADTS reports whether offset holds an ADTS frame followed by another
// sync word or the end of data.
func probeADTS(data []byte, offset int) bool {
	if !isADTSHeader(data, offset) {
		return false
	}
	headerLen := adtsHeaderLength(data, offset)
	if offset+headerLen >= len(data) || offset+5 >= len(data) {
		return false
	}
	frameLen := adtsFullFrameLength(data, offset)
	if frameLen <= headerLen {
		return false
	}
	next := offset + frameLen
	return next == len(data) || isADTSHeader(data, next)
}

type adtsHeader struct {
	headerLength int
	frameLength  int
}

func parseADTSFrameHeader(data []byte, offset int) (adtsHeader, bool) {
	if offset+5 >= len(data) {
		return adtsHeader{}, false
	}
	headerLen := adtsHeaderLength(data, offset)
	if offset+headerLen > len(data) {
		return adtsHeader{}, false
	}
	frameLen := adtsFullFrameLength(data, offset) - headerLen
	if frameLen <= 0 {
		return adtsHeader{}, false
	}
	return adtsHeader{headerLength: headerLen, frameLength: frameLen}, true
}

// parseADTSConfig reads the audio configuration from the ADTS header at offset.
func parseADTSConfig(data []byte, offset int) (*mpeg4audio.AudioSpecificConfig, error) {
	if offset+4 > len(data) {
		return nil, fmt.Errorf("ADTS header truncated")
	}
	profile := (data[offset+2] >> 6) & 0x03
	srIndex := (data[offset+2] >> 2) & 0x0f
	if int(srIndex) >= len(adtsSampleRates) {
		return nil, fmt.Errorf("invalid ADTS sampling index: %d", srIndex)
	}
	channelConfig := (data[offset+2]&0x01)<<2 | (data[offset+3]>>6)&0x03
	channels := int(channelConfig)
	switch channelConfig {
	case 0:
		// Program config element; stereo is the common case.
		channels = 2
	case 7:
		channels = 8
	}
	return &mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectType(profile + 1),
		SampleRate:   adtsSampleRates[srIndex],
		ChannelCount: channels,
	}, nil
}

// initADTSTrackConfig sets the track configuration from the first ADTS
// header of a stream, or again when the sampling parameters change.
func initADTSTrackConfig(track *AudioTrack, data []byte, offset int) error {
	cfg, err := parseADTSConfig(data, offset)
	if err != nil {
		return err
	}
	if track.Config != nil && track.Config.SampleRate == cfg.SampleRate &&
		track.Config.ChannelCount == cfg.ChannelCount && track.Config.Type == cfg.Type {
		return nil
	}
	track.Config = cfg
	track.SampleRate = cfg.SampleRate
	track.Channels = cfg.ChannelCount
	track.SamplesPerFrame = 1024
	track.CodecString = codec.AACString(int(cfg.Type))
	return nil
}

// adtsFrame is the outcome of appendADTSFrame. missing is the number of bytes
// the frame still needs, or -1 when even the header was cut off.
type adtsFrame struct {
	sample  *AudioSample
	length  int
	missing int
}

// appendADTSFrame extracts the frame at offset. Complete frames are pushed to
// the track; a frame that runs past the end of data is returned with missing
// set so the caller can carry it into the next PES.
func appendADTSFrame(track *AudioTrack, data []byte, offset int, pts int64, frameIndex int) adtsFrame {
	stamp := pts + int64(math.Round(float64(frameIndex)*aacFrameDuration(track.SampleRate)))

	hdr, ok := parseADTSFrameHeader(data, offset)
	if !ok {
		unit := make([]byte, len(data)-offset)
		copy(unit, data[offset:])
		return adtsFrame{
			sample:  &AudioSample{PTS: stamp, Data: unit},
			length:  len(data) - offset,
			missing: -1,
		}
	}

	length := hdr.headerLength + hdr.frameLength
	missing := offset + length - len(data)
	if missing < 0 {
		missing = 0
	}

	var unit []byte
	if missing > 0 {
		unit = make([]byte, hdr.frameLength)
		copy(unit, data[offset+hdr.headerLength:])
	} else {
		unit = data[offset+hdr.headerLength : offset+length]
	}

	sample := &AudioSample{PTS: stamp, Data: unit}
	if missing == 0 {
		track.Samples = append(track.Samples, sample)
	}
	return adtsFrame{sample: sample, length: length, missing: missing}
}
