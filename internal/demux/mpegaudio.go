package demux

import "math"

// MPEG audio version ids as coded in the frame header.
const (
	mpegVersion25 = 0x00
	mpegVersion2  = 0x02
	mpegVersion1  = 0x03
)

// mpegAudioBitrates is indexed by [version1?0:1][layer][bitrate index].
// Layer ids follow the header coding: 3 = Layer I, 2 = Layer II, 1 = Layer III.
var mpegAudioBitrates = [2][4][15]int{
	{ // MPEG-1
		{},
		{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320},
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384},
		{0, 32, 64, 96, 128, 160, 192, 224, 256, 288, 320, 352, 384, 416, 448},
	},
	{ // MPEG-2 and 2.5
		{},
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160},
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160},
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 144, 160, 176, 192, 224, 256},
	},
}

var mpegAudioSampleRates = map[byte][3]int{
	mpegVersion1:  {44100, 48000, 32000},
	mpegVersion2:  {22050, 24000, 16000},
	mpegVersion25: {11025, 12000, 8000},
}

type mpegAudioHeader struct {
	sampleRate      int
	channels        int
	frameLength     int
	samplesPerFrame int
}

// isMPEGAudioHeader reports whether an MPEG audio sync word starts at offset.
func isMPEGAudioHeader(data []byte, offset int) bool {
	return offset+1 < len(data) &&
		data[offset] == 0xff &&
		data[offset+1]&0xe0 == 0xe0 &&
		data[offset+1]&0x06 != 0x00
}

// canParseMPEGAudio reports whether a full frame header is available at offset.
func canParseMPEGAudio(data []byte, offset int) bool {
	return isMPEGAudioHeader(data, offset) && offset+4 <= len(data)
}

// probeMPEGAudio reports whether offset holds an MPEG audio frame followed by
// another sync word or the end of data.
func probeMPEGAudio(data []byte, offset int) bool {
	if !isMPEGAudioHeader(data, offset) {
		return false
	}
	frameLen := 4
	if hdr, ok := parseMPEGAudioHeader(data, offset); ok && hdr.frameLength > 0 {
		frameLen = hdr.frameLength
	}
	next := offset + frameLen
	return next == len(data) || isMPEGAudioHeader(data, next)
}

func parseMPEGAudioHeader(data []byte, offset int) (mpegAudioHeader, bool) {
	if offset+4 > len(data) {
		return mpegAudioHeader{}, false
	}
	version := (data[offset+1] >> 3) & 0x03
	layer := (data[offset+1] >> 1) & 0x03
	bitrateIndex := (data[offset+2] >> 4) & 0x0f
	srIndex := (data[offset+2] >> 2) & 0x03
	if version == 0x01 || layer == 0 || bitrateIndex == 0 || bitrateIndex == 0x0f || srIndex == 0x03 {
		return mpegAudioHeader{}, false
	}

	row := 1
	if version == mpegVersion1 {
		row = 0
	}
	bitrate := mpegAudioBitrates[row][layer][bitrateIndex] * 1000
	sampleRate := mpegAudioSampleRates[version][srIndex]
	padding := int(data[offset+2]>>1) & 0x01

	channels := 2
	if data[offset+3]>>6 == 0x03 {
		channels = 1
	}

	var coefficient, slot int
	switch layer {
	case 3: // Layer I
		coefficient, slot = 12, 4
	case 2: // Layer II
		coefficient, slot = 144, 1
	default: // Layer III
		coefficient, slot = 144, 1
		if version != mpegVersion1 {
			coefficient = 72
		}
	}

	return mpegAudioHeader{
		sampleRate:      sampleRate,
		channels:        channels,
		frameLength:     (coefficient*bitrate/sampleRate + padding) * slot,
		samplesPerFrame: coefficient * 8 * slot,
	}, true
}

// appendMPEGAudioFrame pushes the frame at offset to the track. It returns
// the frame length, or 0 when no complete frame is available.
func appendMPEGAudioFrame(track *AudioTrack, data []byte, offset int, pts int64, frameIndex int) int {
	hdr, ok := parseMPEGAudioHeader(data, offset)
	if !ok || hdr.frameLength <= 0 || offset+hdr.frameLength > len(data) {
		return 0
	}
	frameDuration := float64(hdr.samplesPerFrame) * Timescale / float64(hdr.sampleRate)
	stamp := pts + int64(math.Round(float64(frameIndex)*frameDuration))

	track.SampleRate = hdr.sampleRate
	track.Channels = hdr.channels
	track.SamplesPerFrame = hdr.samplesPerFrame
	track.CodecString = "mp3"
	track.Samples = append(track.Samples, &AudioSample{
		PTS:  stamp,
		Data: data[offset : offset+hdr.frameLength],
	})
	return hdr.frameLength
}
