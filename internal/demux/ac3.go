package demux

import "math"

const ac3SamplesPerFrame = 1536

var ac3SampleRates = [3]int{48000, 44100, 32000}

// ac3FrameSizeWords is indexed by [frmsizecod][fscod] and gives the frame
// size in 16-bit words.
var ac3FrameSizeWords = [38][3]int{
	{64, 69, 96}, {64, 70, 96},
	{80, 87, 120}, {80, 88, 120},
	{96, 104, 144}, {96, 105, 144},
	{112, 121, 168}, {112, 122, 168},
	{128, 139, 192}, {128, 140, 192},
	{160, 174, 240}, {160, 175, 240},
	{192, 208, 288}, {192, 209, 288},
	{224, 243, 336}, {224, 244, 336},
	{256, 278, 384}, {256, 279, 384},
	{320, 348, 480}, {320, 349, 480},
	{384, 417, 576}, {384, 418, 576},
	{448, 487, 672}, {448, 488, 672},
	{512, 557, 768}, {512, 558, 768},
	{640, 696, 960}, {640, 697, 960},
	{768, 835, 1152}, {768, 836, 1152},
	{896, 975, 1344}, {896, 976, 1344},
	{1024, 1114, 1536}, {1024, 1115, 1536},
	{1152, 1253, 1728}, {1152, 1254, 1728},
	{1280, 1393, 1920}, {1280, 1394, 1920},
}

// ac3ChannelsByMode maps acmod to the number of full bandwidth channels.
var ac3ChannelsByMode = [8]int{2, 1, 2, 3, 3, 4, 4, 5}

type ac3Header struct {
	sampleRate  int
	channels    int
	frameLength int
	info        AC3Info
}

func isAC3Sync(data []byte, offset int) bool {
	return offset+1 < len(data) && data[offset] == 0x0b && data[offset+1] == 0x77
}

// ac3BSID returns the bitstream id of the AC-3 frame at offset, or -1.
func ac3BSID(data []byte, offset int) int {
	if offset+5 >= len(data) {
		return -1
	}
	return int(data[offset+5] >> 3)
}

func parseAC3Header(data []byte, offset int) (ac3Header, bool) {
	if offset+8 > len(data) || !isAC3Sync(data, offset) {
		return ac3Header{}, false
	}
	fscod := int(data[offset+4] >> 6)
	if fscod >= 3 {
		return ac3Header{}, false
	}
	frmsizecod := int(data[offset+4] & 0x3f)
	if frmsizecod >= len(ac3FrameSizeWords) {
		return ac3Header{}, false
	}

	acmod := int(data[offset+6] >> 5)
	skip := 0
	if acmod == 2 {
		skip += 2
	} else {
		if acmod&1 != 0 && acmod != 1 {
			skip += 2
		}
		if acmod&4 != 0 {
			skip += 2
		}
	}
	lfe := (int(data[offset+6])<<8 | int(data[offset+7])) >> (12 - skip) & 1

	return ac3Header{
		sampleRate:  ac3SampleRates[fscod],
		channels:    ac3ChannelsByMode[acmod] + lfe,
		frameLength: ac3FrameSizeWords[frmsizecod][fscod] * 2,
		info: AC3Info{
			Fscod:       uint8(fscod),
			Bsid:        data[offset+5] >> 3,
			Bsmod:       data[offset+5] & 0x07,
			Acmod:       uint8(acmod),
			LfeOn:       lfe == 1,
			BitRateCode: uint8(frmsizecod >> 1),
		},
	}, true
}

// appendAC3Frame pushes the frame at offset to the track. It returns the
// frame length, or 0 when no complete frame is available.
func appendAC3Frame(track *AudioTrack, data []byte, offset int, pts int64, frameIndex int) int {
	hdr, ok := parseAC3Header(data, offset)
	if !ok || offset+hdr.frameLength > len(data) {
		return 0
	}
	frameDuration := float64(ac3SamplesPerFrame) * Timescale / float64(hdr.sampleRate)
	stamp := pts + int64(math.Round(float64(frameIndex)*frameDuration))

	track.SampleRate = hdr.sampleRate
	track.Channels = hdr.channels
	track.SamplesPerFrame = ac3SamplesPerFrame
	track.CodecString = "ac-3"
	track.AC3 = &hdr.info
	track.Samples = append(track.Samples, &AudioSample{
		PTS:  stamp,
		Data: data[offset : offset+hdr.frameLength],
	})
	return hdr.frameLength
}
