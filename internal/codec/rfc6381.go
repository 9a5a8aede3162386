package codec

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"strings"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// AVCString returns the avc1 codec parameter for an SPS NAL unit.
func AVCString(sps []byte) string {
	if len(sps) < 4 {
		return "avc1"
	}
	return fmt.Sprintf("avc1.%02x%02x%02x", sps[1], sps[2], sps[3])
}

// HEVCString returns the hvc1 codec parameter built from the general
// profile_tier_level of an SPS NAL unit.
func HEVCString(sps []byte) string {
	if len(sps) < 3 {
		return "hvc1"
	}
	rbsp := h264.EmulationPreventionRemove(sps[2:])
	// rbsp[0] holds the VPS id, max sub layers and temporal nesting flag.
	if len(rbsp) < 13 {
		return "hvc1"
	}
	ptl := rbsp[1:]
	space := ptl[0] >> 6
	tier := "L"
	if ptl[0]&0x20 != 0 {
		tier = "H"
	}
	profile := ptl[0] & 0x1f
	compat := bits.Reverse32(binary.BigEndian.Uint32(ptl[1:5]))
	constraints := ptl[5:11]
	level := ptl[11]

	var sb strings.Builder
	sb.WriteString("hvc1.")
	sb.WriteString([]string{"", "A", "B", "C"}[space])
	fmt.Fprintf(&sb, "%d.%X.%s%d", profile, compat, tier, level)

	last := len(constraints)
	for last > 0 && constraints[last-1] == 0 {
		last--
	}
	for _, c := range constraints[:last] {
		fmt.Fprintf(&sb, ".%X", c)
	}
	return sb.String()
}

// AACString returns the mp4a codec parameter for an MPEG-4 audio object type.
func AACString(objectType int) string {
	return fmt.Sprintf("mp4a.40.%d", objectType)
}

// Codec parameters of the non-AAC audio codecs.
const (
	MP3String = "mp3"
	AC3String = "ac-3"
)
