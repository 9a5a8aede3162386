package demux

import (
	"log/slog"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/google/uuid"
)

// SEI payload types extracted into the text track.
const (
	seiUserDataRegistered   = 4
	seiUserDataUnregistered = 5
)

const (
	ituT35CountryUSA   = 181
	ituT35ProviderATSC = 49
	atscUserIdentifier = "GA94"
	atscCaptionType    = 3
)

// parseSEIMessages walks the SEI messages of an SEI NAL unit and appends
// CEA-608/708 caption data and unregistered user data to the text track.
// headerSize is the NAL header length: 1 for AVC, 2 for HEVC.
func parseSEIMessages(nalu []byte, headerSize int, pts int64, text *TextTrack, logger *slog.Logger) {
	if text == nil || len(nalu) <= headerSize {
		return
	}
	data := h264.EmulationPreventionRemove(nalu)
	end := len(data)
	ptr := headerSize

	for ptr < end {
		payloadType := 0
		for ptr < end {
			b := data[ptr]
			ptr++
			payloadType += int(b)
			if b != 0xff {
				break
			}
		}
		payloadSize := 0
		for ptr < end {
			b := data[ptr]
			ptr++
			payloadSize += int(b)
			if b != 0xff {
				break
			}
		}

		leftOver := end - ptr
		if payloadSize > leftOver {
			logger.Debug("malformed SEI payload size",
				slog.Int("payload_type", payloadType),
				slog.Int("payload_size", payloadSize),
				slog.Int("available", leftOver))
			return
		}
		payload := data[ptr : ptr+payloadSize]

		switch payloadType {
		case seiUserDataRegistered:
			if cc := atscCaptionData(payload); cc != nil {
				text.Samples = append(text.Samples, &UserdataSample{
					PTS:         pts,
					PayloadType: payloadType,
					Bytes:       cc,
				})
			}
		case seiUserDataUnregistered:
			if len(payload) > 16 {
				id, err := uuid.FromBytes(payload[:16])
				if err == nil {
					userData := make([]byte, len(payload)-16)
					copy(userData, payload[16:])
					text.Samples = append(text.Samples, &UserdataSample{
						PTS:         pts,
						PayloadType: payloadType,
						UUID:        id.String(),
						Bytes:       userData,
					})
				}
			}
		}

		ptr += payloadSize
		// rbsp_trailing_bits
		if ptr == end-1 && data[ptr] == 0x80 {
			return
		}
	}
}

// atscCaptionData returns the cc_data triplets of an ATSC A/53 caption
// payload, including the leading cc_count byte, or nil when payload is not
// a caption payload.
func atscCaptionData(payload []byte) []byte {
	if len(payload) < 10 {
		return nil
	}
	if payload[0] != ituT35CountryUSA {
		return nil
	}
	provider := int(payload[1])<<8 | int(payload[2])
	if provider != ituT35ProviderATSC {
		return nil
	}
	if string(payload[3:7]) != atscUserIdentifier || payload[7] != atscCaptionType {
		return nil
	}
	// payload[8] holds process_cc_data_flag and cc_count, payload[9] is em_data.
	count := int(payload[8] & 0x1f)
	need := 10 + count*3
	if count == 0 || need > len(payload) {
		return nil
	}
	cc := make([]byte, 0, 2+count*3)
	cc = append(cc, payload[8], payload[9])
	cc = append(cc, payload[10:need]...)
	return cc
}
