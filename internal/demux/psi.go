package demux

import (
	"errors"
	"log/slog"

	"github.com/jmylchreest/transmux/internal/codec"
)

var (
	errUnsupportedEAC3 = errors.New("Unsupported EC-3 in M2TS found")
	errUnsupportedHEVC = errors.New("Unsupported HEVC in M2TS found")
)

// pmtResult is the set of elementary streams a PMT binds. PIDs are -1 when
// the program carries no such stream.
type pmtResult struct {
	videoPID   int
	audioPID   int
	id3PID     int
	videoCodec string
	audioCodec string
	// err is set when the PMT names a stream type we cannot handle.
	err error
}

// parsePAT returns the PMT PID of the first program. offset points at the
// table_id, past the pointer field.
func parsePAT(data []byte, offset int) int {
	if offset+12 > len(data) {
		return -1
	}
	return int(data[offset+10]&0x1f)<<8 | int(data[offset+11])
}

// parsePMT walks the elementary stream loop of the PMT at offset.
func parsePMT(data []byte, offset int, cfg Config, isSampleAES bool, logger *slog.Logger) pmtResult {
	result := pmtResult{
		videoPID:   -1,
		audioPID:   -1,
		id3PID:     -1,
		videoCodec: "avc",
		audioCodec: "aac",
	}
	if offset+12 > len(data) {
		return result
	}

	sectionLength := int(data[offset+1]&0x0f)<<8 | int(data[offset+2])
	tableEnd := offset + 3 + sectionLength - 4
	if tableEnd > len(data) {
		tableEnd = len(data)
	}
	programInfoLength := int(data[offset+10]&0x0f)<<8 | int(data[offset+11])
	offset += 12 + programInfoLength

	for offset+5 <= tableEnd {
		streamType := data[offset]
		pid := int(data[offset+1]&0x1f)<<8 | int(data[offset+2])
		esInfoLength := int(data[offset+3]&0x0f)<<8 | int(data[offset+4])
		esLog := logger.With(slog.Int("pid", pid), slog.String("stream_type", codec.StreamTypeName(streamType)))

		switch streamType {
		case codec.StreamTypeSampleAESAAC:
			if !isSampleAES {
				esLog.Warn("ADTS AAC with AES-128-CBC frame encryption found in unencrypted stream")
				break
			}
			fallthrough
		case codec.StreamTypeAAC:
			if result.audioPID == -1 {
				result.audioPID = pid
			}

		case codec.StreamTypeMetadata:
			if result.id3PID == -1 {
				result.id3PID = pid
			}

		case codec.StreamTypeSampleAESH264:
			if !isSampleAES {
				esLog.Warn("H.264 with AES-128-CBC slice encryption found in unencrypted stream")
				break
			}
			fallthrough
		case codec.StreamTypeH264:
			if result.videoPID == -1 {
				result.videoPID = pid
			}

		case codec.StreamTypeMPEG1Audio, codec.StreamTypeMPEG2Audio:
			if !cfg.TypeSupported.MPEG && !cfg.TypeSupported.MP3 {
				esLog.Debug("MPEG audio found, not supported in this environment")
			} else if result.audioPID == -1 {
				result.audioPID = pid
				result.audioCodec = "mp3"
			}

		case codec.StreamTypeSampleAESAC3:
			if !isSampleAES {
				esLog.Warn("AC-3 with AES-128-CBC frame encryption found in unencrypted stream")
				break
			}
			fallthrough
		case codec.StreamTypeAC3:
			if !cfg.EnableAdvancedCodecs {
				esLog.Debug("AC-3 in M2TS support not enabled")
			} else if !cfg.TypeSupported.AC3 {
				esLog.Debug("AC-3 audio found, not supported in this environment")
			} else if result.audioPID == -1 {
				result.audioPID = pid
				result.audioCodec = "ac3"
			}

		case codec.StreamTypePrivateData:
			// Private data carrying AC-3 is identified by its descriptor.
			if result.audioPID == -1 && esInfoLength > 0 {
				desc := offset + 5
				end := desc + esInfoLength
				if end > tableEnd {
					end = tableEnd
				}
				for desc+2 <= end {
					tag := data[desc]
					if tag == codec.DescriptorTagAC3 {
						if !cfg.EnableAdvancedCodecs {
							esLog.Debug("AC-3 in M2TS support not enabled")
						} else if !cfg.TypeSupported.AC3 {
							esLog.Debug("AC-3 audio found, not supported in this environment")
						} else {
							result.audioPID = pid
							result.audioCodec = "ac3"
						}
					}
					desc += 2 + int(data[desc+1])
				}
			}

		case codec.StreamTypeSampleAESEAC3, codec.StreamTypeEAC3:
			result.err = errUnsupportedEAC3
			return result

		case codec.StreamTypeH265:
			if !cfg.EnableAdvancedCodecs {
				result.err = errUnsupportedHEVC
				return result
			}
			if result.videoPID == -1 {
				result.videoPID = pid
				result.videoCodec = "hevc"
				esLog.Debug("HEVC in M2TS found")
			}

		default:
			esLog.Debug("unknown stream type")
		}

		offset += 5 + esInfoLength
	}
	return result
}
