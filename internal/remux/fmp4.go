package remux

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/jmylchreest/transmux/internal/codec"
	"github.com/jmylchreest/transmux/internal/demux"
)

// marshalInit encodes an init segment holding tracks.
func marshalInit(tracks ...*fmp4.InitTrack) ([]byte, error) {
	init := fmp4.Init{Tracks: tracks}
	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return nil, fmt.Errorf("marshal init segment: %w", err)
	}
	return buf.Bytes(), nil
}

// marshalPart encodes part and splits it into its moof and mdat boxes.
func marshalPart(part *fmp4.Part) (moof, mdat []byte, err error) {
	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return nil, nil, fmt.Errorf("marshal fragment: %w", err)
	}
	data := buf.Bytes()
	demux.WalkBoxes(data, func(typ string, start, end int) bool {
		switch typ {
		case "moof":
			moof = data[start:end]
		case "mdat":
			mdat = data[start:end]
		}
		return true
	})
	if moof == nil || mdat == nil {
		return nil, nil, fmt.Errorf("marshal fragment: missing moof or mdat")
	}
	return moof, mdat, nil
}

// videoCodec returns the sample entry codec for track, or an error when the
// parameter sets have not been seen yet.
func videoCodec(track *demux.VideoTrack) (mp4.Codec, error) {
	switch track.Codec {
	case "avc":
		if len(track.SPS) == 0 || len(track.PPS) == 0 {
			return nil, fmt.Errorf("H.264 SPS/PPS not available")
		}
		return &mp4.CodecH264{SPS: track.SPS[0], PPS: track.PPS[0]}, nil
	case "hevc":
		if len(track.VPS) == 0 || len(track.SPS) == 0 || len(track.PPS) == 0 {
			return nil, fmt.Errorf("H.265 VPS/SPS/PPS not available")
		}
		return &mp4.CodecH265{VPS: track.VPS[0], SPS: track.SPS[0], PPS: track.PPS[0]}, nil
	default:
		return nil, fmt.Errorf("unsupported video codec: %q", track.Codec)
	}
}

// audioCodec returns the sample entry codec for track.
func audioCodec(track *demux.AudioTrack) (mp4.Codec, error) {
	switch track.Codec {
	case "aac":
		if track.Config == nil {
			return nil, fmt.Errorf("AAC config not available")
		}
		return &mp4.CodecMPEG4Audio{Config: *track.Config}, nil
	case "mp3":
		return &mp4.CodecMPEG1Audio{SampleRate: track.SampleRate, ChannelCount: track.Channels}, nil
	case "ac3":
		if track.AC3 == nil {
			return nil, fmt.Errorf("AC-3 header not available")
		}
		return &mp4.CodecAC3{
			SampleRate:   track.SampleRate,
			ChannelCount: track.Channels,
			Fscod:        track.AC3.Fscod,
			Bsid:         track.AC3.Bsid,
			Bsmod:        track.AC3.Bsmod,
			Acmod:        track.AC3.Acmod,
			LfeOn:        track.AC3.LfeOn,
			BitRateCode:  track.AC3.BitRateCode,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported audio codec: %q", track.Codec)
	}
}

// codecString returns the RFC 6381 parameter of a parsed sample entry and
// whether the entry is a video one. value is empty when only the manifest
// knows the parameter; ok is false for unknown sample entries.
func codecString(c mp4.Codec) (value string, isVideo, ok bool) {
	switch c := c.(type) {
	case *mp4.CodecAV1, *mp4.CodecVP9:
		return "", true, true
	case *mp4.CodecOpus:
		return "", false, true
	case *mp4.CodecH264:
		return codec.AVCString(c.SPS), true, true
	case *mp4.CodecH265:
		return codec.HEVCString(c.SPS), true, true
	case *mp4.CodecMPEG4Audio:
		return codec.AACString(int(c.Config.Type)), false, true
	case *mp4.CodecMPEG1Audio:
		return codec.MP3String, false, true
	case *mp4.CodecAC3:
		return codec.AC3String, false, true
	default:
		return "", false, false
	}
}
