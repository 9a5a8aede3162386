package remux

import (
	"testing"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/transmux/internal/demux"
)

func TestAudioCodec(t *testing.T) {
	ac3Info := &demux.AC3Info{Fscod: 1, Bsid: 8, Bsmod: 2, Acmod: 7, LfeOn: true, BitRateCode: 15}

	tests := []struct {
		name    string
		track   *demux.AudioTrack
		want    mp4.Codec
		wantErr string
	}{
		{
			name: "ac3 carries header fields",
			track: &demux.AudioTrack{
				Track:      demux.Track{Codec: "ac3"},
				AC3:        ac3Info,
				SampleRate: 44100,
				Channels:   6,
			},
			want: &mp4.CodecAC3{
				SampleRate:   44100,
				ChannelCount: 6,
				Fscod:        1,
				Bsid:         8,
				Bsmod:        2,
				Acmod:        7,
				LfeOn:        true,
				BitRateCode:  15,
			},
		},
		{
			name:    "ac3 without header",
			track:   &demux.AudioTrack{Track: demux.Track{Codec: "ac3"}, SampleRate: 48000, Channels: 2},
			wantErr: "AC-3 header not available",
		},
		{
			name:  "mp3",
			track: &demux.AudioTrack{Track: demux.Track{Codec: "mp3"}, SampleRate: 44100, Channels: 2},
			want:  &mp4.CodecMPEG1Audio{SampleRate: 44100, ChannelCount: 2},
		},
		{
			name:    "aac without config",
			track:   &demux.AudioTrack{Track: demux.Track{Codec: "aac"}},
			wantErr: "AAC config not available",
		},
		{
			name:    "unknown",
			track:   &demux.AudioTrack{Track: demux.Track{Codec: "opus"}},
			wantErr: `unsupported audio codec: "opus"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := audioCodec(tt.track)
			if tt.wantErr != "" {
				assert.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
