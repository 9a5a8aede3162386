// Package demux splits MPEG-TS, raw audio and fragmented MP4 segments into
// elementary stream tracks ready for remuxing.
package demux

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jmylchreest/transmux/internal/crypt"
	"github.com/jmylchreest/transmux/internal/events"
	"github.com/jmylchreest/transmux/internal/observability"
)

// ErrSampleAESUnsupported is returned by demuxers whose input format does
// not carry SAMPLE-AES content.
var ErrSampleAESUnsupported = errors.New("demuxer does not support SAMPLE-AES decryption")

// TypeSupported lists the audio codecs the playback side can decode. The TS
// demuxer only binds MPEG audio and AC-3 streams the host can play.
type TypeSupported struct {
	MPEG bool
	MP3  bool
	AC3  bool
}

// Config controls demuxer behaviour.
type Config struct {
	// Progressive enables chunked input: fragments may end mid-box.
	Progressive bool
	// EnableAdvancedCodecs allows HEVC and AC-3.
	EnableAdvancedCodecs bool
	// EnableEmsgKLVMetadata surfaces MISB KLV emsg boxes as metadata.
	EnableEmsgKLVMetadata bool
	TypeSupported         TypeSupported
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		Progressive:          false,
		EnableAdvancedCodecs: true,
		TypeSupported:        TypeSupported{MPEG: true, MP3: true, AC3: true},
	}
}

// Demuxer is implemented by every container demuxer.
type Demuxer interface {
	// ResetInitSegment prepares the demuxer for a new rendition.
	ResetInitSegment(init []byte, audioCodec, videoCodec string, duration float64)
	// ResetContiguity drops state carried from the previous chunk.
	ResetContiguity()
	// ResetTimeStamp sets the timestamp base for formats without one.
	ResetTimeStamp(defaultInitPTS *TimestampOffset)
	// Demux parses data. When flush is set, partial trailing data is parsed too.
	Demux(data []byte, timeOffset float64, isSampleAES, flush bool) TrackBundle
	// DemuxSampleAES parses data and decrypts SAMPLE-AES protected samples.
	DemuxSampleAES(ctx context.Context, data []byte, key crypt.KeyData, timeOffset float64) (TrackBundle, error)
	// Flush returns whatever the demuxer still holds.
	Flush(ctx context.Context) (TrackBundle, error)
	Destroy()
}

// Options are the dependencies shared by every demuxer constructor.
type Options struct {
	Config   Config
	Observer events.Observer
	Logger   *slog.Logger
}

func (o Options) logger(component string) *slog.Logger {
	l := o.Logger
	if l == nil {
		l = slog.Default()
	}
	return observability.WithComponent(l, component)
}

func (o Options) observer() events.Observer {
	if o.Observer == nil {
		return events.Discard
	}
	return o.Observer
}
