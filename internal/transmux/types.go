package transmux

import (
	"time"

	"github.com/jmylchreest/transmux/internal/crypt"
	"github.com/jmylchreest/transmux/internal/demux"
	"github.com/jmylchreest/transmux/internal/remux"
)

// Config holds the host settings of a Transmuxer.
type Config struct {
	Demux demux.Config
	// EnableSoftwareAES decrypts AES-128 segments incrementally as chunks
	// arrive instead of as a whole.
	EnableSoftwareAES bool
}

// DefaultConfig returns the settings used when none are supplied.
func DefaultConfig() Config {
	return Config{
		Demux:             demux.DefaultConfig(),
		EnableSoftwareAES: true,
	}
}

// TransmuxConfig describes the rendition the next segments belong to.
type TransmuxConfig struct {
	AudioCodec      string
	VideoCodec      string
	InitSegmentData []byte
	// Duration is the nominal segment duration in seconds.
	Duration       float64
	DefaultInitPTS *remux.TimestampOffset
}

// TransmuxState describes how a segment relates to the previous one. It is
// supplied with the first chunk of a segment and reused for the rest.
type TransmuxState struct {
	Discontinuity      bool
	Contiguous         bool
	AccurateTimeOffset bool
	TrackSwitch        bool
	TimeOffset         float64
	InitSegmentChange  bool
}

// ChunkTiming records when a chunk went through the transmuxer.
type ChunkTiming struct {
	Start        time.Time
	ExecuteStart time.Time
	ExecuteEnd   time.Time
	End          time.Time
}

// ChunkMetadata identifies a pushed chunk.
type ChunkMetadata struct {
	Level int
	SN    int
	// Part is the partial segment index, -1 for whole segments.
	Part        int
	ID          uint64
	Size        int
	Partial     bool
	Transmuxing ChunkTiming
}

// NewChunkMetadata returns metadata for a whole segment chunk.
func NewChunkMetadata(level, sn int, id uint64, size int) *ChunkMetadata {
	return &ChunkMetadata{
		Level:       level,
		SN:          sn,
		Part:        -1,
		ID:          id,
		Size:        size,
		Transmuxing: ChunkTiming{Start: time.Now()},
	}
}

// TransmuxerResult pairs a remux result with the chunk it came from.
type TransmuxerResult struct {
	Remux remux.RemuxResult
	Chunk *ChunkMetadata
}

func emptyResult(chunk *ChunkMetadata) TransmuxerResult {
	return TransmuxerResult{Chunk: chunk}
}

// encryptionType returns key when data is encrypted with it.
func encryptionType(data []byte, key *crypt.KeyData) *crypt.KeyData {
	if len(data) == 0 || key == nil || !key.IsSet() {
		return nil
	}
	return key
}
