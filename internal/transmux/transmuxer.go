// Package transmux orchestrates segment decryption, container probing,
// demuxing and remuxing for one rendition.
package transmux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/transmux/internal/codec"
	"github.com/jmylchreest/transmux/internal/crypt"
	"github.com/jmylchreest/transmux/internal/demux"
	"github.com/jmylchreest/transmux/internal/events"
	"github.com/jmylchreest/transmux/internal/observability"
	"github.com/jmylchreest/transmux/internal/remux"
)

// ErrNoDemuxer is reported when no demuxer recognises a segment.
var ErrNoDemuxer = errors.New("failed to find demuxer by probing fragment data")

// probeSize is how much of a segment is collected before probing it. Three
// TS packets hold a PAT, a PMT and the first PES packet.
const probeSize = 3 * 188

// muxPair is a demuxer and the remuxer that consumes its output.
type muxPair struct {
	container  codec.Container
	remuxKind  string
	advanced   bool
	probe      func(data []byte) bool
	newDemuxer func(demux.Options) demux.Demuxer
	newRemuxer func(remux.Options) remux.Remuxer
}

func newMP4Remuxer(o remux.Options) remux.Remuxer         { return remux.NewMP4Remuxer(o) }
func newPassthroughRemuxer(o remux.Options) remux.Remuxer { return remux.NewPassthroughRemuxer(o) }

// muxPairs is in probe order.
var muxPairs = []muxPair{
	{
		container:  codec.ContainerFMP4,
		remuxKind:  "passthrough",
		probe:      demux.ProbeMP4,
		newDemuxer: func(o demux.Options) demux.Demuxer { return demux.NewMP4Demuxer(o) },
		newRemuxer: newPassthroughRemuxer,
	},
	{
		container:  codec.ContainerMPEGTS,
		remuxKind:  "mp4",
		probe:      demux.ProbeTS,
		newDemuxer: func(o demux.Options) demux.Demuxer { return demux.NewTSDemuxer(o) },
		newRemuxer: newMP4Remuxer,
	},
	{
		container:  codec.ContainerAAC,
		remuxKind:  "mp4",
		probe:      demux.ProbeAAC,
		newDemuxer: func(o demux.Options) demux.Demuxer { return demux.NewAACDemuxer(o) },
		newRemuxer: newMP4Remuxer,
	},
	{
		container:  codec.ContainerMP3,
		remuxKind:  "mp4",
		probe:      demux.ProbeMP3,
		newDemuxer: func(o demux.Options) demux.Demuxer { return demux.NewMP3Demuxer(o) },
		newRemuxer: newMP4Remuxer,
	},
	{
		container:  codec.ContainerAC3,
		remuxKind:  "mp4",
		advanced:   true,
		probe:      demux.ProbeAC3,
		newDemuxer: func(o demux.Options) demux.Demuxer { return demux.NewAC3Demuxer(o) },
		newRemuxer: newMP4Remuxer,
	},
}

// Probe returns the container of data, trying the formats in the order the
// transmuxer does.
func Probe(data []byte, advanced bool) (codec.Container, bool) {
	for _, p := range muxPairs {
		if p.advanced && !advanced {
			continue
		}
		if p.probe(data) {
			return p.container, true
		}
	}
	return "", false
}

// Options configure a Transmuxer.
type Options struct {
	Config       Config
	Observer     events.Observer
	Logger       *slog.Logger
	PlaylistType remux.PlaylistType
}

// Transmuxer turns pushed segment chunks into fMP4 fragments. Calls are
// serialised; Push and Flush block while decryption runs.
type Transmuxer struct {
	mu sync.Mutex

	id           string
	cfg          Config
	observer     events.Observer
	logger       *slog.Logger
	baseLogger   *slog.Logger
	playlistType remux.PlaylistType

	demuxer   demux.Demuxer
	remuxer   remux.Remuxer
	container codec.Container
	remuxKind string
	decrypter *crypt.Decrypter

	transmuxConfig TransmuxConfig
	state          TransmuxState

	// probeBuf holds the start of a segment that is too short to probe.
	probeBuf []byte
	probeKey *crypt.KeyData
	flushing bool
}

// New creates a Transmuxer.
func New(opts Options) *Transmuxer {
	id := uuid.NewString()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := opts.Observer
	if observer == nil {
		observer = events.Discard
	}
	playlistType := opts.PlaylistType
	if playlistType == "" {
		playlistType = remux.PlaylistMain
	}
	baseLogger := logger.With(slog.String("transmuxer_id", id))
	return &Transmuxer{
		id:           id,
		cfg:          opts.Config,
		observer:     observer,
		logger:       baseLogger.With(slog.String("component", "transmuxer")),
		baseLogger:   baseLogger,
		playlistType: playlistType,
	}
}

// ID returns the instance id.
func (t *Transmuxer) ID() string {
	return t.id
}

// Container returns the container selected by the last probe, if any.
func (t *Transmuxer) Container() codec.Container {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.container
}

// Configure sets the rendition the next segments belong to.
func (t *Transmuxer) Configure(cfg TransmuxConfig) {
	t.mu.Lock()
	t.transmuxConfig = cfg
	if t.decrypter != nil {
		t.decrypter.Reset()
	}
	t.mu.Unlock()
}

// Push transmuxes one chunk. state is supplied with the first chunk of a
// segment and nil for the rest. Parse and decryption failures are reported
// to the observer and yield an empty result; the returned error is reserved
// for caller misuse and cancellation.
func (t *Transmuxer) Push(ctx context.Context, data []byte, key *crypt.KeyData, chunk *ChunkMetadata, state *TransmuxState) (TransmuxerResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ctx = observability.ContextWithLogger(ctx, t.callLogger(ctx, "push", chunk))
	return t.push(ctx, data, key, chunk, state)
}

// callLogger returns the logger for one Push or Flush call. A logger carried
// by ctx replaces the one given to New.
func (t *Transmuxer) callLogger(ctx context.Context, operation string, chunk *ChunkMetadata) *slog.Logger {
	logger := t.logger
	if ctxLogger := observability.LoggerFromContext(ctx, t.logger); ctxLogger != t.logger {
		logger = observability.WithComponent(ctxLogger.With(slog.String("transmuxer_id", t.id)), "transmuxer")
	}
	logger = observability.WithOperation(logger, operation)
	if chunk != nil {
		logger = logger.With(slog.Int("level", chunk.Level), slog.Int("sn", chunk.SN))
	}
	return logger
}

func (t *Transmuxer) push(ctx context.Context, data []byte, key *crypt.KeyData, chunk *ChunkMetadata, state *TransmuxState) (TransmuxerResult, error) {
	if chunk == nil {
		chunk = NewChunkMetadata(0, 0, 0, len(data))
	}
	chunk.Transmuxing.ExecuteStart = time.Now()
	defer func() { chunk.Transmuxing.ExecuteEnd = time.Now() }()
	logger := observability.LoggerFromContext(ctx, t.logger)
	logger.Log(ctx, observability.LevelTrace, "chunk received", slog.Int("size", len(data)),
		slog.Int("part", chunk.Part))

	if state != nil {
		t.state = *state
		t.probeBuf, t.probeKey = nil, nil
	}
	st := t.state
	tc := t.transmuxConfig

	keyData := encryptionType(data, key)
	if keyData.IsFullSegment() {
		dec := t.getDecrypter()
		if dec.IsSync() {
			decrypted, err := dec.SoftwareDecrypt(data, keyData.Key, keyData.IV)
			if err != nil {
				t.emitDecryptError(logger, err)
				return emptyResult(chunk), nil
			}
			if chunk.Part > -1 {
				decrypted = dec.Flush()
			}
			if len(decrypted) == 0 {
				return emptyResult(chunk), nil
			}
			data = decrypted
		} else {
			decrypted, err := dec.Decrypt(ctx, data, keyData.Key, keyData.IV)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return emptyResult(chunk), ctxErr
				}
				t.emitDecryptError(logger, err)
				return emptyResult(chunk), nil
			}
			return t.push(ctx, decrypted, nil, chunk, nil)
		}
	}

	resetMuxers := t.needsProbing(st.Discontinuity, st.TrackSwitch)
	if resetMuxers {
		if len(t.probeBuf) > 0 {
			data = append(t.probeBuf, data...)
			if keyData == nil {
				keyData = t.probeKey
			}
			t.probeBuf, t.probeKey = nil, nil
		}
		// A moof box is unambiguous; anything else this short can pass for
		// raw audio.
		if len(data) < probeSize && !t.flushing && !demux.ProbeMP4(data) {
			t.probeBuf = append([]byte(nil), data...)
			t.probeKey = keyData
			logger.Debug("buffering chunk for probing", slog.Int("size", len(data)))
			return emptyResult(chunk), nil
		}
		if err := t.configureTransmuxer(logger, data); err != nil {
			observability.WithError(logger, err).Warn("unable to select demuxer", slog.Int("size", len(data)))
			events.EmitParsingError(t.observer, nil, err, false)
			return emptyResult(chunk), nil
		}
	}

	if st.Discontinuity || st.TrackSwitch || st.InitSegmentChange || resetMuxers {
		t.resetInitSegment(tc.InitSegmentData, tc.AudioCodec, tc.VideoCodec, tc.Duration, key)
	}
	if st.Discontinuity || st.InitSegmentChange || resetMuxers {
		t.resetInitialTimestamp(tc.DefaultInitPTS)
	}
	if !st.Contiguous {
		t.resetContiguity()
	}

	result, err := t.transmux(ctx, data, keyData, st.TimeOffset, st.AccurateTimeOffset, chunk)

	t.state.Contiguous = true
	t.state.Discontinuity = false
	t.state.TrackSwitch = false
	return result, err
}

func (t *Transmuxer) transmux(ctx context.Context, data []byte, keyData *crypt.KeyData, timeOffset float64, accurateTimeOffset bool, chunk *ChunkMetadata) (TransmuxerResult, error) {
	if keyData.IsSampleAES() {
		bundle, err := t.demuxer.DemuxSampleAES(ctx, data, *keyData, timeOffset)
		if err != nil {
			return t.sampleAESFailure(ctx, chunk, err)
		}
		return t.remux(bundle, timeOffset, accurateTimeOffset, false, chunk), nil
	}
	bundle := t.demuxer.Demux(data, timeOffset, false, !t.cfg.Demux.Progressive)
	return t.remux(bundle, timeOffset, accurateTimeOffset, false, chunk), nil
}

// sampleAESFailure maps a SAMPLE-AES demux error to the push outcome.
func (t *Transmuxer) sampleAESFailure(ctx context.Context, chunk *ChunkMetadata, err error) (TransmuxerResult, error) {
	switch {
	case errors.Is(err, demux.ErrSampleAESUnsupported):
		return emptyResult(chunk), fmt.Errorf("transmux %s: %w", t.container, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return emptyResult(chunk), err
	default:
		t.emitDecryptError(observability.LoggerFromContext(ctx, t.logger), err)
		return emptyResult(chunk), nil
	}
}

func (t *Transmuxer) remux(bundle demux.TrackBundle, timeOffset float64, accurateTimeOffset, flush bool, chunk *ChunkMetadata) TransmuxerResult {
	res := t.remuxer.Remux(bundle.Audio, bundle.Video, bundle.ID3, bundle.Text,
		timeOffset, accurateTimeOffset, flush, t.playlistType)
	return TransmuxerResult{Remux: res, Chunk: chunk}
}

// Flush drains the decrypter and the demuxer at the end of a segment. It
// returns one result for held back decrypted data, if any, and one for the
// demuxer's remaining samples.
func (t *Transmuxer) Flush(ctx context.Context, chunk *ChunkMetadata) ([]TransmuxerResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if chunk == nil {
		chunk = NewChunkMetadata(0, 0, 0, 0)
	}
	chunk.Transmuxing.ExecuteStart = time.Now()
	ctx = observability.ContextWithLogger(ctx, t.callLogger(ctx, "flush", chunk))

	t.flushing = true
	defer func() { t.flushing = false }()

	var results []TransmuxerResult
	if t.decrypter != nil {
		if decrypted := t.decrypter.Flush(); len(decrypted) > 0 {
			res, err := t.push(ctx, decrypted, nil, chunk, nil)
			if err != nil {
				return results, err
			}
			results = append(results, res)
		}
	}
	if len(t.probeBuf) > 0 {
		res, err := t.push(ctx, nil, nil, chunk, nil)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}

	if t.demuxer == nil || t.remuxer == nil {
		chunk.Transmuxing.ExecuteEnd = time.Now()
		return []TransmuxerResult{emptyResult(chunk)}, nil
	}

	bundle, err := t.demuxer.Flush(ctx)
	if err != nil {
		res, err := t.sampleAESFailure(ctx, chunk, err)
		results = append(results, res)
		return results, err
	}
	st := t.state
	results = append(results, t.remux(bundle, st.TimeOffset, st.AccurateTimeOffset, true, chunk))
	chunk.Transmuxing.ExecuteEnd = time.Now()
	return results, nil
}

// ResetInitialTimestamp forwards defaultInitPTS to the demuxer and remuxer.
func (t *Transmuxer) ResetInitialTimestamp(defaultInitPTS *remux.TimestampOffset) {
	t.mu.Lock()
	t.resetInitialTimestamp(defaultInitPTS)
	t.mu.Unlock()
}

// ResetContiguity tells the demuxer and remuxer the next chunk does not
// follow the previous one.
func (t *Transmuxer) ResetContiguity() {
	t.mu.Lock()
	t.resetContiguity()
	t.mu.Unlock()
}

// ResetInitSegment passes a new init segment to the demuxer and remuxer.
func (t *Transmuxer) ResetInitSegment(init []byte, audioCodec, videoCodec string, duration float64, key *crypt.KeyData) {
	t.mu.Lock()
	t.resetInitSegment(init, audioCodec, videoCodec, duration, key)
	t.mu.Unlock()
}

func (t *Transmuxer) resetInitialTimestamp(defaultInitPTS *remux.TimestampOffset) {
	if t.demuxer == nil || t.remuxer == nil {
		return
	}
	t.demuxer.ResetTimeStamp(defaultInitPTS)
	t.remuxer.ResetTimeStamp(defaultInitPTS)
}

func (t *Transmuxer) resetContiguity() {
	if t.demuxer == nil || t.remuxer == nil {
		return
	}
	t.demuxer.ResetContiguity()
	t.remuxer.ResetNextTimestamp()
}

func (t *Transmuxer) resetInitSegment(init []byte, audioCodec, videoCodec string, duration float64, key *crypt.KeyData) {
	if t.demuxer == nil || t.remuxer == nil {
		return
	}
	t.demuxer.ResetInitSegment(init, audioCodec, videoCodec, duration)
	t.remuxer.ResetInitSegment(init, audioCodec, videoCodec, key)
}

// Destroy releases the demuxer, remuxer and decrypter. It is safe to call
// more than once.
func (t *Transmuxer) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.demuxer != nil {
		t.demuxer.Destroy()
		t.demuxer = nil
	}
	if t.remuxer != nil {
		t.remuxer.Destroy()
		t.remuxer = nil
	}
	if t.decrypter != nil {
		t.decrypter.Destroy()
		t.decrypter = nil
	}
	t.container = ""
	t.remuxKind = ""
	t.probeBuf, t.probeKey = nil, nil
}

func (t *Transmuxer) needsProbing(discontinuity, trackSwitch bool) bool {
	return t.demuxer == nil || t.remuxer == nil || discontinuity || trackSwitch
}

// configureTransmuxer selects the demuxer and remuxer for data. Instances of
// the selected kinds are kept.
func (t *Transmuxer) configureTransmuxer(logger *slog.Logger, data []byte) error {
	var pair *muxPair
	for i := range muxPairs {
		p := &muxPairs[i]
		if p.advanced && !t.cfg.Demux.EnableAdvancedCodecs {
			continue
		}
		if p.probe(data) {
			pair = p
			break
		}
	}
	if pair == nil {
		return ErrNoDemuxer
	}

	if t.remuxer == nil || t.remuxKind != pair.remuxKind {
		if t.remuxer != nil {
			t.remuxer.Destroy()
		}
		t.remuxer = pair.newRemuxer(remux.Options{Observer: t.observer, Logger: t.baseLogger})
		t.remuxKind = pair.remuxKind
	}
	if t.demuxer == nil || t.container != pair.container {
		if t.demuxer != nil {
			t.demuxer.Destroy()
		}
		t.demuxer = pair.newDemuxer(demux.Options{Config: t.cfg.Demux, Observer: t.observer, Logger: t.baseLogger})
		logger.Debug("selected demuxer", slog.String("container", pair.container.String()))
		t.container = pair.container
	}
	return nil
}

func (t *Transmuxer) getDecrypter() *crypt.Decrypter {
	if t.decrypter == nil {
		t.decrypter = crypt.NewDecrypter(crypt.DecrypterConfig{
			EnableSoftwareAES: t.cfg.EnableSoftwareAES,
			Logger:            t.baseLogger,
		})
	}
	return t.decrypter
}

func (t *Transmuxer) emitDecryptError(logger *slog.Logger, err error) {
	observability.WithError(logger, err).Warn("decryption failed")
	t.observer.OnError(events.ErrorEvent{
		Type:    events.MediaError,
		Details: events.FragDecryptError,
		Fatal:   false,
		Reason:  err.Error(),
		Err:     err,
	})
}
