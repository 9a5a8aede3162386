package cmd

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jmylchreest/transmux/internal/config"
	"github.com/jmylchreest/transmux/internal/crypt"
	"github.com/jmylchreest/transmux/internal/events"
	"github.com/jmylchreest/transmux/internal/observability"
	"github.com/jmylchreest/transmux/internal/playlist"
	"github.com/jmylchreest/transmux/internal/remux"
	"github.com/jmylchreest/transmux/internal/transmux"
)

type remuxOptions struct {
	output     string
	initFile   string
	playlist   string
	audioCodec string
	videoCodec string
	method     string
	keyHex     string
	ivHex      string
	level      int
	startSN    int
}

var remuxOpts remuxOptions

var remuxCmd = &cobra.Command{
	Use:   "remux [segment...]",
	Short: "Transmux media segments into fragmented MP4",
	Long: `Transmux consecutive media segments of a rendition into fragmented MP4.
Each output track is written to <output>/<track>.mp4 as its init segment
followed by every moof/mdat fragment, and described by a byte-range HLS
playlist <output>/<track>.m3u8.

Segments are given as files or read from a local media playlist with
--playlist, which also supplies keys, init sections and discontinuities.
Encrypted segments given as files are decrypted with --key. When the IV is
omitted it is derived from the media sequence number, as HLS does.

  transmux remux seg0.ts seg1.ts seg2.ts -o out/
  transmux remux --init init.mp4 frag*.m4s -o out/
  transmux remux --playlist media.m3u8 -o out/
  transmux remux --key 00112233445566778899aabbccddeeff --start-sn 120 seg120.ts -o out/`,
	Args: func(_ *cobra.Command, args []string) error {
		if remuxOpts.playlist == "" && len(args) == 0 {
			return errors.New("requires at least one segment or --playlist")
		}
		if remuxOpts.playlist != "" && len(args) > 0 {
			return errors.New("segments and --playlist are mutually exclusive")
		}
		return nil
	},
	RunE: runRemux,
}

func init() {
	flags := remuxCmd.Flags()
	flags.StringVarP(&remuxOpts.output, "output", "o", "", "output directory")
	flags.StringVar(&remuxOpts.initFile, "init", "", "init segment for fragmented MP4 input")
	flags.StringVar(&remuxOpts.playlist, "playlist", "", "local HLS media playlist listing the segments")
	flags.StringVar(&remuxOpts.audioCodec, "audio-codec", "", "audio codec string from the playlist")
	flags.StringVar(&remuxOpts.videoCodec, "video-codec", "", "video codec string from the playlist")
	flags.StringVar(&remuxOpts.method, "method", crypt.MethodAES128, "encryption method (AES-128, AES-256, SAMPLE-AES)")
	flags.StringVar(&remuxOpts.keyHex, "key", "", "decryption key as hex")
	flags.StringVar(&remuxOpts.ivHex, "iv", "", "initialisation vector as hex")
	flags.IntVar(&remuxOpts.level, "level", 0, "rendition index reported in chunk metadata")
	flags.IntVar(&remuxOpts.startSN, "start-sn", 0, "media sequence number of the first segment")
	flags.String("chunk-size", "1MB", "bytes pushed per call in progressive mode")
	flags.Bool("progressive", false, "push segments in chunks instead of whole")
	cobra.CheckErr(remuxCmd.MarkFlagRequired("output"))

	mustBindPFlag("transmux.chunk_size", flags.Lookup("chunk-size"))
	mustBindPFlag("transmux.progressive", flags.Lookup("progressive"))

	rootCmd.AddCommand(remuxCmd)
}

// keyData returns the key for segment sn, or nil for clear segments.
func (o *remuxOptions) keyData(sn int) (*crypt.KeyData, error) {
	if o.keyHex == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(strings.TrimPrefix(o.keyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decoding key: %w", err)
	}
	var iv []byte
	if o.ivHex != "" {
		iv, err = hex.DecodeString(strings.TrimPrefix(o.ivHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("decoding iv: %w", err)
		}
	} else {
		iv = sequenceIV(sn)
	}
	method := strings.ToUpper(o.method)
	switch method {
	case crypt.MethodAES128, crypt.MethodAES256, crypt.MethodSampleAES:
	default:
		return nil, fmt.Errorf("unsupported encryption method %q", o.method)
	}
	return &crypt.KeyData{Method: method, Key: key, IV: iv}, nil
}

// sequenceIV is the big-endian media sequence number padded to 16 bytes.
func sequenceIV(sn int) []byte {
	iv := make([]byte, crypt.BlockSize)
	binary.BigEndian.PutUint64(iv[8:], uint64(sn))
	return iv
}

// segmentJob is one segment to push.
type segmentJob struct {
	path      string
	byteRange *playlist.ByteRange
	sn        int
	// start is the playlist start time in seconds, -1 when unknown.
	start         float64
	discontinuity bool
	key           *crypt.KeyData
	// init is set when the init section changes before this segment.
	init []byte
}

// jobsFromArgs lists the segment files given on the command line.
func (o *remuxOptions) jobsFromArgs(args []string) ([]segmentJob, error) {
	jobs := make([]segmentJob, 0, len(args))
	for i, path := range args {
		sn := o.startSN + i
		key, err := o.keyData(sn)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, segmentJob{path: path, sn: sn, start: -1, key: key})
	}
	return jobs, nil
}

// jobsFromPlaylist lists the segments of a local media playlist. Segment,
// key and map URIs are resolved against the playlist's directory.
func jobsFromPlaylist(path string, logger *slog.Logger) ([]segmentJob, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening playlist: %w", err)
	}
	defer f.Close()

	dir := filepath.Dir(path)
	keys := make(map[string][]byte)
	var (
		jobs    []segmentJob
		lastMap *playlist.Map
	)
	p := &playlist.Parser{
		OnError: func(lineNum int, err error) {
			logger.Warn("playlist parse error", slog.Int("line", lineNum), slog.String("error", err.Error()))
		},
		OnSegment: func(seg *playlist.Segment) error {
			segPath, err := localPath(dir, seg.URI)
			if err != nil {
				return err
			}
			job := segmentJob{
				path:          segPath,
				byteRange:     seg.ByteRange,
				sn:            seg.SN,
				start:         seg.Start,
				discontinuity: seg.Discontinuity,
			}
			if seg.Key.Encrypted() {
				job.key, err = playlistKey(dir, seg, keys)
				if err != nil {
					return err
				}
			}
			if seg.Map != nil && seg.Map != lastMap {
				job.init, err = readMap(dir, seg.Map)
				if err != nil {
					return err
				}
				lastMap = seg.Map
			}
			jobs = append(jobs, job)
			return nil
		},
	}
	if err := p.ParseCompressed(f); err != nil {
		return nil, fmt.Errorf("parsing playlist: %w", err)
	}
	if len(jobs) == 0 {
		return nil, errors.New("playlist has no segments")
	}
	return jobs, nil
}

func localPath(dir, uri string) (string, error) {
	if strings.Contains(uri, "://") {
		return "", fmt.Errorf("remote URI %q: only local files are supported", uri)
	}
	if filepath.IsAbs(uri) {
		return uri, nil
	}
	return filepath.Join(dir, filepath.FromSlash(uri)), nil
}

func playlistKey(dir string, seg *playlist.Segment, cache map[string][]byte) (*crypt.KeyData, error) {
	method := seg.Key.Method
	switch method {
	case crypt.MethodAES128, crypt.MethodAES256, crypt.MethodSampleAES:
	default:
		return nil, fmt.Errorf("segment %d: unsupported encryption method %q", seg.SN, method)
	}
	key, ok := cache[seg.Key.URI]
	if !ok {
		path, err := localPath(dir, seg.Key.URI)
		if err != nil {
			return nil, err
		}
		if key, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("reading key: %w", err)
		}
		cache[seg.Key.URI] = key
	}
	iv := seg.Key.IV
	if iv == nil {
		iv = sequenceIV(seg.SN)
	}
	return &crypt.KeyData{Method: method, Key: key, IV: iv}, nil
}

func readMap(dir string, m *playlist.Map) ([]byte, error) {
	path, err := localPath(dir, m.URI)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening init section: %w", err)
	}
	defer f.Close()
	r, err := rangeReader(f, m.ByteRange)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading init section: %w", err)
	}
	return data, nil
}

// rangeReader limits f to br, or returns f when br is nil.
func rangeReader(f *os.File, br *playlist.ByteRange) (io.Reader, error) {
	if br == nil {
		return f, nil
	}
	if _, err := f.Seek(br.Offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking byte range: %w", err)
	}
	return io.LimitReader(f, br.Length), nil
}

func runRemux(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := observability.WithComponent(slog.Default(), "cli")
	done := observability.TimedOperationWithError(ctx, logger, "remux", &err)
	defer done()

	var init []byte
	if remuxOpts.initFile != "" {
		if init, err = os.ReadFile(remuxOpts.initFile); err != nil {
			return fmt.Errorf("reading init segment: %w", err)
		}
	}

	var jobs []segmentJob
	if remuxOpts.playlist != "" {
		jobs, err = jobsFromPlaylist(remuxOpts.playlist, logger)
	} else {
		jobs, err = remuxOpts.jobsFromArgs(args)
	}
	if err != nil {
		return err
	}

	if err = os.MkdirAll(remuxOpts.output, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	w := newTrackWriter(remuxOpts.output, logger)
	defer func() {
		if cerr := w.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	var failures atomic.Int64
	observer := events.ObserverFunc(func(ev events.ErrorEvent) {
		failures.Add(1)
		logger.Warn("transmux error",
			slog.String("type", string(ev.Type)),
			slog.String("details", string(ev.Details)),
			slog.Bool("fatal", ev.Fatal),
			slog.String("reason", ev.Reason))
	})

	tc := appConfig.Transmux
	tm := transmux.New(transmux.Options{
		Config:   tc.TransmuxerConfig(),
		Observer: observer,
		Logger:   slog.Default(),
	})
	defer tm.Destroy()
	rendition := transmux.TransmuxConfig{
		AudioCodec:      remuxOpts.audioCodec,
		VideoCodec:      remuxOpts.videoCodec,
		InitSegmentData: init,
		Duration:        tc.SegmentDuration.Seconds(),
		DefaultInitPTS:  tc.InitPTS(),
	}
	tm.Configure(rendition)

	seg := segmentRemuxer{tm: tm, w: w, cfg: tc, level: remuxOpts.level}
	timeOffset := 0.0
	for i, job := range jobs {
		if job.init != nil {
			rendition.InitSegmentData = job.init
			tm.Configure(rendition)
		}
		if job.start >= 0 {
			timeOffset = job.start
		}
		state := &transmux.TransmuxState{
			Discontinuity:     i == 0 || job.discontinuity,
			Contiguous:        i > 0 && !job.discontinuity,
			TimeOffset:        timeOffset,
			InitSegmentChange: i > 0 && job.init != nil,
		}
		if job.discontinuity {
			w.Discontinuity()
		}
		segCtx := observability.ContextWithLogger(ctx, slog.Default().With(slog.String("segment", job.path)))
		end, serr := seg.run(segCtx, job, state)
		if serr != nil {
			return fmt.Errorf("segment %s: %w", job.path, serr)
		}
		if end > timeOffset {
			timeOffset = end
		} else {
			timeOffset += tc.SegmentDuration.Seconds()
		}
		logger.Debug("segment transmuxed", slog.String("path", job.path), slog.Int("sn", job.sn),
			slog.Float64("end", end))
	}

	if n := failures.Load(); n > 0 {
		logger.Warn("transmux reported errors", slog.Int64("count", n))
	}
	if err = w.WritePlaylists(); err != nil {
		return err
	}
	return w.Summary(cmd.OutOrStdout())
}

// segmentRemuxer pushes segment files through a transmuxer.
type segmentRemuxer struct {
	tm    *transmux.Transmuxer
	w     *trackWriter
	cfg   config.TransmuxConfig
	level int
}

// run pushes the segment of job and flushes it. It returns the latest end
// time of the produced fragments in seconds.
func (s *segmentRemuxer) run(ctx context.Context, job segmentJob, state *transmux.TransmuxState) (float64, error) {
	f, err := os.Open(job.path)
	if err != nil {
		return 0, fmt.Errorf("opening segment: %w", err)
	}
	defer f.Close()

	r, err := rangeReader(f, job.byteRange)
	if err != nil {
		return 0, err
	}

	chunkSize := s.cfg.ChunkSize.Int()
	if !s.cfg.Progressive {
		size := int64(0)
		if job.byteRange != nil {
			size = job.byteRange.Length
		} else {
			info, err := f.Stat()
			if err != nil {
				return 0, fmt.Errorf("stat segment: %w", err)
			}
			size = info.Size()
		}
		chunkSize = max(int(size), 1)
	}

	var (
		end float64
		id  uint64
	)
	for {
		// Demuxed payloads alias the pushed buffer, so each chunk gets its own.
		buf := make([]byte, chunkSize)
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			chunk := transmux.NewChunkMetadata(s.level, job.sn, id, n)
			id++
			res, err := s.tm.Push(ctx, buf[:n], job.key, chunk, state)
			state = nil
			if err != nil {
				return end, err
			}
			end = max(end, s.w.Write(res))
		}
		if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
			break
		}
		if rerr != nil {
			return end, fmt.Errorf("reading segment: %w", rerr)
		}
	}

	results, err := s.tm.Flush(ctx, transmux.NewChunkMetadata(s.level, job.sn, id, 0))
	for _, res := range results {
		end = max(end, s.w.Write(res))
	}
	return end, err
}

// playlistEntry is an init section or a fragment in a track file.
type playlistEntry struct {
	init          bool
	discontinuity bool
	offset        int64
	length        int64
	duration      float64
}

type trackStats struct {
	fragments int
	samples   int
	bytes     uint64
	start     float64
	end       float64
	codec     string
	started   bool
	entries   []playlistEntry
	// discontinuity marks the next entry.
	discontinuity bool
}

// trackWriter appends init segments and fragments to one file per track.
type trackWriter struct {
	dir    string
	logger *slog.Logger
	files  map[string]*os.File
	stats  map[string]*trackStats
	cues   int
}

func newTrackWriter(dir string, logger *slog.Logger) *trackWriter {
	return &trackWriter{
		dir:    dir,
		logger: logger,
		files:  make(map[string]*os.File),
		stats:  make(map[string]*trackStats),
	}
}

func (w *trackWriter) file(key string) (*os.File, error) {
	if f, ok := w.files[key]; ok {
		return f, nil
	}
	f, err := os.Create(filepath.Join(w.dir, key+".mp4"))
	if err != nil {
		return nil, err
	}
	w.files[key] = f
	w.stats[key] = &trackStats{}
	return f, nil
}

// append writes data to the track file and returns the range it occupies.
func (w *trackWriter) append(key string, data ...[]byte) (offset, length int64, ok bool) {
	f, err := w.file(key)
	if err != nil {
		w.logger.Error("opening track output", slog.String("track", key), slog.String("error", err.Error()))
		return 0, 0, false
	}
	st := w.stats[key]
	offset = int64(st.bytes)
	for _, d := range data {
		if len(d) == 0 {
			continue
		}
		if _, err := f.Write(d); err != nil {
			w.logger.Error("writing track output", slog.String("track", key), slog.String("error", err.Error()))
			return 0, 0, false
		}
		st.bytes += uint64(len(d))
	}
	return offset, int64(st.bytes) - offset, true
}

func (w *trackWriter) addEntry(st *trackStats, e playlistEntry) {
	if st.discontinuity && len(st.entries) > 0 {
		e.discontinuity = true
	}
	st.discontinuity = false
	st.entries = append(st.entries, e)
}

// Discontinuity marks the next entry of every track as discontinuous.
func (w *trackWriter) Discontinuity() {
	for _, st := range w.stats {
		st.discontinuity = true
	}
}

// Write stores res and returns the latest fragment end time it carries.
func (w *trackWriter) Write(res transmux.TransmuxerResult) float64 {
	r := res.Remux
	if r.InitSegment != nil {
		for key, track := range r.InitSegment.Tracks {
			offset, length, ok := w.append(key, track.InitSegment)
			if !ok {
				continue
			}
			st := w.stats[key]
			st.codec = track.Codec
			if length > 0 {
				w.addEntry(st, playlistEntry{init: true, offset: offset, length: length})
			}
			w.logger.Debug("init segment", slog.String("track", key), slog.String("codec", track.Codec),
				slog.String("container", track.Container))
		}
	}

	var end float64
	for _, track := range []*remux.RemuxedTrack{r.Audio, r.Video} {
		if track == nil {
			continue
		}
		offset, length, ok := w.append(track.Type, track.Data1, track.Data2)
		if !ok {
			continue
		}
		st := w.stats[track.Type]
		st.fragments++
		st.samples += track.NbSamples
		if !st.started {
			st.start = track.StartPTS
			st.started = true
		}
		st.end = track.EndPTS
		w.addEntry(st, playlistEntry{offset: offset, length: length, duration: track.EndPTS - track.StartPTS})
		end = max(end, track.EndPTS)
	}
	w.cues += len(r.ID3) + len(r.Text)
	return end
}

// WritePlaylists writes a byte-range playlist next to every track file.
func (w *trackWriter) WritePlaylists() error {
	for key, st := range w.stats {
		if st.fragments == 0 {
			continue
		}
		if err := w.writePlaylist(key, st); err != nil {
			return fmt.Errorf("writing %s playlist: %w", key, err)
		}
	}
	return nil
}

func (w *trackWriter) writePlaylist(key string, st *trackStats) error {
	f, err := os.Create(filepath.Join(w.dir, key+".m3u8"))
	if err != nil {
		return err
	}
	defer f.Close()

	var durations []float64
	for _, e := range st.entries {
		if !e.init {
			durations = append(durations, e.duration)
		}
	}
	uri := key + ".mp4"
	pw := playlist.NewWriter(f)
	if err := pw.WriteHeader(playlist.TargetDuration(durations)); err != nil {
		return err
	}
	for _, e := range st.entries {
		br := &playlist.ByteRange{Length: e.length, Offset: e.offset}
		if e.init {
			err = pw.WriteMap(&playlist.Map{URI: uri, ByteRange: br}, e.discontinuity)
		} else {
			err = pw.WriteSegment(&playlist.Segment{
				Duration: e.duration, URI: uri, ByteRange: br, Discontinuity: e.discontinuity,
			})
		}
		if err != nil {
			return err
		}
	}
	if err := pw.End(); err != nil {
		return err
	}
	return f.Close()
}

// Summary prints per-track totals.
func (w *trackWriter) Summary(out io.Writer) error {
	keys := make([]string, 0, len(w.stats))
	for key := range w.stats {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TRACK\tCODEC\tFRAGMENTS\tSAMPLES\tSTART\tEND\tSIZE")
	for _, key := range keys {
		st := w.stats[key]
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%.3f\t%.3f\t%s\n",
			key, st.codec, st.fragments, st.samples, st.start, st.end, humanize.Bytes(st.bytes))
	}
	if w.cues > 0 {
		fmt.Fprintf(tw, "metadata cues: %d\n", w.cues)
	}
	return tw.Flush()
}

// Close closes every track file.
func (w *trackWriter) Close() error {
	var errs []error
	for _, f := range w.files {
		errs = append(errs, f.Close())
	}
	return errors.Join(errs...)
}
