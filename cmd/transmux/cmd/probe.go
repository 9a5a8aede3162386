package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/transmux/internal/events"
	"github.com/jmylchreest/transmux/internal/transmux"
)

var probeFormat string

var probeCmd = &cobra.Command{
	Use:   "probe <segment>",
	Short: "Print the container and tracks of a media segment",
	Long: `Probe detects the container of a media segment the same way the
transmuxer does (fragmented MP4, MPEG-TS, AAC, MP3, then AC-3), then
transmuxes it once to report the codec and properties of every track.`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

func init() {
	probeCmd.Flags().StringVar(&probeFormat, "format", "yaml", "output format (yaml, json)")
	rootCmd.AddCommand(probeCmd)
}

// ProbeTrack describes one output track.
type ProbeTrack struct {
	Name       string `json:"name" yaml:"name"`
	Container  string `json:"container" yaml:"container"`
	Codec      string `json:"codec" yaml:"codec"`
	Width      int    `json:"width,omitempty" yaml:"width,omitempty"`
	Height     int    `json:"height,omitempty" yaml:"height,omitempty"`
	Channels   int    `json:"channels,omitempty" yaml:"channels,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty"`
}

// ProbeReport is the output of the probe command.
type ProbeReport struct {
	File      string       `json:"file" yaml:"file"`
	Size      int          `json:"size" yaml:"size"`
	Container string       `json:"container" yaml:"container"`
	Tracks    []ProbeTrack `json:"tracks" yaml:"tracks"`
	Errors    []string     `json:"errors,omitempty" yaml:"errors,omitempty"`
}

func runProbe(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading segment: %w", err)
	}

	tc := appConfig.Transmux
	container, ok := transmux.Probe(data, tc.EnableAdvancedCodecs)
	if !ok {
		return fmt.Errorf("%s: %w", args[0], transmux.ErrNoDemuxer)
	}

	report := ProbeReport{File: args[0], Size: len(data), Container: container.String()}

	var recorder events.Recorder
	tm := transmux.New(transmux.Options{
		Config:   tc.TransmuxerConfig(),
		Observer: &recorder,
		Logger:   slog.Default(),
	})
	defer tm.Destroy()
	tm.Configure(transmux.TransmuxConfig{
		Duration:       tc.SegmentDuration.Seconds(),
		DefaultInitPTS: tc.InitPTS(),
	})

	results := make([]transmux.TransmuxerResult, 0, 2)
	res, err := tm.Push(cmd.Context(), data, nil, nil, &transmux.TransmuxState{Discontinuity: true})
	if err != nil {
		return err
	}
	results = append(results, res)
	flushed, err := tm.Flush(cmd.Context(), nil)
	if err != nil {
		return err
	}
	results = append(results, flushed...)

	for _, r := range results {
		if r.Remux.InitSegment == nil {
			continue
		}
		for name, track := range r.Remux.InitSegment.Tracks {
			report.Tracks = append(report.Tracks, ProbeTrack{
				Name:       name,
				Container:  track.Container,
				Codec:      track.Codec,
				Width:      track.Metadata.Width,
				Height:     track.Metadata.Height,
				Channels:   track.Metadata.Channels,
				SampleRate: track.Metadata.SampleRate,
			})
		}
	}
	sort.Slice(report.Tracks, func(i, j int) bool { return report.Tracks[i].Name < report.Tracks[j].Name })
	for _, ev := range recorder.Events() {
		report.Errors = append(report.Errors, fmt.Sprintf("%s/%s: %s", ev.Type, ev.Details, ev.Reason))
	}

	out := cmd.OutOrStdout()
	switch probeFormat {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "yaml":
		enc := yaml.NewEncoder(out)
		defer enc.Close()
		return enc.Encode(report)
	default:
		return fmt.Errorf("unknown output format %q", probeFormat)
	}
}
