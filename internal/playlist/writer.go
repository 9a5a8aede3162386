package playlist

import (
	"fmt"
	"io"
	"math"
	"strings"
)

// Writer provides streaming media playlist writing.
type Writer struct {
	w             io.Writer
	headerWritten bool
	ended         bool
}

// NewWriter creates a new playlist writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteHeader writes the playlist header for a VOD fMP4 playlist.
func (w *Writer) WriteHeader(targetDuration int) error {
	if w.headerWritten {
		return nil
	}
	lines := []string{
		"#EXTM3U",
		"#EXT-X-VERSION:7",
		fmt.Sprintf("#EXT-X-TARGETDURATION:%d", max(targetDuration, 1)),
		"#EXT-X-MEDIA-SEQUENCE:0",
		"#EXT-X-PLAYLIST-TYPE:VOD",
		"#EXT-X-INDEPENDENT-SEGMENTS",
	}
	if _, err := fmt.Fprintln(w.w, strings.Join(lines, "\n")); err != nil {
		return fmt.Errorf("writing playlist header: %w", err)
	}
	w.headerWritten = true
	return nil
}

// WriteMap writes an EXT-X-MAP tag. A map following segments is preceded by
// a discontinuity.
func (w *Writer) WriteMap(m *Map, discontinuity bool) error {
	if !w.headerWritten {
		return fmt.Errorf("writing map: header not written")
	}
	var sb strings.Builder
	if discontinuity {
		sb.WriteString("#EXT-X-DISCONTINUITY\n")
	}
	fmt.Fprintf(&sb, `#EXT-X-MAP:URI="%s"`, escapeQuotes(m.URI))
	if m.ByteRange != nil {
		fmt.Fprintf(&sb, `,BYTERANGE="%d@%d"`, m.ByteRange.Length, m.ByteRange.Offset)
	}
	if _, err := fmt.Fprintln(w.w, sb.String()); err != nil {
		return fmt.Errorf("writing map: %w", err)
	}
	return nil
}

// WriteSegment writes a single segment.
func (w *Writer) WriteSegment(seg *Segment) error {
	if !w.headerWritten {
		return fmt.Errorf("writing segment: header not written")
	}
	var sb strings.Builder
	if seg.Discontinuity {
		sb.WriteString("#EXT-X-DISCONTINUITY\n")
	}
	fmt.Fprintf(&sb, "#EXTINF:%.5f,%s\n", seg.Duration, seg.Title)
	if seg.ByteRange != nil {
		fmt.Fprintf(&sb, "#EXT-X-BYTERANGE:%d@%d\n", seg.ByteRange.Length, seg.ByteRange.Offset)
	}
	sb.WriteString(seg.URI)
	if _, err := fmt.Fprintln(w.w, sb.String()); err != nil {
		return fmt.Errorf("writing segment: %w", err)
	}
	return nil
}

// End writes EXT-X-ENDLIST. It is safe to call more than once.
func (w *Writer) End() error {
	if w.ended {
		return nil
	}
	if err := w.WriteHeader(0); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w.w, "#EXT-X-ENDLIST"); err != nil {
		return fmt.Errorf("writing end: %w", err)
	}
	w.ended = true
	return nil
}

// TargetDuration returns the EXT-X-TARGETDURATION for segments of the given
// durations: the longest one, rounded to the nearest second.
func TargetDuration(durations []float64) int {
	target := 0
	for _, d := range durations {
		target = max(target, int(math.Round(d)))
	}
	return target
}

// escapeQuotes replaces double quotes in attribute values.
func escapeQuotes(s string) string {
	return strings.ReplaceAll(s, `"`, "'")
}
