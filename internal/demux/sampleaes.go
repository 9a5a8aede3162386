package demux

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/transmux/internal/crypt"
)

// decryptBundle decrypts the SAMPLE-AES protected AAC frames and AVC slices
// of bundle in place. Samples still on the tracks from an earlier call are
// skipped. Audio and video are handled concurrently.
func decryptBundle(ctx context.Context, bundle TrackBundle, dec *crypt.SampleDecrypter) error {
	g, ctx := errgroup.WithContext(ctx)

	if bundle.Audio != nil && bundle.Audio.Codec == "aac" && len(bundle.Audio.Samples) > 0 {
		samples := bundle.Audio.Samples
		g.Go(func() error {
			for i, s := range samples {
				if err := ctx.Err(); err != nil {
					return err
				}
				if s.decrypted {
					continue
				}
				if err := dec.DecryptAACFrame(s.Data); err != nil {
					return fmt.Errorf("audio sample %d: %w", i, err)
				}
				s.decrypted = true
			}
			return nil
		})
	}

	if bundle.Video != nil && bundle.Video.Codec == "avc" && len(bundle.Video.Samples) > 0 {
		samples := bundle.Video.Samples
		g.Go(func() error {
			for i, s := range samples {
				if err := ctx.Err(); err != nil {
					return err
				}
				if s.decrypted {
					continue
				}
				for j := range s.Units {
					unit := &s.Units[j]
					if !crypt.IsProtectedAVCUnit(unit.Type, len(unit.Data)) {
						continue
					}
					out, err := dec.DecryptAVCUnit(unit.Data)
					if err != nil {
						return fmt.Errorf("video sample %d: %w", i, err)
					}
					unit.Data = out
				}
				s.decrypted = true
			}
			return nil
		})
	}

	return g.Wait()
}
