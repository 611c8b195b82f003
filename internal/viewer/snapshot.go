package viewer

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
)

// WriteSnapshot encodes img as PNG and replaces path atomically.
func WriteSnapshot(path string, img image.Image) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return err
	}
	return renameio.WriteFile(path, buf.Bytes(), 0o644)
}

// runSnapshots writes the canvas to path every interval while it keeps
// changing, and once more on the way out.
func runSnapshots(ctx context.Context, canvas *Canvas, path string, every time.Duration, logger zerolog.Logger) {
	flush := func() {
		img, ok := canvas.TakeSnapshot()
		if !ok {
			return
		}
		if err := WriteSnapshot(path, img); err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("writing snapshot failed")
			return
		}
		logger.Debug().Str("path", path).Msg("snapshot written")
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-ticker.C:
			flush()
		}
	}
}
