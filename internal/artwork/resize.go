package artwork

import (
	"bytes"
	"fmt"
	"time"

	"mediakeep/internal/metrics"

	"github.com/disintegration/imaging"

	// TMDB occasionally serves webp; register the decoder for the pure-Go path.
	_ "golang.org/x/image/webp"
)

// resize shrinks an image to the target width, preserving aspect ratio, and
// returns JPEG bytes. Uses libvips when available and falls back to the
// pure-Go imaging path otherwise.
func resize(data []byte, width int) ([]byte, error) {
	start := time.Now()
	if IsVipsAvailable() {
		out, err := resizeWithVips(data, width)
		if err == nil {
			metrics.ArtworkResizeDuration.WithLabelValues("vips").Observe(time.Since(start).Seconds())
			return out, nil
		}
		// Fall through; some formats vips builds lack (webp without
		// libwebp, for instance) still decode fine in pure Go.
	}

	out, err := resizeWithImaging(data, width)
	if err != nil {
		return nil, err
	}
	metrics.ArtworkResizeDuration.WithLabelValues("imaging").Observe(time.Since(start).Seconds())
	return out, nil
}

func resizeWithImaging(data []byte, width int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	if img.Bounds().Dx() > width {
		img = imaging.Resize(img, width, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}
