package spreadsheet

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoding
	_ "image/jpeg" // register JPEG decoding
	"image/png"

	_ "golang.org/x/image/webp" // register WebP decoding
)

// DefaultThumbnailWidth is the embedded cover width in pixels.
const DefaultThumbnailWidth = 90

// Thumbnail is an image ready to embed, with the scale that renders it at
// the target width while keeping its aspect ratio.
type Thumbnail struct {
	Data      []byte
	Extension string
	Width     int
	Height    float64
	Scale     float64
}

// errEmptyImage marks a zero-byte cache entry.
var errEmptyImage = errors.New("empty image data")

// PrepareThumbnail inspects data and scales it to targetWidth pixels. WebP,
// which the workbook format cannot embed, is re-encoded as PNG.
func PrepareThumbnail(data []byte, targetWidth int) (Thumbnail, error) {
	if len(data) == 0 {
		return Thumbnail{}, errEmptyImage
	}
	if targetWidth <= 0 {
		targetWidth = DefaultThumbnailWidth
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Thumbnail{}, fmt.Errorf("decode image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Thumbnail{}, fmt.Errorf("invalid image size %dx%d", cfg.Width, cfg.Height)
	}

	var ext string
	switch format {
	case "jpeg":
		ext = ".jpg"
	case "png":
		ext = ".png"
	case "gif":
		ext = ".gif"
	case "webp":
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return Thumbnail{}, fmt.Errorf("decode webp: %w", err)
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return Thumbnail{}, fmt.Errorf("re-encode webp as png: %w", err)
		}
		data = buf.Bytes()
		ext = ".png"
	default:
		return Thumbnail{}, fmt.Errorf("unsupported image format %q", format)
	}

	scale := float64(targetWidth) / float64(cfg.Width)
	return Thumbnail{
		Data:      data,
		Extension: ext,
		Width:     targetWidth,
		Height:    float64(cfg.Height) * scale,
		Scale:     scale,
	}, nil
}
