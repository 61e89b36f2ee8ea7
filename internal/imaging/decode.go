// Package imaging decodes uploaded images and encodes result images for
// transport.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	"github.com/Brownie44l1/curie-api/internal/apperr"
	"github.com/Brownie44l1/curie-api/internal/config"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"go.uber.org/zap"
)

type Decoder struct {
	maxPixels int64
	debugDir  string
	logger    *zap.Logger
}

// NewDecoder returns a Decoder that rejects images whose header declares
// more than maxPixels pixels, and also dumps every decoded image to cfg.Dir
// when cfg.SaveRequests is set.
func NewDecoder(maxPixels int64, cfg config.DebugConfig, logger *zap.Logger) *Decoder {
	d := &Decoder{maxPixels: maxPixels, logger: logger}
	if cfg.SaveRequests {
		d.debugDir = cfg.Dir
	}
	return d
}

// Decode turns an encoded image container into a pixel grid. Empty input,
// an unknown format, or a zero-area image yields a KindDecode error. An
// image whose declared dimensions exceed the pixel limit yields KindTooLarge
// before any pixel buffer is allocated.
func (d *Decoder) Decode(requestID string, data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", apperr.New(apperr.KindDecode, "uploaded image is empty")
	}

	header, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", apperr.Wrap(apperr.KindDecode, "invalid image format. Supported: JPEG, PNG, GIF, BMP, TIFF, WebP", err)
	}
	if header.Width <= 0 || header.Height <= 0 {
		return nil, "", apperr.New(apperr.KindDecode, "decoded image has no pixels")
	}
	if d.maxPixels > 0 && int64(header.Width)*int64(header.Height) > d.maxPixels {
		return nil, "", apperr.New(apperr.KindTooLarge,
			fmt.Sprintf("image is %dx%d, limit is %d pixels", header.Width, header.Height, d.maxPixels))
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", apperr.Wrap(apperr.KindDecode, "invalid image format. Supported: JPEG, PNG, GIF, BMP, TIFF, WebP", err)
	}

	if img.Bounds().Empty() {
		return nil, "", apperr.New(apperr.KindDecode, "decoded image has no pixels")
	}

	if d.debugDir != "" {
		d.dump(requestID, img)
	}

	return img, format, nil
}

// dump failures are logged and never fail the request.
func (d *Decoder) dump(requestID string, img image.Image) {
	if requestID == "" {
		requestID = "request"
	}
	path := filepath.Join(d.debugDir, requestID+".png")

	if err := os.MkdirAll(d.debugDir, 0o755); err != nil {
		d.logger.Warn("failed to create debug dir", zap.String("dir", d.debugDir), zap.Error(err))
		return
	}
	if err := WritePNG(path, img); err != nil {
		d.logger.Warn("failed to save debug image", zap.String("file", path), zap.Error(err))
		return
	}
	d.logger.Debug("debug image saved", zap.String("request_id", requestID), zap.String("file", path))
}
