// Package imaging validates and normalizes raw images into bounded payloads.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	// Decoders accepted on input.
	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/tjfontaine/polyglot-vision-gateway/internal/core/domain"
)

// MimeJPEG is the media type of every prepared payload.
const MimeJPEG = "image/jpeg"

// Limits bounds a prepared payload.
type Limits struct {
	MaxBytes int64
	MaxSide  int
	Quality  int
}

// Prepare validates raw and re-encodes it as a JPEG whose longer side is at
// most maxSide. Oversized input is rejected before any decoding.
func Prepare(raw []byte, maxBytes int64, maxSide, quality int) (domain.PreparedPayload, error) {
	if int64(len(raw)) > maxBytes {
		return domain.PreparedPayload{}, domain.ErrPayloadTooLarge(int64(len(raw)), maxBytes)
	}
	if len(raw) == 0 {
		return domain.PreparedPayload{}, domain.ErrInvalidImage(fmt.Errorf("empty image payload"))
	}

	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return domain.PreparedPayload{}, domain.ErrInvalidImage(err)
	}

	b := src.Bounds()
	w, h := FitWithin(b.Dx(), b.Dy(), maxSide)

	// Flatten onto white so transparent sources do not turn black in JPEG.
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	if w == b.Dx() && h == b.Dy() {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return domain.PreparedPayload{}, fmt.Errorf("encode jpeg: %w", err)
	}

	return domain.NewPreparedPayload(buf.Bytes(), MimeJPEG, w, h), nil
}

// PrepareWith is Prepare with the limits taken from l.
func PrepareWith(raw []byte, l Limits) (domain.PreparedPayload, error) {
	return Prepare(raw, l.MaxBytes, l.MaxSide, l.Quality)
}

// FitWithin returns the size of a w x h image scaled so that its longer side
// equals maxSide. Images already within the bound are returned unchanged.
func FitWithin(w, h, maxSide int) (int, int) {
	if w <= maxSide && h <= maxSide {
		return w, h
	}
	var nw, nh int
	if w >= h {
		nw, nh = maxSide, h*maxSide/w
	} else {
		nw, nh = w*maxSide/h, maxSide
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh
}
