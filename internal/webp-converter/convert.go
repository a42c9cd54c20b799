package webp_converter

import (
	"bytes"
	"fmt"
	"image"
	"io"

	"github.com/chai2010/webp"
)

const DefaultQuality = 80

type Converter struct{}

// Encode produces a lossy WebP at the given quality (1-100).
func (Converter) Encode(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}

	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, &webp.Options{Quality: float32(quality)}); err != nil {
		return nil, fmt.Errorf("error encoding to webp: %w", err)
	}

	return buf.Bytes(), nil
}

// EncodeLossless produces a lossless WebP. Exact keeps RGB values under
// fully transparent pixels so the round trip is pixel-identical.
func (Converter) EncodeLossless(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, &webp.Options{Lossless: true, Exact: true}); err != nil {
		return nil, fmt.Errorf("error encoding to lossless webp: %w", err)
	}

	return buf.Bytes(), nil
}

func (Converter) Decode(r io.Reader) (image.Image, error) {
	img, err := webp.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("error decoding webp: %w", err)
	}
	return img, nil
}

func (Converter) DecodeConfig(r io.Reader) (image.Config, error) {
	cfg, err := webp.DecodeConfig(r)
	if err != nil {
		return image.Config{}, fmt.Errorf("error reading webp header: %w", err)
	}
	return cfg, nil
}
