package processor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"runtime"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/semaphore"

	"github.com/chaos-zhu/easyimg/internal/apperrors"
	"github.com/chaos-zhu/easyimg/internal/metrics"
	webp_converter "github.com/chaos-zhu/easyimg/internal/webp-converter"
)

// Canonical formats. The value doubles as the stored file extension.
const (
	JPEG = "jpg"
	PNG  = "png"
	GIF  = "gif"
	WEBP = "webp"
	BMP  = "bmp"
	TIFF = "tiff"
	SVG  = "svg"
	ICO  = "ico"
	AVIF = "avif"
)

const mimeAPNG = "image/vnd.mozilla.apng"

var formatsByMIME = map[string]string{
	"image/jpeg":               JPEG,
	"image/png":                PNG,
	mimeAPNG:                   PNG,
	"image/gif":                GIF,
	"image/webp":               WEBP,
	"image/bmp":                BMP,
	"image/tiff":               TIFF,
	"image/svg+xml":            SVG,
	"image/x-icon":             ICO,
	"image/vnd.microsoft.icon": ICO,
	"image/avif":               AVIF,
}

// storedOnly formats have no decoder here. They are accepted and kept byte
// for byte but never transcoded.
var storedOnly = map[string]bool{
	SVG:  true,
	ICO:  true,
	AVIF: true,
}

var (
	ErrUnsupportedFormat   = apperrors.New(apperrors.KindInvalidInput, "unsupported target format")
	ErrLosslessUnsupported = apperrors.New(apperrors.KindInvalidInput, "lossless encoding is not available for jpeg")
	ErrNotTranscodable     = apperrors.New(apperrors.KindUnsupportedImage, "this image format cannot be converted")
)

// Metadata describes an image buffer. It is always computed from the bytes
// it describes, never from client-declared values.
type Metadata struct {
	Format   string
	Width    int
	Height   int
	Size     int64
	Animated bool

	// StoredOnly is set for formats that are kept as uploaded.
	StoredOnly bool
}

type Result struct {
	Data []byte
	Metadata
	Transcoded bool
}

type TransformOptions struct {
	Format           string
	Quality          int
	Lossless         bool
	PreserveAnimated bool
}

type Options struct {
	// MaxConcurrent bounds simultaneous decode/encode work. Zero means NumCPU.
	MaxConcurrent int64
	// MaxDimension downscales anything larger on re-encode. Zero disables it.
	MaxDimension int
}

type Engine struct {
	webp         webp_converter.Converter
	sem          *semaphore.Weighted
	maxDimension int
}

func New(opts Options) *Engine {
	n := opts.MaxConcurrent
	if n <= 0 {
		n = int64(runtime.NumCPU())
	}
	return &Engine{
		sem:          semaphore.NewWeighted(n),
		maxDimension: opts.MaxDimension,
	}
}

// NormalizeFormat maps user input such as "JPEG" or ".tif" onto a canonical
// encodable format.
func NormalizeFormat(s string) (string, error) {
	f := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), ".")
	switch f {
	case "jpeg", JPEG:
		return JPEG, nil
	case "tif", TIFF:
		return TIFF, nil
	case PNG, GIF, WEBP, BMP:
		return f, nil
	}
	return "", ErrUnsupportedFormat
}

// CanonicalExtension maps a requested file extension onto the format it is
// stored under. ok is false for extensions that are never stored.
func CanonicalExtension(ext string) (format string, ok bool) {
	f := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
	switch f {
	case "apng":
		return PNG, true
	case SVG, ICO, AVIF:
		return f, true
	}
	f, err := NormalizeFormat(f)
	return f, err == nil
}

func unsupported(err error) error {
	return apperrors.Wrap(apperrors.KindUnsupportedImage, apperrors.ErrUnsupportedImage.Msg, err)
}

// Inspect sniffs the format and reads dimensions from the image header.
func (e *Engine) Inspect(buf []byte) (Metadata, error) {
	if len(buf) == 0 {
		return Metadata{}, unsupported(fmt.Errorf("empty buffer"))
	}

	mt, _, _ := strings.Cut(mimetype.Detect(buf).String(), ";")
	format, ok := formatsByMIME[mt]
	if !ok {
		return Metadata{}, unsupported(fmt.Errorf("content type %s is not a supported image", mt))
	}

	meta := Metadata{
		Format:   format,
		Size:     int64(len(buf)),
		Animated: format == GIF || mt == mimeAPNG,
	}

	if storedOnly[format] {
		w, h, err := storedDimensions(format, buf)
		if err != nil {
			return Metadata{}, unsupported(err)
		}
		meta.Width, meta.Height, meta.StoredOnly = w, h, true
		return meta, nil
	}

	if format == WEBP {
		if w, h, animated, ok := webpCanvas(buf); ok && animated {
			meta.Width, meta.Height, meta.Animated = w, h, true
			return meta, nil
		}
	}

	var (
		cfg image.Config
		err error
	)
	if format == WEBP {
		cfg, err = e.webp.DecodeConfig(bytes.NewReader(buf))
	} else {
		cfg, _, err = image.DecodeConfig(bytes.NewReader(buf))
	}
	if err != nil {
		return Metadata{}, unsupported(err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Metadata{}, unsupported(fmt.Errorf("invalid dimensions %dx%d", cfg.Width, cfg.Height))
	}

	meta.Width, meta.Height = cfg.Width, cfg.Height
	return meta, nil
}

// Transform re-encodes buf according to opts. Animated input is returned
// untouched when opts.PreserveAnimated is set, since the encoders here only
// write a single frame. Stored-only formats are always returned untouched.
func (e *Engine) Transform(ctx context.Context, buf []byte, opts TransformOptions) (Result, error) {
	meta, err := e.Inspect(buf)
	if err != nil {
		return Result{}, err
	}

	if meta.StoredOnly || (opts.PreserveAnimated && meta.Animated) {
		return Result{Data: buf, Metadata: meta}, nil
	}

	if opts.Lossless {
		return e.ConvertLossless(ctx, buf, opts.Format)
	}
	return e.Compress(ctx, buf, opts.Format, opts.Quality)
}

// Compress re-encodes buf into format at quality. Quality only affects lossy
// encoders (webp, jpeg).
func (e *Engine) Compress(ctx context.Context, buf []byte, format string, quality int) (Result, error) {
	if quality <= 0 {
		quality = webp_converter.DefaultQuality
	}
	if quality > 100 {
		quality = 100
	}
	return e.reencode(ctx, buf, format, quality, false)
}

// ConvertLossless re-encodes buf into format without quality loss.
func (e *Engine) ConvertLossless(ctx context.Context, buf []byte, format string) (Result, error) {
	return e.reencode(ctx, buf, format, 100, true)
}

func (e *Engine) reencode(ctx context.Context, buf []byte, format string, quality int, lossless bool) (Result, error) {
	target, err := NormalizeFormat(format)
	if err != nil {
		return Result{}, err
	}
	if lossless && target == JPEG {
		return Result{}, ErrLosslessUnsupported
	}

	meta, err := e.Inspect(buf)
	if err != nil {
		return Result{}, err
	}
	if meta.StoredOnly {
		return Result{}, ErrNotTranscodable
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return Result{}, fmt.Errorf("waiting for transform slot: %w", err)
	}
	defer e.sem.Release(1)

	start := time.Now()

	img, err := e.decode(buf, meta.Format)
	if err != nil {
		return Result{}, unsupported(err)
	}

	img = (&ImageResizer{Width: e.maxDimension, Height: e.maxDimension}).Modify(img)

	out, err := e.encode(img, target, quality, lossless)
	if err != nil {
		return Result{}, fmt.Errorf("encode %s: %w", target, err)
	}

	outMeta, err := e.Inspect(out)
	if err != nil {
		return Result{}, fmt.Errorf("inspect encoded %s: %w", target, err)
	}

	metrics.TransformDuration.WithLabelValues(target).Observe(time.Since(start).Seconds())

	return Result{Data: out, Metadata: outMeta, Transcoded: true}, nil
}

func (e *Engine) decode(buf []byte, format string) (image.Image, error) {
	if format == WEBP {
		return e.webp.Decode(bytes.NewReader(buf))
	}
	return imaging.Decode(bytes.NewReader(buf), imaging.AutoOrientation(true))
}

func (e *Engine) encode(img image.Image, format string, quality int, lossless bool) ([]byte, error) {
	var f imaging.Format
	switch format {
	case WEBP:
		if lossless {
			return e.webp.EncodeLossless(img)
		}
		return e.webp.Encode(img, quality)
	case JPEG:
		f = imaging.JPEG
	case PNG:
		f = imaging.PNG
	case GIF:
		f = imaging.GIF
	case BMP:
		f = imaging.BMP
	case TIFF:
		f = imaging.TIFF
	default:
		return nil, ErrUnsupportedFormat
	}

	buf := new(bytes.Buffer)
	if err := imaging.Encode(buf, img, f, imaging.JPEGQuality(quality)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ImageResizer shrinks an image to fit within Width x Height, keeping aspect
// ratio. Images already inside the box are returned as is.
type ImageResizer struct {
	Width  int
	Height int
}

func (r *ImageResizer) Modify(img image.Image) image.Image {
	if r.Width <= 0 || r.Height <= 0 {
		return img
	}

	w := float64(img.Bounds().Dx())
	h := float64(img.Bounds().Dy())
	if w == 0 || h == 0 {
		return img
	}

	ratio := w / float64(r.Width)
	if hRatio := h / float64(r.Height); hRatio > ratio {
		ratio = hRatio
	}

	// Nothing to do - return original image
	if ratio <= 1 {
		return img
	}

	return imaging.Resize(img, int(w/ratio), int(h/ratio), imaging.Lanczos)
}

// webpCanvas reads the extended (VP8X) header. ok is false for simple
// lossy/lossless files, which carry no VP8X chunk.
func webpCanvas(buf []byte) (width, height int, animated, ok bool) {
	if len(buf) < 30 || string(buf[0:4]) != "RIFF" || string(buf[8:12]) != "WEBP" || string(buf[12:16]) != "VP8X" {
		return 0, 0, false, false
	}
	flags := buf[20]
	width = 1 + (int(buf[24]) | int(buf[25])<<8 | int(buf[26])<<16)
	height = 1 + (int(buf[27]) | int(buf[28])<<8 | int(buf[29])<<16)
	return width, height, flags&0x02 != 0, true
}
