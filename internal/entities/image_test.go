package entities

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentType(t *testing.T) {
	cases := map[string]string{
		"jpg":  "image/jpeg",
		"JPEG": "image/jpeg",
		"png":  "image/png",
		"gif":  "image/gif",
		"webp": "image/webp",
		"bmp":  "image/bmp",
		"ico":  "image/x-icon",
		"svg":  "image/svg+xml",
		"avif": "image/avif",
		"tiff": "image/tiff",
		"heic": "application/octet-stream",
		"":     "application/octet-stream",
	}
	for ext, want := range cases {
		assert.Equal(t, want, ContentType(ext), ext)
	}
}

func TestResult(t *testing.T) {
	img := Image{
		ID:       "0a1b2c3d-aaaa-4bbb-8ccc-123456789abc",
		Filename: StoredFilename("0a1b2c3d-aaaa-4bbb-8ccc-123456789abc", "webp"),
		Format:   "webp",
		Size:     512,
		Width:    100,
		Height:   50,
		SourceIP: "10.0.0.1",
	}

	res := img.Result()
	assert.Equal(t, "0a1b2c3d-aaaa-4bbb-8ccc-123456789abc.webp", res.Filename)
	assert.Equal(t, "/i/0a1b2c3d-aaaa-4bbb-8ccc-123456789abc.webp", res.URL)
	assert.Equal(t, int64(512), res.Size)
}
