package entities

import (
	"strings"
	"time"
)

// Image is the ledger record kept for every stored file.
type Image struct {
	ID           string    `json:"id"`
	OriginalName string    `json:"original_name"`
	Filename     string    `json:"filename"`
	Size         int64     `json:"size"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	Format       string    `json:"format"`
	IsTranscoded bool      `json:"is_transcoded"`
	IsPublic     bool      `json:"is_public"`
	UploadedBy   string    `json:"uploaded_by"`
	SourceIP     string    `json:"source_ip"`
	IsDeleted    bool      `json:"is_deleted"`
	UploadedAt   time.Time `json:"uploaded_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// UploadResult is what the uploader gets back. It carries no provenance fields.
type UploadResult struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Format   string `json:"format"`
	Size     int64  `json:"size"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	URL      string `json:"url"`
}

// StoredFilename is the only name ever used to build an on-disk path.
func StoredFilename(id, format string) string {
	return id + "." + format
}

func PublicURL(id, format string) string {
	return "/i/" + StoredFilename(id, format)
}

func (img Image) Result() UploadResult {
	return UploadResult{
		ID:       img.ID,
		Filename: img.Filename,
		Format:   img.Format,
		Size:     img.Size,
		Width:    img.Width,
		Height:   img.Height,
		URL:      PublicURL(img.ID, img.Format),
	}
}

var contentTypes = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"bmp":  "image/bmp",
	"ico":  "image/x-icon",
	"svg":  "image/svg+xml",
	"avif": "image/avif",
	"tiff": "image/tiff",
	"tif":  "image/tiff",
}

// ContentType maps a file extension to its MIME type, falling back to
// application/octet-stream.
func ContentType(ext string) string {
	if ct, ok := contentTypes[strings.ToLower(ext)]; ok {
		return ct
	}
	return "application/octet-stream"
}
