package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/chaos-zhu/easyimg/internal/apperrors"
	"github.com/chaos-zhu/easyimg/internal/auth"
	"github.com/chaos-zhu/easyimg/internal/config"
	"github.com/chaos-zhu/easyimg/internal/entities"
	"github.com/chaos-zhu/easyimg/internal/processor"
	use_case "github.com/chaos-zhu/easyimg/internal/use-case"
)

const (
	guestUploader     = "guest"
	adminCacheControl = "no-store, no-cache, must-revalidate"
	svgCSP            = "default-src 'none'; style-src 'unsafe-inline'; img-src data:; sandbox"
)

type UseCase interface {
	UploadImage(ctx context.Context, data []byte, opts use_case.UploadOptions) (entities.Image, error)
	OpenImage(ctx context.Context, name string, access use_case.Access, authenticated bool) (*os.File, entities.Image, error)
	GetImage(ctx context.Context, id string) (entities.Image, error)
	DeleteImage(ctx context.Context, id string, purge bool) (entities.Image, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	useCase   UseCase
	verifier  auth.Verifier
	ledger    Pinger
	cfg       *config.Config
	validator *validator.Validate
	logger    *slog.Logger
}

func New(useCase UseCase, verifier auth.Verifier, ledger Pinger, cfg *config.Config, logger *slog.Logger) *Handler {
	return &Handler{
		useCase:   useCase,
		verifier:  verifier,
		ledger:    ledger,
		cfg:       cfg,
		validator: validator.New(),
		logger:    logger.With(slog.String("component", "http")),
	}
}

func (h *Handler) UploadImage(w http.ResponseWriter, r *http.Request) {
	maxFile := h.cfg.Upload.MaxFileMB << 20
	// Leave room for the multipart framing and the other form fields.
	r.Body = http.MaxBytesReader(w, r.Body, maxFile+1<<20)

	identity, authenticated, err := h.optionalIdentity(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !authenticated && !h.cfg.Upload.AllowGuest {
		h.writeError(w, r, apperrors.ErrUnauthorized)
		return
	}

	maxMultipartMem := h.cfg.Upload.MaxMultipartMemoryMB
	if err := r.ParseMultipartForm(maxMultipartMem << 20); err != nil {
		writeMultipartError(w, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, fh, err := formFile(r)
	if err != nil {
		writeJSONError(w, `missing image file: form field key should be "file" or "image"`, http.StatusBadRequest)
		return
	}
	defer file.Close()

	if fh.Size > maxFile {
		h.writeError(w, r, apperrors.New(apperrors.KindTooLarge,
			fmt.Sprintf("file exceeds the %d MB limit", h.cfg.Upload.MaxFileMB)))
		return
	}

	params, errs := parseUploadParams(r)
	if len(errs) > 0 {
		writeJSON(w, http.StatusBadRequest, errs)
		return
	}
	if err := h.validator.Struct(params); err != nil {
		writeJSON(w, http.StatusBadRequest, validationErrorsToMap(err))
		return
	}

	if !h.cfg.Upload.IsAllowedFormat(filepath.Ext(fh.Filename)) {
		h.writeError(w, r, apperrors.New(apperrors.KindUnsupportedImage, "file format is not allowed"))
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("read upload: %w", err))
		return
	}

	mime := mimetype.Detect(data)
	if err := validateMimeType(mime.String()); err != nil {
		h.writeError(w, r, err)
		return
	}
	if !h.cfg.Upload.IsAllowedFormat(mime.Extension()) {
		h.writeError(w, r, apperrors.New(apperrors.KindUnsupportedImage, "file format is not allowed"))
		return
	}

	opts := h.uploadOptions(params, fh.Filename, identity, authenticated)
	opts.SourceIP = clientIP(r)

	img, err := h.useCase.UploadImage(r.Context(), data, opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, img.Result())
}

func (h *Handler) uploadOptions(params UploadImageParams, filename string, identity auth.Identity, authenticated bool) use_case.UploadOptions {
	u := h.cfg.Upload

	opts := use_case.UploadOptions{
		OriginalName:          filepath.Base(filename),
		ConvertToTargetFormat: boolOr(params.Convert, u.ConvertToWebP),
		TargetFormat:          u.TargetFormat,
		Quality:               u.Quality,
		Lossless:              boolOr(params.Lossless, u.Lossless),
		PreserveAnimated:      boolOr(params.PreserveAnimated, !u.ReencodeAnimated),
		UploadedBy:            guestUploader,
		IsPublic:              true,
	}
	if params.Format != "" {
		opts.TargetFormat = params.Format
	}
	if params.Quality > 0 {
		opts.Quality = params.Quality
	}
	if authenticated {
		opts.UploadedBy = identity.Subject
		opts.IsPublic = boolOr(params.Public, true)
	}
	return opts
}

func formFile(r *http.Request) (multipart.File, *multipart.FileHeader, error) {
	file, fh, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return r.FormFile("image")
	}
	return file, fh, err
}

func parseUploadParams(r *http.Request) (UploadImageParams, map[string]string) {
	errs := map[string]string{}
	params := UploadImageParams{Format: r.FormValue("format")}

	bools := []struct {
		field string
		dst   **bool
	}{
		{"convert", &params.Convert},
		{"lossless", &params.Lossless},
		{"preserve_animated", &params.PreserveAnimated},
		{"public", &params.Public},
	}
	for _, b := range bools {
		v, err := parseBool(r.FormValue(b.field))
		if err != nil {
			errs[b.field] = "must be a boolean"
			continue
		}
		*b.dst = v
	}

	if q := r.FormValue("quality"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil {
			errs["quality"] = "must be an integer"
		} else {
			params.Quality = v
		}
	}
	return params, errs
}

// PreviewImage serves any record, deleted ones included, to an
// authenticated caller. Responses are never cached.
func (h *Handler) PreviewImage(w http.ResponseWriter, r *http.Request) {
	f, img, err := h.useCase.OpenImage(r.Context(), chi.URLParam(r, "*"), use_case.AccessAdmin, true)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer f.Close()

	h.writeImage(w, r, f, img, adminCacheControl)
}

// ServeImage is the public URL handed out on upload.
func (h *Handler) ServeImage(w http.ResponseWriter, r *http.Request) {
	_, authenticated := auth.IdentityFrom(r.Context())

	f, img, err := h.useCase.OpenImage(r.Context(), chi.URLParam(r, "name"), use_case.AccessPublic, authenticated)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer f.Close()

	cacheControl := fmt.Sprintf("public, max-age=%d", h.cfg.Upload.PublicMaxAge)
	if !img.IsPublic {
		cacheControl = "private, no-store"
	}
	h.writeImage(w, r, f, img, cacheControl)
}

func (h *Handler) writeImage(w http.ResponseWriter, r *http.Request, f io.Reader, img entities.Image, cacheControl string) {
	w.Header().Set("Content-Type", entities.ContentType(img.Format))
	w.Header().Set("Content-Length", strconv.FormatInt(img.Size, 10))
	w.Header().Set("Cache-Control", cacheControl)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if img.Format == processor.SVG {
		// Uploaded SVG may carry script; never let it run in our origin.
		w.Header().Set("Content-Security-Policy", svgCSP)
	}
	w.Header().Set("Last-Modified", img.UpdatedAt.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, f); err != nil {
		// Headers are gone already; the client sees a truncated body.
		h.logger.Warn("stream interrupted", slog.String("id", img.ID), slog.String("error", err.Error()))
	}
}

func (h *Handler) GetImage(w http.ResponseWriter, r *http.Request) {
	img, err := h.useCase.GetImage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, img)
}

// DeleteImage soft-deletes a record; ?purge=true also removes the file.
func (h *Handler) DeleteImage(w http.ResponseWriter, r *http.Request) {
	purge, err := parseBool(r.URL.Query().Get("purge"))
	if err != nil {
		writeJSONError(w, "purge must be a boolean", http.StatusBadRequest)
		return
	}

	img, err := h.useCase.DeleteImage(r.Context(), chi.URLParam(r, "id"), boolOr(purge, false))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, img)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.ledger.Ping(ctx); err != nil {
		h.logger.Warn("health check failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, HealthStatus{Status: "unavailable", Ledger: "down"})
		return
	}
	writeJSON(w, http.StatusOK, HealthStatus{Status: "ok", Ledger: "up"})
}
