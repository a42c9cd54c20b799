package use_case

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/chaos-zhu/easyimg/internal/apperrors"
	"github.com/chaos-zhu/easyimg/internal/entities"
	"github.com/chaos-zhu/easyimg/internal/identifier"
	"github.com/chaos-zhu/easyimg/internal/metrics"
	"github.com/chaos-zhu/easyimg/internal/processor"
	"github.com/chaos-zhu/easyimg/internal/queue"
	"github.com/chaos-zhu/easyimg/internal/repository"
)

type Ledger interface {
	InsertImage(ctx context.Context, img entities.Image) error
	FindImage(ctx context.Context, id string) (entities.Image, error)
	MarkDeleted(ctx context.Context, id string, at time.Time) error
}

type FileStore interface {
	Write(id, ext string, data []byte) (string, error)
	Open(id, ext string) (*os.File, error)
	Exists(id, ext string) (bool, error)
	Delete(id, ext string) (bool, error)
}

type Transformer interface {
	Inspect(buf []byte) (processor.Metadata, error)
	Transform(ctx context.Context, buf []byte, opts processor.TransformOptions) (processor.Result, error)
}

type MirrorQueue interface {
	Enqueue(ctx context.Context, job queue.MirrorJob) error
}

// Access selects which retrieval rules apply.
type Access int

const (
	// AccessPublic hides deleted records and private records from anonymous callers.
	AccessPublic Access = iota
	// AccessAdmin sees every record, deleted ones included.
	AccessAdmin
)

func (a Access) String() string {
	if a == AccessAdmin {
		return "admin"
	}
	return "public"
}

type UploadOptions struct {
	OriginalName          string
	ConvertToTargetFormat bool
	TargetFormat          string
	Quality               int
	Lossless              bool
	PreserveAnimated      bool
	UploadedBy            string
	SourceIP              string
	IsPublic              bool
}

// nameRe is the only accepted shape for a requested file name.
var nameRe = regexp.MustCompile(`(?i)^([a-f0-9-]+)\.(\w+)$`)

type UseCase struct {
	ledger Ledger
	files  FileStore
	engine Transformer
	mirror MirrorQueue
	logger *slog.Logger
	now    func() time.Time
}

// New wires the upload and retrieval paths. mirror may be nil when no
// off-site copy is configured.
func New(ledger Ledger, files FileStore, engine Transformer, mirror MirrorQueue, logger *slog.Logger) *UseCase {
	return &UseCase{
		ledger: ledger,
		files:  files,
		engine: engine,
		mirror: mirror,
		logger: logger.With(slog.String("component", "images")),
		now:    time.Now,
	}
}

// UploadImage transforms data, writes it to the store and records it in the
// ledger, in that order. Metadata always comes from the bytes written.
func (c *UseCase) UploadImage(ctx context.Context, data []byte, opts UploadOptions) (img entities.Image, err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = apperrors.KindOf(err).String()
		}
		metrics.UploadsTotal.WithLabelValues(result).Inc()
	}()

	if len(data) == 0 {
		return img, apperrors.New(apperrors.KindInvalidInput, "empty file")
	}

	var res processor.Result
	if opts.ConvertToTargetFormat {
		res, err = c.engine.Transform(ctx, data, processor.TransformOptions{
			Format:           opts.TargetFormat,
			Quality:          opts.Quality,
			Lossless:         opts.Lossless,
			PreserveAnimated: opts.PreserveAnimated,
		})
	} else {
		var meta processor.Metadata
		meta, err = c.engine.Inspect(data)
		res = processor.Result{Data: data, Metadata: meta}
	}
	if err != nil {
		return img, err
	}

	id := identifier.New()
	if _, err := c.files.Write(id, res.Format, res.Data); err != nil {
		return img, fmt.Errorf("store %s: %w", entities.StoredFilename(id, res.Format), err)
	}

	now := c.now().UTC()
	img = entities.Image{
		ID:           id,
		OriginalName: opts.OriginalName,
		Filename:     entities.StoredFilename(id, res.Format),
		Size:         res.Size,
		Width:        res.Width,
		Height:       res.Height,
		Format:       res.Format,
		IsTranscoded: res.Transcoded,
		IsPublic:     opts.IsPublic,
		UploadedBy:   opts.UploadedBy,
		SourceIP:     opts.SourceIP,
		UploadedAt:   now,
		UpdatedAt:    now,
	}

	if err := c.ledger.InsertImage(ctx, img); err != nil {
		if _, rmErr := c.files.Delete(id, res.Format); rmErr != nil {
			c.logger.Error("failed to remove orphaned file",
				slog.String("filename", img.Filename),
				slog.String("error", rmErr.Error()),
			)
		}
		return entities.Image{}, fmt.Errorf("record %s: %w", id, err)
	}

	c.logger.Info("image stored",
		slog.String("id", id),
		slog.String("format", img.Format),
		slog.Int64("size", img.Size),
		slog.Bool("transcoded", img.IsTranscoded),
		slog.String("uploaded_by", img.UploadedBy),
	)

	c.enqueueMirror(ctx, queue.MirrorJob{
		Op:          queue.OpPut,
		ID:          id,
		Format:      img.Format,
		ContentType: entities.ContentType(img.Format),
	})

	return img, nil
}

// ParseName splits "<id>.<ext>" and lower-cases both parts. Anything else is
// reported as not found so callers learn nothing about valid id shapes.
func ParseName(name string) (id, ext string, err error) {
	m := nameRe.FindStringSubmatch(name)
	if m == nil {
		return "", "", apperrors.ErrNotFound
	}
	return strings.ToLower(m[1]), strings.ToLower(m[2]), nil
}

// OpenImage resolves name to an open file and its record. authenticated
// tells whether the caller presented a verified credential. The caller
// closes the file.
func (c *UseCase) OpenImage(ctx context.Context, name string, access Access, authenticated bool) (f *os.File, img entities.Image, err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = apperrors.KindOf(err).String()
		}
		metrics.RetrievalsTotal.WithLabelValues(access.String(), result).Inc()
	}()

	id, ext, err := ParseName(name)
	if err != nil {
		return nil, img, err
	}

	img, err = c.find(ctx, id)
	if err != nil {
		return nil, img, err
	}

	requested, ok := processor.CanonicalExtension(ext)
	if !ok || requested != img.Format {
		return nil, entities.Image{}, apperrors.ErrNotFound
	}

	if access == AccessPublic && (img.IsDeleted || (!img.IsPublic && !authenticated)) {
		return nil, entities.Image{}, apperrors.ErrNotFound
	}

	exists, err := c.files.Exists(img.ID, img.Format)
	if err != nil {
		return nil, entities.Image{}, fmt.Errorf("stat %s: %w", img.Filename, err)
	}
	if !exists {
		// A purged record is expected to have no file.
		if !img.IsDeleted {
			c.logger.Warn("ledger/filesystem drift",
				slog.String("id", img.ID),
				slog.String("filename", img.Filename),
				slog.String("access", access.String()),
			)
			metrics.LedgerDrift.Inc()
		}
		return nil, entities.Image{}, apperrors.ErrNotFound
	}

	f, err = c.files.Open(img.ID, img.Format)
	if errors.Is(err, os.ErrNotExist) {
		// Removed between the check and the open by a concurrent delete.
		return nil, entities.Image{}, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, entities.Image{}, fmt.Errorf("open %s: %w", img.Filename, err)
	}
	return f, img, nil
}

// GetImage returns the record for id, deleted or not.
func (c *UseCase) GetImage(ctx context.Context, id string) (entities.Image, error) {
	id = strings.ToLower(id)
	if !identifier.Valid(id) {
		return entities.Image{}, apperrors.ErrNotFound
	}
	return c.find(ctx, id)
}

// DeleteImage soft-deletes the record. With purge the stored file and its
// mirror copy are removed as well; the ledger row always stays.
func (c *UseCase) DeleteImage(ctx context.Context, id string, purge bool) (entities.Image, error) {
	img, err := c.GetImage(ctx, id)
	if err != nil {
		return img, err
	}

	now := c.now().UTC()
	if err := c.ledger.MarkDeleted(ctx, img.ID, now); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return entities.Image{}, apperrors.ErrNotFound
		}
		return entities.Image{}, fmt.Errorf("mark %s deleted: %w", img.ID, err)
	}
	img.IsDeleted = true
	img.UpdatedAt = now

	if purge {
		removed, err := c.files.Delete(img.ID, img.Format)
		if err != nil {
			return img, fmt.Errorf("remove %s: %w", img.Filename, err)
		}
		if !removed {
			c.logger.Info("purged image had no file", slog.String("id", img.ID))
		}
		c.enqueueMirror(ctx, queue.MirrorJob{Op: queue.OpDelete, ID: img.ID, Format: img.Format})
	}

	c.logger.Info("image deleted", slog.String("id", img.ID), slog.Bool("purge", purge))
	return img, nil
}

func (c *UseCase) find(ctx context.Context, id string) (entities.Image, error) {
	img, err := c.ledger.FindImage(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return entities.Image{}, apperrors.ErrNotFound
	}
	if err != nil {
		return entities.Image{}, fmt.Errorf("find %s: %w", id, err)
	}
	return img, nil
}

func (c *UseCase) enqueueMirror(ctx context.Context, job queue.MirrorJob) {
	if c.mirror == nil {
		return
	}
	if err := c.mirror.Enqueue(ctx, job); err != nil {
		c.logger.Warn("failed to enqueue mirror job",
			slog.String("op", job.Op),
			slog.String("key", job.Key()),
			slog.String("error", err.Error()),
		)
	}
}
