package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chaos-zhu/easyimg/internal/entities"
	"github.com/chaos-zhu/easyimg/internal/repository"
)

const uniqueViolation = "23505"

const imageColumns = `id, original_name, filename, size, width, height, format,
	is_transcoded, is_public, uploaded_by, source_ip, is_deleted, uploaded_at, updated_at`

type dbStorage struct {
	dbpool *pgxpool.Pool
}

func New(ctx context.Context, databaseDSN string) (*dbStorage, error) {
	pool, err := pgxpool.New(ctx, databaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &dbStorage{dbpool: pool}, nil
}

func (s *dbStorage) Ping(ctx context.Context) error {
	return s.dbpool.Ping(ctx)
}

func (s *dbStorage) Close() error {
	s.dbpool.Close()
	return nil
}

// InsertImage records img. Ids are the primary key, so a reused id fails
// with repository.ErrDuplicate even if the earlier row is soft-deleted.
func (s *dbStorage) InsertImage(ctx context.Context, img entities.Image) error {
	_, err := s.dbpool.Exec(ctx, `
		INSERT INTO images (`+imageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		img.ID, img.OriginalName, img.Filename, img.Size, img.Width, img.Height, img.Format,
		img.IsTranscoded, img.IsPublic, img.UploadedBy, img.SourceIP, img.IsDeleted,
		img.UploadedAt, img.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", repository.ErrDuplicate, img.ID)
		}
		return fmt.Errorf("insert image %s: %w", img.ID, err)
	}
	return nil
}

func (s *dbStorage) FindImage(ctx context.Context, id string) (entities.Image, error) {
	var img entities.Image
	err := s.dbpool.QueryRow(ctx, `SELECT `+imageColumns+` FROM images WHERE id = $1`, id).Scan(
		&img.ID, &img.OriginalName, &img.Filename, &img.Size, &img.Width, &img.Height, &img.Format,
		&img.IsTranscoded, &img.IsPublic, &img.UploadedBy, &img.SourceIP, &img.IsDeleted,
		&img.UploadedAt, &img.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return entities.Image{}, repository.ErrNotFound
		}
		return entities.Image{}, fmt.Errorf("find image %s: %w", id, err)
	}
	return img, nil
}

// MarkDeleted sets the soft-delete flag. The row itself is kept.
func (s *dbStorage) MarkDeleted(ctx context.Context, id string, at time.Time) error {
	tag, err := s.dbpool.Exec(ctx,
		`UPDATE images SET is_deleted = TRUE, updated_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("mark image %s deleted: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
