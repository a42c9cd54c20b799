package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chaos-zhu/easyimg/internal/entities"
)

// ClientSource hands out the current Redis client. *redisholder.Holder
// satisfies it.
type ClientSource interface {
	Get() redis.UniversalClient
}

type Cache struct {
	Redis     ClientSource
	Namespace string
}

func NewCache(namespace string, redisCl ClientSource) *Cache {
	return &Cache{
		Namespace: namespace,
		Redis:     redisCl,
	}
}

// Keys of one id share a hash tag so they land in the same cluster slot.
func (c *Cache) key(id string) string { return c.Namespace + ":{" + id + "}" }
func (c *Cache) tombstoneKey(id string) string { return c.key(id) + ":deleted" }

// GetImage returns the cached record for id; ok is false on a miss.
func (c *Cache) GetImage(ctx context.Context, id string) (img entities.Image, ok bool, err error) {
	raw, err := c.Redis.Get().Get(ctx, c.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return entities.Image{}, false, nil
	}
	if err != nil {
		return entities.Image{}, false, err
	}
	if err := json.Unmarshal(raw, &img); err != nil {
		return entities.Image{}, false, fmt.Errorf("decode cached image %s: %w", id, err)
	}
	return img, true, nil
}

// StoreImage caches img unless its id carries a tombstone. stored is false
// when the write was skipped.
func (c *Cache) StoreImage(ctx context.Context, img entities.Image, ttl time.Duration) (stored bool, err error) {
	raw, err := json.Marshal(img)
	if err != nil {
		return false, err
	}

	tomb := c.tombstoneKey(img.ID)
	err = c.Redis.Get().Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, tomb).Result()
		if err != nil || n > 0 {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, c.key(img.ID), raw, ttl)
			return nil
		})
		stored = err == nil
		return err
	}, tomb)
	if errors.Is(err, redis.TxFailedErr) {
		// The tombstone was written while we were storing.
		return false, nil
	}
	return stored, err
}

// Bury drops the cached record and blocks StoreImage for id during ttl.
func (c *Cache) Bury(ctx context.Context, id string, ttl time.Duration) error {
	_, err := c.Redis.Get().TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, c.tombstoneKey(id), 1, ttl)
		p.Del(ctx, c.key(id))
		return nil
	})
	return err
}

func (c *Cache) Remove(ctx context.Context, id string) error {
	return c.Redis.Get().Del(ctx, c.key(id)).Err()
}

// Ledger is the subset of the metadata ledger the cache sits in front of.
type Ledger interface {
	InsertImage(ctx context.Context, img entities.Image) error
	FindImage(ctx context.Context, id string) (entities.Image, error)
	MarkDeleted(ctx context.Context, id string, at time.Time) error
}

// CachedLedger serves FindImage from Redis when it can. Redis failures are
// logged and fall through to the ledger, which stays the source of truth.
type CachedLedger struct {
	next   Ledger
	cache  *Cache
	ttl    time.Duration
	logger *slog.Logger
}

func WrapLedger(next Ledger, c *Cache, ttl time.Duration, logger *slog.Logger) *CachedLedger {
	return &CachedLedger{
		next:   next,
		cache:  c,
		ttl:    ttl,
		logger: logger.With(slog.String("component", "record_cache")),
	}
}

func (l *CachedLedger) InsertImage(ctx context.Context, img entities.Image) error {
	return l.next.InsertImage(ctx, img)
}

func (l *CachedLedger) FindImage(ctx context.Context, id string) (entities.Image, error) {
	img, ok, err := l.cache.GetImage(ctx, id)
	if err != nil {
		l.logger.Warn("cache read failed", slog.String("id", id), slog.String("error", err.Error()))
	}
	if ok {
		return img, nil
	}

	img, err = l.next.FindImage(ctx, id)
	if err != nil {
		return img, err
	}

	if _, err := l.cache.StoreImage(ctx, img, l.ttl); err != nil {
		l.logger.Warn("cache write failed", slog.String("id", id), slog.String("error", err.Error()))
	}
	return img, nil
}

// MarkDeleted buries the id before the ledger update, so a FindImage that
// read the record earlier cannot cache it afterwards.
func (l *CachedLedger) MarkDeleted(ctx context.Context, id string, at time.Time) error {
	if err := l.cache.Bury(ctx, id, l.ttl); err != nil {
		l.logger.Warn("cache invalidation failed", slog.String("id", id), slog.String("error", err.Error()))
	}
	if err := l.next.MarkDeleted(ctx, id, at); err != nil {
		return err
	}
	if err := l.cache.Remove(ctx, id); err != nil {
		l.logger.Warn("cache invalidation failed", slog.String("id", id), slog.String("error", err.Error()))
	}
	return nil
}
