// Package badgerstore is an embedded ledger backend: each record is a JSON
// document stored under its image id in a Badger key/value store.
package badgerstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/chaos-zhu/easyimg/internal/entities"
	"github.com/chaos-zhu/easyimg/internal/repository"
)

const keyPrefix = "image:"

type Store struct {
	db *badger.DB
}

// Open opens (or creates) the store in dir. An empty dir keeps everything in
// memory, which is what the tests use.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger ledger: %w", err)
	}
	return &Store{db: db}, nil
}

func key(id string) []byte { return []byte(keyPrefix + id) }

func (s *Store) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger ledger is closed")
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// InsertImage refuses ids that were ever recorded, deleted or not.
func (s *Store) InsertImage(_ context.Context, img entities.Image) error {
	data, err := json.Marshal(img)
	if err != nil {
		return fmt.Errorf("marshal image %s: %w", img.ID, err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key(img.ID))
		if err == nil {
			return fmt.Errorf("%w: %s", repository.ErrDuplicate, img.ID)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key(img.ID), data)
	})
}

func (s *Store) FindImage(_ context.Context, id string) (entities.Image, error) {
	var img entities.Image
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		img, err = get(txn, id)
		return err
	})
	return img, err
}

func (s *Store) MarkDeleted(_ context.Context, id string, at time.Time) error {
	return s.db.Update(func(txn *badger.Txn) error {
		img, err := get(txn, id)
		if err != nil {
			return err
		}
		img.IsDeleted = true
		img.UpdatedAt = at

		data, err := json.Marshal(img)
		if err != nil {
			return fmt.Errorf("marshal image %s: %w", id, err)
		}
		return txn.Set(key(id), data)
	})
}

func get(txn *badger.Txn, id string) (entities.Image, error) {
	item, err := txn.Get(key(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return entities.Image{}, repository.ErrNotFound
	}
	if err != nil {
		return entities.Image{}, fmt.Errorf("get image %s: %w", id, err)
	}

	var img entities.Image
	err = item.Value(func(val []byte) error {
		dec := json.NewDecoder(bytes.NewReader(val))
		dec.DisallowUnknownFields()
		return dec.Decode(&img)
	})
	if err != nil {
		return entities.Image{}, fmt.Errorf("decode image %s: %w", id, err)
	}
	if img.ID != id {
		return entities.Image{}, fmt.Errorf("decode image %s: record carries id %q", id, img.ID)
	}
	return img, nil
}
