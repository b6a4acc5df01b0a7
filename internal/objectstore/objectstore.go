// Package objectstore keeps uploaded binary content addressed by opaque
// locators.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/tanya/internal/models"
	"github.com/hyperjump/tanya/internal/storage"
)

const locatorPrefix = "obj:"

// Store is the object store contract.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, locator string) ([]byte, error)
	Delete(ctx context.Context, locator string) error
	Close() error
}

// BadgerStore implements Store on Badger. Locators are "obj:<uuid>".
type BadgerStore struct {
	db *badger.DB
}

// Open opens the object store in dir. An empty dir keeps objects in memory.
func Open(dir string, logger *zap.Logger) (*BadgerStore, error) {
	db, err := storage.OpenBadger(dir, logger)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func objectKey(locator string) ([]byte, error) {
	if !strings.HasPrefix(locator, locatorPrefix) {
		return nil, fmt.Errorf("%w: bad object locator %q", models.ErrInvalidInput, locator)
	}
	if _, err := uuid.Parse(strings.TrimPrefix(locator, locatorPrefix)); err != nil {
		return nil, fmt.Errorf("%w: bad object locator %q", models.ErrInvalidInput, locator)
	}
	return []byte(locator), nil
}

// Put stores data and returns its locator.
func (s *BadgerStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	locator := locatorPrefix + uuid.NewString()
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(locator), data)
	})
	if err != nil {
		return "", fmt.Errorf("failed to store object: %w", err)
	}
	return locator, nil
}

// Get returns the bytes stored under locator.
func (s *BadgerStore) Get(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := objectKey(locator)
	if err != nil {
		return nil, err
	}
	var out []byte
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("object %s: %w", locator, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", locator, err)
	}
	return out, nil
}

// Delete removes an object. Deleting an absent object succeeds.
func (s *BadgerStore) Delete(ctx context.Context, locator string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := objectKey(locator)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(txn *badger.Txn) error { return txn.Delete(key) }); err != nil {
		return fmt.Errorf("failed to delete object %s: %w", locator, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
