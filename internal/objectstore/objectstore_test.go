package objectstore

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/tanya/internal/models"
)

func TestBadgerStore_PutGetDelete(t *testing.T) {
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	loc, err := s.Put(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(loc, "obj:"))

	data, err := s.Get(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, s.Delete(ctx, loc))
	_, err = s.Get(ctx, loc)
	assert.ErrorIs(t, err, models.ErrNotFound)
	require.NoError(t, s.Delete(ctx, loc), "delete must be idempotent")
}

func TestBadgerStore_BadLocator(t *testing.T) {
	s, err := Open("", nil)
	require.NoError(t, err)
	defer s.Close()

	for _, loc := range []string{"", "file:/etc/passwd", "obj:not-a-uuid"} {
		_, err := s.Get(context.Background(), loc)
		assert.ErrorIs(t, err, models.ErrInvalidInput, loc)
	}
}

func TestBadgerStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	require.NoError(t, err)
	loc, err := s.Put(context.Background(), []byte("persisted"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(dir, nil)
	require.NoError(t, err)
	defer s.Close()
	data, err := s.Get(context.Background(), loc)
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(data))
}
