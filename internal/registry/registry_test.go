package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/tanya/internal/models"
	"github.com/hyperjump/tanya/internal/storage"
)

type recordingDropper struct {
	dropped []string
}

func (d *recordingDropper) DropIndex(_ context.Context, id string) error {
	d.dropped = append(d.dropped, id)
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *storage.SQLiteStorage, *recordingDropper) {
	t.Helper()
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	d := &recordingDropper{}
	r, err := New(context.Background(), store, d)
	require.NoError(t, err)
	return r, store, d
}

func TestRegistry_CreateResolve(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	c, err := r.Create(ctx, models.CollectionInput{Name: " permits ", Type: models.CollectionTypeDocuments})
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "permits", c.Name)

	for _, token := range []string{c.ID, "permits"} {
		id, err := r.Resolve(token)
		require.NoError(t, err)
		assert.Equal(t, c.ID, id)
	}

	_, err = r.Resolve("missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = r.Create(ctx, models.CollectionInput{Name: "permits"})
	assert.ErrorIs(t, err, models.ErrConflict)

	_, err = r.Create(ctx, models.CollectionInput{Name: "x", Type: "weird"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestRegistry_RenameKeepsIDAndAlias(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	c, err := r.Create(ctx, models.CollectionInput{Name: "old-name"})
	require.NoError(t, err)

	renamed, err := r.Rename(ctx, "old-name", "new-name")
	require.NoError(t, err)
	assert.Equal(t, c.ID, renamed.ID)
	assert.Equal(t, "new-name", renamed.Name)

	for _, token := range []string{"old-name", "new-name", c.ID} {
		id, err := r.Resolve(token)
		require.NoError(t, err, token)
		assert.Equal(t, c.ID, id, token)
	}
	assert.Equal(t, []string{"old-name"}, r.Aliases(c.ID))

	// Renaming back reclaims the alias as the name.
	_, err = r.Rename(ctx, c.ID, "old-name")
	require.NoError(t, err)
	assert.Equal(t, []string{"new-name"}, r.Aliases(c.ID))

	other, err := r.Create(ctx, models.CollectionInput{Name: "other"})
	require.NoError(t, err)
	_, err = r.Rename(ctx, other.ID, "new-name")
	assert.ErrorIs(t, err, models.ErrConflict, "alias of another collection is taken")
}

func TestRegistry_UpdateDescription(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	c, err := r.Create(ctx, models.CollectionInput{Name: "faq"})
	require.NoError(t, err)

	desc := "frequently asked questions"
	_, err = r.Update(ctx, c.ID, Patch{Description: &desc})
	require.NoError(t, err)
	got, err := r.Get("faq")
	require.NoError(t, err)
	assert.Equal(t, desc, got.Description)
	assert.Empty(t, r.Aliases(c.ID))
}

func TestRegistry_DeleteRequiresEmptyCollection(t *testing.T) {
	r, store, d := newTestRegistry(t)
	ctx := context.Background()
	c, err := r.Create(ctx, models.CollectionInput{Name: "guides"})
	require.NoError(t, err)

	require.NoError(t, store.CreateUnit(ctx, &models.Unit{
		ID: "u1", CollectionID: c.ID, Kind: models.UnitKindDocument, Source: "a.txt",
	}))
	err = r.Delete(ctx, "guides")
	assert.ErrorIs(t, err, models.ErrConflict)
	assert.Empty(t, d.dropped)

	require.NoError(t, store.DeleteUnit(ctx, "u1"))
	require.NoError(t, r.Delete(ctx, "guides"))
	assert.Equal(t, []string{c.ID}, d.dropped)

	_, err = r.Resolve(c.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.ErrorIs(t, r.Delete(ctx, c.ID), models.ErrNotFound)
}

func TestRegistry_Ensure(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	c, err := r.Ensure(ctx, "crawl", models.CollectionTypeWebpages)
	require.NoError(t, err)
	assert.Equal(t, models.CollectionTypeWebpages, c.Type)

	again, err := r.Ensure(ctx, "crawl", models.CollectionTypeDocuments)
	require.NoError(t, err)
	assert.Equal(t, c.ID, again.ID)
	assert.Len(t, r.List(), 1)
}

func TestRegistry_SeedIsIdempotent(t *testing.T) {
	r, store, _ := newTestRegistry(t)
	ctx := context.Background()
	static := []models.CollectionInput{
		{ID: "col-health", Name: "health", Type: models.CollectionTypeDocuments},
		{Name: "transport"},
	}
	aliases := map[string]string{
		"kesehatan": "col-health",
		"transit":   "transport",
		"dangling":  "nowhere",
	}

	require.NoError(t, r.Seed(ctx, static, aliases))
	require.NoError(t, r.Seed(ctx, static, aliases))
	assert.Len(t, r.List(), 2)

	id, err := r.Resolve("kesehatan")
	require.NoError(t, err)
	assert.Equal(t, "col-health", id)

	transport, err := r.Get("transit")
	require.NoError(t, err)
	assert.Equal(t, "transport", transport.Name)

	_, err = r.Resolve("dangling")
	assert.ErrorIs(t, err, models.ErrNotFound)

	// A fresh registry over the same store sees the persisted aliases.
	r2, err := New(ctx, store, nil)
	require.NoError(t, err)
	id, err = r2.Resolve("transit")
	require.NoError(t, err)
	assert.Equal(t, transport.ID, id)
}
