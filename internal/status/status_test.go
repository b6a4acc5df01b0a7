package status

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/tanya/internal/models"
	"github.com/hyperjump/tanya/internal/storage"
)

type staticResolver map[string]string

func (r staticResolver) Resolve(token string) (string, error) {
	if id, ok := r[token]; ok {
		return id, nil
	}
	return "", models.ErrNotFound
}

type fixedChunks int

func (f fixedChunks) ChunkCount(context.Context, string) (int, error) { return int(f), nil }

func newStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.CreateCollection(context.Background(),
		&models.Collection{ID: "c1", Name: "mixed", Type: models.CollectionTypeMixed}))
	return store
}

type unitSpec struct {
	kind  models.UnitKind
	state string
}

func seed(t *testing.T, store *storage.SQLiteStorage, units []unitSpec) {
	t.Helper()
	ctx := context.Background()
	for i, s := range units {
		u := &models.Unit{
			ID:           string(rune('a' + i)),
			CollectionID: "c1",
			Kind:         s.kind,
			Source:       string(rune('a'+i)) + ".src",
			ContentHash:  "h",
		}
		require.NoError(t, store.CreateUnit(ctx, u))
		switch s.state {
		case "indexed":
			require.NoError(t, store.MarkUnitIndexed(ctx, u.ID, "h", time.Now()))
		case "failed":
			_, err := store.RecordUnitFailure(ctx, u.ID, "boom", true)
			require.NoError(t, err)
		case "deleting":
			require.NoError(t, store.MarkDeletionPending(ctx, u.ID))
		}
	}
}

func TestAggregator_Status(t *testing.T) {
	doc, page := models.UnitKindDocument, models.UnitKindWebpage
	tests := []struct {
		name     string
		units    []unitSpec
		indexed  int64
		pending  int64
		failed   int64
		progress float64
	}{
		{name: "empty collection is fully indexed", progress: 100},
		{
			name:     "all indexed",
			units:    []unitSpec{{doc, "indexed"}, {doc, "indexed"}, {page, "indexed"}, {page, "indexed"}, {doc, "indexed"}},
			indexed:  5,
			progress: 100,
		},
		{
			name:     "merges documents and webpages",
			units:    []unitSpec{{doc, "indexed"}, {page, "indexed"}, {page, "indexed"}, {doc, "pending"}, {page, "failed"}},
			indexed:  3,
			pending:  1,
			failed:   1,
			progress: 60,
		},
		{
			name:     "deletion pending units are invisible",
			units:    []unitSpec{{doc, "indexed"}, {doc, "deleting"}, {page, "pending"}},
			indexed:  1,
			pending:  1,
			progress: 50,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			seed(t, store, tt.units)
			agg := NewAggregator(store, staticResolver{"mixed": "c1", "c1": "c1"}, fixedChunks(7))

			st, err := agg.Status(context.Background(), "mixed")
			require.NoError(t, err)
			assert.Equal(t, "c1", st.CollectionID)
			assert.Equal(t, tt.indexed, st.IndexedCount)
			assert.Equal(t, tt.pending, st.PendingCount)
			assert.Equal(t, tt.failed, st.FailedCount)
			assert.Equal(t, tt.progress, st.ProgressPercent)
			assert.Equal(t, 7, st.ChunkCount)
			assert.Equal(t, st.IndexedCount, st.Documents.Indexed+st.Webpages.Indexed)
			if tt.indexed > 0 {
				assert.NotNil(t, st.LastIndexedAt)
			} else {
				assert.Nil(t, st.LastIndexedAt)
			}
		})
	}
}

func TestAggregator_UnknownCollection(t *testing.T) {
	agg := NewAggregator(newStore(t), staticResolver{}, nil)
	_, err := agg.Status(context.Background(), "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestAggregator_ThirdsRounded(t *testing.T) {
	store := newStore(t)
	seed(t, store, []unitSpec{{models.UnitKindDocument, "indexed"}, {models.UnitKindDocument, "pending"}, {models.UnitKindWebpage, "pending"}})
	p, err := NewAggregator(store, staticResolver{"c1": "c1"}, nil).Progress(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 33.33, p)
}
