package vector

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hyperjump/tanya/internal/storage"
)

// SQLiteStore implements Store in its own SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the vector database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := storage.OpenDB(dbPath)
	if err != nil {
		return nil, err
	}
	schema := `
	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		namespace TEXT NOT NULL,
		doc_id TEXT NOT NULL,
		collection_id TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		generation INTEGER NOT NULL,
		content TEXT NOT NULL,
		embedding BLOB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_ns_doc ON chunks(namespace, doc_id, generation);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize vector schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Insert writes records tagged with generation in one transaction.
func (s *SQLiteStore) Insert(ctx context.Context, generation int64, records []*Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO chunks (id, namespace, doc_id, collection_id, chunk_index, generation, content, embedding)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.ID, r.Namespace, r.DocID, r.CollectionID, r.ChunkIndex,
			generation, r.Content, EncodeEmbedding(r.Embedding)); err != nil {
			return fmt.Errorf("insert chunk %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// CountByDoc returns the number of chunks of docID in the given generation.
func (s *SQLiteStore) CountByDoc(ctx context.Context, namespace, docID string, generation int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE namespace = ? AND doc_id = ? AND generation = ?`,
		namespace, docID, generation).Scan(&n)
	return n, err
}

// DeleteByDoc removes chunks of docID outside generation keep (all chunks when keep is 0).
func (s *SQLiteStore) DeleteByDoc(ctx context.Context, namespace, docID string, keep int64) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM chunks WHERE namespace = ? AND doc_id = ? AND generation != ?`, namespace, docID, keep)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE namespace = ? AND doc_id = ? AND generation != ?`, namespace, docID, keep); err != nil {
		return nil, err
	}
	return ids, tx.Commit()
}

// DeleteGeneration removes the chunks of one generation of docID.
func (s *SQLiteStore) DeleteGeneration(ctx context.Context, namespace, docID string, generation int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE namespace = ? AND doc_id = ? AND generation = ?`, namespace, docID, generation)
	return err
}

// Load returns every record in namespace ordered by document and chunk index.
func (s *SQLiteStore) Load(ctx context.Context, namespace string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, namespace, doc_id, collection_id, chunk_index, content, embedding
		 FROM chunks WHERE namespace = ? ORDER BY doc_id, chunk_index`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		var r Record
		var blob []byte
		if err := rows.Scan(&r.ID, &r.Namespace, &r.DocID, &r.CollectionID, &r.ChunkIndex, &r.Content, &blob); err != nil {
			return nil, err
		}
		emb, err := DecodeEmbedding(blob)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", r.ID, err)
		}
		r.Embedding = emb
		out = append(out, &r)
	}
	return out, rows.Err()
}

// Count returns the number of chunks in namespace.
func (s *SQLiteStore) Count(ctx context.Context, namespace string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE namespace = ?`, namespace).Scan(&n)
	return n, err
}

// DropNamespace removes every chunk in namespace.
func (s *SQLiteStore) DropNamespace(ctx context.Context, namespace string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE namespace = ?`, namespace)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
