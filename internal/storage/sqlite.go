// Package storage provides SQLite implementation of the Storage interface.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/hyperjump/tanya/internal/models"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// OpenDB opens a SQLite database at dbPath with WAL, a busy timeout, and
// immediate write transactions. Parent directories are created if they do not exist.
func OpenDB(dbPath string) (*sql.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	return db, nil
}

// NewSQLiteStorage opens or creates the metadata database at dbPath and initializes the schema.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := OpenDB(dbPath)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS collections (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		owner TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS collection_aliases (
		alias TEXT PRIMARY KEY,
		collection_id TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_aliases_collection ON collection_aliases(collection_id);

	CREATE TABLE IF NOT EXISTS units (
		id TEXT PRIMARY KEY,
		collection_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		source TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		content_type TEXT NOT NULL DEFAULT '',
		content_locator TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		is_indexed INTEGER NOT NULL DEFAULT 0,
		indexed_at TIMESTAMP,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (collection_id, source)
	);

	CREATE INDEX IF NOT EXISTS idx_units_collection_status ON units(collection_id, status);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		collection_id TEXT NOT NULL,
		scope TEXT NOT NULL,
		unit_ids TEXT NOT NULL DEFAULT '[]',
		session_id TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		finished_at TIMESTAMP,
		processed_count INTEGER NOT NULL DEFAULT 0,
		failed_unit_ids TEXT NOT NULL DEFAULT '[]',
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_state_created ON jobs(state, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_collection ON jobs(collection_id, created_at);
	`
	_, err := db.Exec(schema)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// CreateCollection inserts a collection. Duplicate names or ids return ErrConflict.
func (s *SQLiteStorage) CreateCollection(ctx context.Context, c *models.Collection) error {
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collections (id, name, description, type, owner, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Description, string(c.Type), c.Owner, c.CreatedAt, c.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: collection %q already exists", models.ErrConflict, c.Name)
	}
	return err
}

const collectionColumns = `id, name, description, type, owner, created_at, updated_at`

func scanCollection(row rowScanner) (*models.Collection, error) {
	var c models.Collection
	var typ string
	if err := row.Scan(&c.ID, &c.Name, &c.Description, &typ, &c.Owner, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Type = models.CollectionType(typ)
	return &c, nil
}

// GetCollection returns a collection by id.
func (s *SQLiteStorage) GetCollection(ctx context.Context, id string) (*models.Collection, error) {
	c, err := scanCollection(s.db.QueryRowContext(ctx,
		`SELECT `+collectionColumns+` FROM collections WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: collection %s", models.ErrNotFound, id)
	}
	return c, err
}

// UpdateCollection updates name and description of an existing collection.
func (s *SQLiteStorage) UpdateCollection(ctx context.Context, c *models.Collection) error {
	c.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE collections SET name = ?, description = ?, updated_at = ? WHERE id = ?`,
		c.Name, c.Description, c.UpdatedAt, c.ID,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: collection %q already exists", models.ErrConflict, c.Name)
	}
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: collection %s", models.ErrNotFound, c.ID)
	}
	return nil
}

// DeleteCollection removes a collection row and its aliases. The row is only
// removed while no unit references it; otherwise ErrConflict is returned.
func (s *SQLiteStorage) DeleteCollection(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	result, err := tx.ExecContext(ctx,
		`DELETE FROM collections WHERE id = ? AND NOT EXISTS (SELECT 1 FROM units WHERE collection_id = ?)`, id, id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		var units int64
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM units WHERE collection_id = ?`, id).Scan(&units); err != nil {
			return err
		}
		if units > 0 {
			return fmt.Errorf("%w: collection %s still has %d units", models.ErrConflict, id, units)
		}
		return fmt.Errorf("%w: collection %s", models.ErrNotFound, id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM collection_aliases WHERE collection_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// ListCollections returns all collections ordered by name.
func (s *SQLiteStorage) ListCollections(ctx context.Context) ([]*models.Collection, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+collectionColumns+` FROM collections ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PutAlias maps alias to collectionID, replacing any previous mapping.
func (s *SQLiteStorage) PutAlias(ctx context.Context, alias, collectionID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collection_aliases (alias, collection_id) VALUES (?, ?)
		 ON CONFLICT(alias) DO UPDATE SET collection_id = excluded.collection_id`,
		alias, collectionID,
	)
	return err
}

// DeleteAlias removes an alias. Missing aliases are ignored.
func (s *SQLiteStorage) DeleteAlias(ctx context.Context, alias string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM collection_aliases WHERE alias = ?`, alias)
	return err
}

// DeleteAliasesFor removes every alias of a collection.
func (s *SQLiteStorage) DeleteAliasesFor(ctx context.Context, collectionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM collection_aliases WHERE collection_id = ?`, collectionID)
	return err
}

// ListAliases returns alias -> collection id.
func (s *SQLiteStorage) ListAliases(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT alias, collection_id FROM collection_aliases`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var alias, id string
		if err := rows.Scan(&alias, &id); err != nil {
			return nil, err
		}
		out[alias] = id
	}
	return out, rows.Err()
}

const unitColumns = `id, collection_id, kind, source, title, content_type, content_locator, content_hash,
	is_indexed, indexed_at, status, attempts, last_error, created_at, updated_at`

func scanUnit(row rowScanner) (*models.Unit, error) {
	var u models.Unit
	var kind, status string
	var indexedAt sql.NullTime
	if err := row.Scan(&u.ID, &u.CollectionID, &kind, &u.Source, &u.Title, &u.ContentType,
		&u.ContentLocator, &u.ContentHash, &u.IsIndexed, &indexedAt, &status, &u.Attempts,
		&u.LastError, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Kind = models.UnitKind(kind)
	u.Status = models.UnitStatus(status)
	u.IndexedAt = timePtr(indexedAt)
	return &u, nil
}

// CreateUnit inserts a unit. A duplicate (collection, source) returns ErrConflict
// and a missing collection returns ErrNotFound.
func (s *SQLiteStorage) CreateUnit(ctx context.Context, u *models.Unit) error {
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	if u.Status == "" {
		u.Status = models.UnitStatusPending
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO units (id, collection_id, kind, source, title, content_type, content_locator,
			content_hash, is_indexed, indexed_at, status, attempts, last_error, created_at, updated_at)
		 SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		 WHERE EXISTS (SELECT 1 FROM collections WHERE id = ?)`,
		u.ID, u.CollectionID, string(u.Kind), u.Source, u.Title, u.ContentType, u.ContentLocator,
		u.ContentHash, u.IsIndexed, nullTime(u.IndexedAt), string(u.Status), u.Attempts, u.LastError,
		u.CreatedAt, u.UpdatedAt, u.CollectionID,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: unit %q already exists in collection %s", models.ErrConflict, u.Source, u.CollectionID)
	}
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: collection %s", models.ErrNotFound, u.CollectionID)
	}
	return nil
}

// GetUnit returns a unit by id.
func (s *SQLiteStorage) GetUnit(ctx context.Context, id string) (*models.Unit, error) {
	u, err := scanUnit(s.db.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM units WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: unit %s", models.ErrNotFound, id)
	}
	return u, err
}

// GetUnitBySource returns the unit with the given source in a collection.
func (s *SQLiteStorage) GetUnitBySource(ctx context.Context, collectionID, source string) (*models.Unit, error) {
	u, err := scanUnit(s.db.QueryRowContext(ctx,
		`SELECT `+unitColumns+` FROM units WHERE collection_id = ? AND source = ?`, collectionID, source))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: unit %q in collection %s", models.ErrNotFound, source, collectionID)
	}
	return u, err
}

// ReplaceUnitContent stores a new locator and hash. A changed hash invalidates
// is_indexed and resets the unit to pending with a fresh retry budget.
func (s *SQLiteStorage) ReplaceUnitContent(ctx context.Context, u *models.Unit) error {
	u.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE units SET
			title = ?, content_type = ?, content_locator = ?,
			is_indexed = CASE WHEN content_hash = ? THEN is_indexed ELSE 0 END,
			indexed_at = CASE WHEN content_hash = ? THEN indexed_at ELSE NULL END,
			status = CASE WHEN content_hash = ? THEN status ELSE 'pending' END,
			attempts = CASE WHEN content_hash = ? THEN attempts ELSE 0 END,
			content_hash = ?, updated_at = ?
		 WHERE id = ? AND status != 'deletion_pending'`,
		u.Title, u.ContentType, u.ContentLocator,
		u.ContentHash, u.ContentHash, u.ContentHash, u.ContentHash,
		u.ContentHash, u.UpdatedAt, u.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: unit %s", models.ErrNotFound, u.ID)
	}
	fresh, err := s.GetUnit(ctx, u.ID)
	if err != nil {
		return err
	}
	*u = *fresh
	return nil
}

// ListUnits returns units matching the filter ordered by creation time.
func (s *SQLiteStorage) ListUnits(ctx context.Context, f UnitFilter) ([]*models.Unit, error) {
	var where []string
	var args []any
	if f.CollectionID != "" {
		where = append(where, "collection_id = ?")
		args = append(args, f.CollectionID)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ",")+")")
	} else {
		where = append(where, "status != 'deletion_pending'")
	}
	query := `SELECT ` + unitColumns + ` FROM units WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at, id`
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// SetUnitStatus sets the processing status of a unit that is not pending deletion.
func (s *SQLiteStorage) SetUnitStatus(ctx context.Context, id string, status models.UnitStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE units SET status = ?, updated_at = ? WHERE id = ? AND status != 'deletion_pending'`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: unit %s", models.ErrNotFound, id)
	}
	return nil
}

// RecordUnitFailure increments the attempt counter and stores the error. When park
// is true the unit moves to failed, otherwise back to pending. Returns the new attempt count.
func (s *SQLiteStorage) RecordUnitFailure(ctx context.Context, id string, errMsg string, park bool) (int, error) {
	status := models.UnitStatusPending
	if park {
		status = models.UnitStatusFailed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	result, err := tx.ExecContext(ctx,
		`UPDATE units SET attempts = attempts + 1, last_error = ?, status = ?, updated_at = ?
		 WHERE id = ? AND status != 'deletion_pending'`,
		errMsg, string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return 0, err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("%w: unit %s", models.ErrNotFound, id)
	}
	var attempts int
	if err := tx.QueryRowContext(ctx, `SELECT attempts FROM units WHERE id = ?`, id).Scan(&attempts); err != nil {
		return 0, err
	}
	return attempts, tx.Commit()
}

// MarkUnitIndexed atomically sets is_indexed, indexed_at and status=upserted, but
// only while the stored hash still equals contentHash. A concurrent re-upload
// returns ErrConflict and the unit stays pending.
func (s *SQLiteStorage) MarkUnitIndexed(ctx context.Context, id, contentHash string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE units SET is_indexed = 1, indexed_at = ?, status = 'upserted', last_error = '', updated_at = ?
		 WHERE id = ? AND content_hash = ? AND status != 'deletion_pending'`,
		at.UTC(), time.Now().UTC(), id, contentHash,
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		if _, err := s.GetUnit(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: unit %s changed while indexing", models.ErrConflict, id)
	}
	return nil
}

// ResetUnit moves a unit back to pending with a fresh retry budget.
func (s *SQLiteStorage) ResetUnit(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE units SET status = 'pending', attempts = 0, last_error = '', updated_at = ?
		 WHERE id = ? AND status != 'deletion_pending'`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: unit %s", models.ErrNotFound, id)
	}
	return nil
}

// MarkDeletionPending hides a unit from indexing and counts until the deletion sweep removes it.
func (s *SQLiteStorage) MarkDeletionPending(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE units SET status = 'deletion_pending', is_indexed = 0, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: unit %s", models.ErrNotFound, id)
	}
	return nil
}

// DeleteUnit removes a unit row. Missing rows are ignored.
func (s *SQLiteStorage) DeleteUnit(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM units WHERE id = ?`, id)
	return err
}

// ResetInFlightUnits moves units left in chunking or embedding back to pending.
func (s *SQLiteStorage) ResetInFlightUnits(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE units SET status = 'pending', updated_at = ? WHERE status IN ('chunking', 'embedding')`,
		time.Now().UTC(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CountUnits returns the number of units referencing a collection, including
// those pending deletion.
func (s *SQLiteStorage) CountUnits(ctx context.Context, collectionID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM units WHERE collection_id = ?`, collectionID).Scan(&count)
	return count, err
}

// CountUnitsByKind returns indexed/pending/failed counts per kind. Failed wins over
// indexed; units pending deletion are excluded.
func (s *SQLiteStorage) CountUnitsByKind(ctx context.Context, collectionID string) (*KindCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind,
			SUM(CASE WHEN status != 'failed' AND is_indexed = 1 THEN 1 ELSE 0 END),
			SUM(CASE WHEN status != 'failed' AND is_indexed = 0 THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END)
		 FROM units WHERE collection_id = ? AND status != 'deletion_pending'
		 GROUP BY kind`, collectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := &KindCounts{ByKind: make(map[models.UnitKind]models.UnitCounts)}
	for rows.Next() {
		var kind string
		var c models.UnitCounts
		if err := rows.Scan(&kind, &c.Indexed, &c.Pending, &c.Failed); err != nil {
			return nil, err
		}
		out.ByKind[models.UnitKind(kind)] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// MAX() loses the column type, so read the newest row instead.
	var last sql.NullTime
	err = s.db.QueryRowContext(ctx,
		`SELECT indexed_at FROM units
		 WHERE collection_id = ? AND is_indexed = 1 AND indexed_at IS NOT NULL AND status != 'deletion_pending'
		 ORDER BY indexed_at DESC LIMIT 1`, collectionID).Scan(&last)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	out.LastIndexedAt = timePtr(last)
	return out, nil
}

const jobColumns = `id, collection_id, scope, unit_ids, session_id, state, created_at, started_at,
	finished_at, processed_count, failed_unit_ids, cancel_requested, error`

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	var scope, state, unitIDs, failedIDs string
	var started, finished sql.NullTime
	if err := row.Scan(&j.ID, &j.CollectionID, &scope, &unitIDs, &j.SessionID, &state, &j.CreatedAt,
		&started, &finished, &j.ProcessedCount, &failedIDs, &j.CancelRequested, &j.Error); err != nil {
		return nil, err
	}
	j.Scope = models.JobScope(scope)
	j.State = models.JobState(state)
	j.StartedAt = timePtr(started)
	j.FinishedAt = timePtr(finished)
	if err := json.Unmarshal([]byte(unitIDs), &j.UnitIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal unit ids: %w", err)
	}
	if err := json.Unmarshal([]byte(failedIDs), &j.FailedUnitIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal failed unit ids: %w", err)
	}
	if j.FailedUnitIDs == nil {
		j.FailedUnitIDs = []string{}
	}
	return &j, nil
}

func marshalIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	b, err := json.Marshal(ids)
	return string(b), err
}

// CreateJob inserts a queued job.
func (s *SQLiteStorage) CreateJob(ctx context.Context, j *models.Job) error {
	unitIDs, err := marshalIDs(j.UnitIDs)
	if err != nil {
		return err
	}
	failedIDs, err := marshalIDs(j.FailedUnitIDs)
	if err != nil {
		return err
	}
	j.CreatedAt = time.Now().UTC()
	if j.State == "" {
		j.State = models.JobStateQueued
	}
	if j.FailedUnitIDs == nil {
		j.FailedUnitIDs = []string{}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, collection_id, scope, unit_ids, session_id, state, created_at,
			processed_count, failed_unit_ids, cancel_requested, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.CollectionID, string(j.Scope), unitIDs, j.SessionID, string(j.State), j.CreatedAt,
		j.ProcessedCount, failedIDs, j.CancelRequested, j.Error,
	)
	return err
}

// GetJob returns a job by id.
func (s *SQLiteStorage) GetJob(ctx context.Context, id string) (*models.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: job %s", models.ErrNotFound, id)
	}
	return j, err
}

// UpdateJobProgress stores processed count and failed unit ids of a running job
// and returns the current cancel flag in j.CancelRequested.
func (s *SQLiteStorage) UpdateJobProgress(ctx context.Context, j *models.Job) error {
	failedIDs, err := marshalIDs(j.FailedUnitIDs)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET processed_count = ?, failed_unit_ids = ? WHERE id = ? AND state = 'running'`,
		j.ProcessedCount, failedIDs, j.ID,
	); err != nil {
		return err
	}
	return s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM jobs WHERE id = ?`, j.ID).Scan(&j.CancelRequested)
}

// FinishJob moves a running job to its terminal state. Terminal jobs are never updated.
func (s *SQLiteStorage) FinishJob(ctx context.Context, j *models.Job) error {
	if !j.State.Terminal() {
		return fmt.Errorf("%w: job state %s is not terminal", models.ErrInvalidInput, j.State)
	}
	failedIDs, err := marshalIDs(j.FailedUnitIDs)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, finished_at = ?, processed_count = ?, failed_unit_ids = ?, error = ?
		 WHERE id = ? AND state = 'running'`,
		string(j.State), now, j.ProcessedCount, failedIDs, j.Error, j.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: job %s is not running", models.ErrConflict, j.ID)
	}
	j.FinishedAt = &now
	return nil
}

// ClaimNextJob atomically moves the oldest queued job whose collection is not in
// busyCollections to running. Returns nil, nil when nothing is claimable.
func (s *SQLiteStorage) ClaimNextJob(ctx context.Context, busyCollections []string) (*models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE state = 'queued'`
	args := make([]any, 0, len(busyCollections))
	if len(busyCollections) > 0 {
		ph := make([]string, len(busyCollections))
		for i, id := range busyCollections {
			ph[i] = "?"
			args = append(args, id)
		}
		query += ` AND collection_id NOT IN (` + strings.Join(ph, ",") + `)`
	}
	query += ` ORDER BY created_at, id LIMIT 1`

	j, err := scanJob(tx.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = 'running', started_at = ? WHERE id = ? AND state = 'queued'`, now, j.ID,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	j.State = models.JobStateRunning
	j.StartedAt = &now
	return j, nil
}

// RequestJobCancel flags a job for cooperative cancellation. Queued jobs are
// cancelled immediately; terminal jobs return ErrConflict.
func (s *SQLiteStorage) RequestJobCancel(ctx context.Context, id string) (*models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: job %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if j.State.Terminal() {
		return nil, fmt.Errorf("%w: job %s already %s", models.ErrConflict, id, j.State)
	}
	j.CancelRequested = true
	if j.State == models.JobStateQueued {
		now := time.Now().UTC()
		j.State = models.JobStateCancelled
		j.FinishedAt = &now
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET cancel_requested = 1, state = 'cancelled', finished_at = ? WHERE id = ?`, now, id)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET cancel_requested = 1 WHERE id = ?`, id)
	}
	if err != nil {
		return nil, err
	}
	return j, tx.Commit()
}

// ListJobs returns the most recent jobs of a collection.
func (s *SQLiteStorage) ListJobs(ctx context.Context, collectionID string, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE collection_id = ? ORDER BY created_at DESC, id LIMIT ?`,
		collectionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// RequeueRunningJobs moves jobs left running by a previous process back to queued.
func (s *SQLiteStorage) RequeueRunningJobs(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE jobs SET state = 'queued', started_at = NULL WHERE state = 'running'`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Ping checks the database connection.
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
