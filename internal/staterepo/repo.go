// Package staterepo implements the State Repository (spec §4.C): the
// durable relational store for source cursors, seen-file log, canonical
// records, and published-artifact history. Backed by SQLite in WAL mode
// through github.com/mattn/go-sqlite3, giving the write-ahead-logged,
// single-writer semantics the spec calls for.
package staterepo

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/riftlabs/proxyagg/internal/formatid"
)

// queryer is satisfied by both *sql.DB and *sql.Tx, letting every CRUD
// method run either directly or inside a caller-managed transaction
// (spec §4.C: "Repository methods must accept an optional externally-
// managed connection").
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries holds every CRUD operation; it is embedded by both Repo (backed
// directly by the pool) and Tx (backed by one transaction), so callers get
// the identical API either way.
type Queries struct {
	q      queryer
	logger *slog.Logger
}

// Repo is the top-level handle on the state database.
type Repo struct {
	db *sql.DB
	Queries
}

// Tx is a single externally-managed transaction over the State Repository.
type Tx struct {
	tx *sql.Tx
	Queries
}

// Open opens (creating if absent) the SQLite-backed state database at path
// and ensures its schema exists.
func Open(path string, logger *slog.Logger) (*Repo, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state db %s: %w", path, err)
	}
	// SQLite's single-writer semantics mean we never benefit from more than
	// one open write connection; cap it to avoid SQLITE_BUSY storms under
	// concurrent pipeline workers.
	db.SetMaxOpenConns(1)

	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}

	return &Repo{db: db, Queries: Queries{q: db, logger: logger}}, nil
}

// Close closes the underlying database handle.
func (r *Repo) Close() error { return r.db.Close() }

// BeginTx starts a transaction; operations on the returned Tx all run
// within it until Commit or Rollback.
func (r *Repo) BeginTx(ctx context.Context) (*Tx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{tx: tx, Queries: Queries{q: tx, logger: r.logger}}, nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error { return t.tx.Commit() }

// Rollback aborts the transaction. Safe to call after Commit (no-op error
// is swallowed by callers via defer idiom).
func (t *Tx) Rollback() error { return t.tx.Rollback() }

// GetSourceState returns the persisted cursor for sourceID, if any.
func (qs Queries) GetSourceState(ctx context.Context, sourceID string) (SourceState, bool, error) {
	row := qs.q.QueryRowContext(ctx,
		`SELECT source_id, source_type, state_json, updated_at FROM source_state WHERE source_id = ?`,
		sourceID)
	var s SourceState
	if err := row.Scan(&s.SourceID, &s.SourceType, &s.StateJSON, &s.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return SourceState{}, false, nil
		}
		return SourceState{}, false, fmt.Errorf("get source state %s: %w", sourceID, err)
	}
	return s, true, nil
}

// UpdateSourceState upserts the cursor for sourceID.
func (qs Queries) UpdateSourceState(ctx context.Context, sourceID, sourceType, stateJSON string) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO source_state (source_id, source_type, state_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			source_type = excluded.source_type,
			state_json  = excluded.state_json,
			updated_at  = excluded.updated_at
	`, sourceID, sourceType, stateJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update source state %s: %w", sourceID, err)
	}
	return nil
}

// HasSeenFile reports whether (sourceID, externalID) has already been
// recorded.
func (qs Queries) HasSeenFile(ctx context.Context, sourceID, externalID string) (bool, error) {
	var exists int
	err := qs.q.QueryRowContext(ctx,
		`SELECT 1 FROM seen_files WHERE source_id = ? AND external_id = ? LIMIT 1`,
		sourceID, externalID).Scan(&exists)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("has seen file: %w", err)
	}
	return true, nil
}

// GetSeenFilesBatch returns the subset of externalIDs already recorded for
// sourceID.
func (qs Queries) GetSeenFilesBatch(ctx context.Context, sourceID string, externalIDs []string) (map[string]bool, error) {
	seen := make(map[string]bool, len(externalIDs))
	if len(externalIDs) == 0 {
		return seen, nil
	}

	placeholders := strings.Repeat("?,", len(externalIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(externalIDs)+1)
	args = append(args, sourceID)
	for _, id := range externalIDs {
		args = append(args, id)
	}

	query := fmt.Sprintf(
		`SELECT external_id FROM seen_files WHERE source_id = ? AND external_id IN (%s)`,
		placeholders)
	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get seen files batch: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan seen file batch row: %w", err)
		}
		seen[id] = true
	}
	return seen, rows.Err()
}

// RecordFile inserts one seen_files row, ignoring the insert if
// (source_id, external_id) already exists.
func (qs Queries) RecordFile(ctx context.Context, row NewSeenFile) error {
	return qs.RecordFilesBatch(ctx, []NewSeenFile{row})
}

// RecordFilesBatch inserts many seen_files rows with INSERT OR IGNORE
// semantics on (source_id, external_id).
func (qs Queries) RecordFilesBatch(ctx context.Context, rows []NewSeenFile) error {
	if len(rows) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for _, row := range rows {
		meta := row.MetadataJSON
		if meta == "" {
			meta = "{}"
		}
		_, err := qs.q.ExecContext(ctx, `
			INSERT OR IGNORE INTO seen_files
				(source_id, external_id, raw_hash, file_size, filename, status, metadata_json, first_seen_ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, row.SourceID, row.ExternalID, row.RawHash, row.FileSize, row.Filename, StatusPending, meta, now)
		if err != nil {
			return fmt.Errorf("record file %s/%s: %w", row.SourceID, row.ExternalID, err)
		}
	}
	return nil
}

// UpdateFileStatus transitions every pending seen_files row with the given
// raw_hash to status, recording errMsg if provided. Spec §4.C keys this
// operation by raw_hash rather than row id; restricting to currently-pending
// rows keeps re-running the transform pipeline idempotent.
func (qs Queries) UpdateFileStatus(ctx context.Context, rawHash, status, errMsg string) error {
	return qs.UpdateFileStatusBatch(ctx, []FileStatusUpdate{{RawHash: rawHash, Status: status, ErrorMsg: errMsg}})
}

// UpdateFileStatusBatch applies many status transitions.
func (qs Queries) UpdateFileStatusBatch(ctx context.Context, updates []FileStatusUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	for _, u := range updates {
		var errMsg sql.NullString
		if u.ErrorMsg != "" {
			errMsg = sql.NullString{String: u.ErrorMsg, Valid: true}
		}
		_, err := qs.q.ExecContext(ctx, `
			UPDATE seen_files SET status = ?, error_msg = ?
			WHERE raw_hash = ? AND status = ?
		`, u.Status, errMsg, u.RawHash, StatusPending)
		if err != nil {
			return fmt.Errorf("update file status %s -> %s: %w", u.RawHash, u.Status, err)
		}
	}
	return nil
}

// GetPendingFiles returns every seen_files row with status = 'pending'.
func (qs Queries) GetPendingFiles(ctx context.Context) ([]SeenFile, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT id, source_id, external_id, raw_hash, file_size, filename, status, error_msg, metadata_json, first_seen_ts
		FROM seen_files WHERE status = ? ORDER BY id ASC
	`, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("get pending files: %w", err)
	}
	defer rows.Close()

	var out []SeenFile
	for rows.Next() {
		var sf SeenFile
		var errMsg sql.NullString
		if err := rows.Scan(&sf.ID, &sf.SourceID, &sf.ExternalID, &sf.RawHash, &sf.FileSize,
			&sf.Filename, &sf.Status, &errMsg, &sf.MetadataJSON, &sf.FirstSeenTS); err != nil {
			return nil, fmt.Errorf("scan pending file: %w", err)
		}
		sf.ErrorMsg = errMsg.String
		out = append(out, sf)
	}
	return out, rows.Err()
}

// MaxSeenFileID returns the current maximum seen_files.id, or 0 if the table
// is empty. Used by the Orchestrator to capture seen_file_cutoff_id before
// Phase 1 (spec §4.M).
func (qs Queries) MaxSeenFileID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := qs.q.QueryRowContext(ctx, `SELECT MAX(id) FROM seen_files`).Scan(&id); err != nil {
		return 0, fmt.Errorf("max seen file id: %w", err)
	}
	return id.Int64, nil
}

// AddRecord appends one canonical record.
func (qs Queries) AddRecord(ctx context.Context, rec NewRecord) error {
	return qs.AddRecordsBatch(ctx, []NewRecord{rec})
}

// AddRecordsBatch appends many canonical records (append-only; spec §3).
func (qs Queries) AddRecordsBatch(ctx context.Context, recs []NewRecord) error {
	if len(recs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for _, rec := range recs {
		_, err := qs.q.ExecContext(ctx, `
			INSERT INTO records (source_file_hash, record_type, unique_hash, data_json, is_active, created_at)
			VALUES (?, ?, ?, ?, 1, ?)
		`, rec.SourceFileHash, rec.RecordType, rec.UniqueHash, rec.DataJSON, now)
		if err != nil {
			return fmt.Errorf("add record %s/%s: %w", rec.RecordType, rec.UniqueHash, err)
		}
	}
	return nil
}

// GetRecordsForBuild returns the deduplicated record set for a build: the
// join of records against seen_files on raw_hash, filtered by allowed
// types/sources and is_active, retaining per (record_type, unique_hash) the
// row with the greatest record id, ordered by that id ascending (spec
// §4.C, invariant 5).
func (qs Queries) GetRecordsForBuild(ctx context.Context, recordTypes, sourceIDs []string, minSeenFileID int64) ([]BuildRecord, error) {
	if len(recordTypes) == 0 || len(sourceIDs) == 0 {
		return nil, nil
	}

	typePlaceholders := strings.Repeat("?,", len(recordTypes))
	typePlaceholders = typePlaceholders[:len(typePlaceholders)-1]
	sourcePlaceholders := strings.Repeat("?,", len(sourceIDs))
	sourcePlaceholders = sourcePlaceholders[:len(sourcePlaceholders)-1]

	query := fmt.Sprintf(`
		SELECT r.id, r.record_type, r.unique_hash, r.data_json
		FROM records r
		JOIN seen_files s ON s.raw_hash = r.source_file_hash
		WHERE r.is_active = 1
		  AND r.record_type IN (%s)
		  AND s.source_id IN (%s)
	`, typePlaceholders, sourcePlaceholders)

	args := make([]any, 0, len(recordTypes)+len(sourceIDs)+1)
	for _, t := range recordTypes {
		args = append(args, t)
	}
	for _, s := range sourceIDs {
		args = append(args, s)
	}
	if minSeenFileID > 0 {
		query += " AND s.id > ?"
		args = append(args, minSeenFileID)
	}
	query += " ORDER BY r.id ASC"

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get records for build: %w", err)
	}
	defer rows.Close()

	type keyed struct {
		id         int64
		recordType string
		dataJSON   string
	}
	latest := make(map[string]keyed)
	var order []string

	for rows.Next() {
		var id int64
		var recordType, uniqueHash, dataJSON string
		if err := rows.Scan(&id, &recordType, &uniqueHash, &dataJSON); err != nil {
			return nil, fmt.Errorf("scan build record: %w", err)
		}
		key := recordType + "\x00" + uniqueHash
		if _, existed := latest[key]; !existed {
			order = append(order, key)
		}
		// Rows arrive in ascending id order, so the last write per key wins,
		// which is always the greatest id.
		latest[key] = keyed{id: id, recordType: recordType, dataJSON: dataJSON}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(order, func(i, j int) bool { return latest[order[i]].id < latest[order[j]].id })

	out := make([]BuildRecord, 0, len(order))
	for _, key := range order {
		k := latest[key]
		out = append(out, BuildRecord{RecordType: k.recordType, DataJSON: k.dataJSON})
	}
	return out, nil
}

// IsArtifactPublished reports whether (route, hash) already has a
// published_artifacts row.
func (qs Queries) IsArtifactPublished(ctx context.Context, route, hash string) (bool, error) {
	var exists int
	err := qs.q.QueryRowContext(ctx,
		`SELECT 1 FROM published_artifacts WHERE route_name = ? AND artifact_hash = ? LIMIT 1`,
		route, hash).Scan(&exists)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("is artifact published: %w", err)
	}
	return true, nil
}

// MarkPublished records a successful publication.
func (qs Queries) MarkPublished(ctx context.Context, uniqueID, hash, metadataJSON string) error {
	if metadataJSON == "" {
		metadataJSON = "{}"
	}
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO published_artifacts (route_name, artifact_hash, metadata_json, published_at)
		VALUES (?, ?, ?, ?)
	`, uniqueID, hash, metadataJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark published %s: %w", uniqueID, err)
	}
	return nil
}

// GetLastPublishedHash returns the artifact_hash of the most recent
// publication for uniqueID, if any.
func (qs Queries) GetLastPublishedHash(ctx context.Context, uniqueID string) (string, bool, error) {
	var hash string
	err := qs.q.QueryRowContext(ctx, `
		SELECT artifact_hash FROM published_artifacts
		WHERE route_name = ? ORDER BY id DESC LIMIT 1
	`, uniqueID).Scan(&hash)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get last published hash %s: %w", uniqueID, err)
	}
	return hash, true, nil
}

// ProcessedHashes returns raw_hash values whose seen_file rows are no
// longer pending and are not referenced by any active record of a
// blob-dependent format (spec §4.C, used by blobstore.PruneProcessed).
func (qs Queries) ProcessedHashes(ctx context.Context) ([]string, error) {
	placeholders := strings.Repeat("?,", len(formatid.BundleFormats))
	placeholders = placeholders[:len(placeholders)-1]

	query := fmt.Sprintf(`
		SELECT DISTINCT s.raw_hash
		FROM seen_files s
		WHERE s.status != ?
		  AND NOT EXISTS (
			SELECT 1 FROM records r
			WHERE r.source_file_hash = s.raw_hash
			  AND r.is_active = 1
			  AND r.record_type IN (%s)
		  )
	`, placeholders)

	args := make([]any, 0, len(formatid.BundleFormats)+1)
	args = append(args, StatusPending)
	for _, f := range formatid.BundleFormats {
		args = append(args, f)
	}

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("processed hashes: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan processed hash: %w", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}
