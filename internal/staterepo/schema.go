package staterepo

// schemaStatements creates the tables described in spec §6, idempotently.
// Modeled on the teacher's EnsureSchema pattern (pkg/storage/embedded.go):
// a flat list of "create if missing" statements run in sequence.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS source_state (
		source_id   TEXT PRIMARY KEY,
		source_type TEXT NOT NULL,
		state_json  TEXT NOT NULL,
		updated_at  TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS seen_files (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		source_id     TEXT NOT NULL,
		external_id   TEXT NOT NULL,
		raw_hash      TEXT NOT NULL,
		file_size     INTEGER NOT NULL DEFAULT 0,
		filename      TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL DEFAULT 'pending',
		error_msg     TEXT,
		metadata_json TEXT NOT NULL DEFAULT '{}',
		first_seen_ts TIMESTAMP NOT NULL,
		UNIQUE(source_id, external_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_seen_files_status ON seen_files(status)`,
	`CREATE INDEX IF NOT EXISTS idx_seen_files_raw_hash ON seen_files(raw_hash)`,
	`CREATE TABLE IF NOT EXISTS records (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		source_file_hash TEXT NOT NULL,
		record_type      TEXT NOT NULL,
		unique_hash      TEXT NOT NULL,
		data_json        TEXT NOT NULL,
		is_active        INTEGER NOT NULL DEFAULT 1,
		created_at       TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_records_source_file_hash ON records(source_file_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_records_type_unique ON records(record_type, unique_hash)`,
	`CREATE TABLE IF NOT EXISTS published_artifacts (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		route_name    TEXT NOT NULL,
		artifact_hash TEXT NOT NULL,
		metadata_json TEXT NOT NULL DEFAULT '{}',
		published_at  TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_published_route ON published_artifacts(route_name, id)`,
}
