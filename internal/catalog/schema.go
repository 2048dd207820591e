package catalog

// schemaSQL is applied on every Open. All statements are idempotent so
// repeated opens against an existing database are a no-op.
//
// file_tags exists only so DeleteFile's cascade order matches the
// design even though no tag feature is implemented here (see
// SPEC_FULL.md §3.1) — it is never populated.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS watched_roots (
	id       TEXT PRIMARY KEY,
	filepath TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS files (
	id              TEXT PRIMARY KEY,
	filepath        TEXT NOT NULL UNIQUE,
	watched_root_id TEXT REFERENCES watched_roots(id)
);
CREATE INDEX IF NOT EXISTS idx_files_watched_root ON files(watched_root_id);

CREATE TABLE IF NOT EXISTS feature_vectors (
	file_id TEXT PRIMARY KEY REFERENCES files(id),
	blob    BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS failed_encodings (
	file_id   TEXT PRIMARY KEY REFERENCES files(id),
	error     TEXT NOT NULL,
	failed_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS thumbnails (
	id      TEXT PRIMARY KEY,
	file_id TEXT NOT NULL REFERENCES files(id),
	path    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_thumbnails_file ON thumbnails(file_id);

CREATE TABLE IF NOT EXISTS file_tags (
	file_id TEXT NOT NULL REFERENCES files(id),
	tag_id  TEXT NOT NULL
);
`
