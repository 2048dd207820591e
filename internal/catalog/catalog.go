// Package catalog is the system of record for watched roots, files,
// feature vectors, failed encodings, and thumbnails. It owns every
// persistent fact about the collection; the HNSW index is rebuilt from
// it on every process start and never the other way around.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound       = errors.New("catalog: not found")
	ErrDuplicateRoot  = errors.New("catalog: watched root already exists")
	ErrDuplicateFile  = errors.New("catalog: file already exists")
	ErrRootMismatch   = errors.New("catalog: rename crosses watched roots")
)

// Catalog wraps a SQLite-backed store. All methods are safe for
// concurrent use; Open limits database/sql to a single connection, so
// calls are serialized on it.
type Catalog struct {
	db *sql.DB
}

// Open creates (if needed) and opens the catalog database at path,
// applying the schema and the pragma set every connection in the pool
// must run: WAL journaling, foreign keys on, and a 5s busy timeout so
// concurrent readers don't trip over the ingestion pipeline's writes.
func Open(path string) (*Catalog, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("catalog: create data dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open: %w", err)
	}
	// SQLite allows only one writer; a single open connection avoids
	// SQLITE_BUSY from the pool fighting itself under WAL.
	db.SetMaxOpenConns(1)

	c := &Catalog{db: db}
	if err := c.applyPragmas(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	if err := c.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) applyPragmas(ctx context.Context) error {
	const busyTimeoutMS = 5000
	stmts := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMS),
	}
	for _, s := range stmts {
		if _, err := c.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("catalog: pragma %q: %w", s, err)
		}
	}
	return nil
}

func (c *Catalog) migrate(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("catalog: migrate: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// WatchedRoot is a top-level directory the watcher recurses into.
type WatchedRoot struct {
	ID   uuid.UUID
	Path string
}

// File is a single indexed (or indexable) file beneath a watched root.
type File struct {
	ID            uuid.UUID
	Path          string
	WatchedRootID uuid.UUID
}

// FailedEncoding records why a file could not be encoded.
type FailedEncoding struct {
	FileID   uuid.UUID
	Error    string
	FailedAt time.Time
}

// Thumbnail points at a rendered preview for a file, produced by
// whatever ThumbnailProducer the caller wires in; the catalog only
// stores the pointer.
type Thumbnail struct {
	ID     uuid.UUID
	FileID uuid.UUID
	Path   string
}

// Stats summarizes the catalog's current size, for the TUI's catalog
// info view (ctrl+i).
type Stats struct {
	WatchedRoots    int
	Files           int
	FeatureVectors  int
	FailedEncodings int
	Thumbnails      int
}

// AddWatchedRoot registers a new top-level directory to watch.
func (c *Catalog) AddWatchedRoot(ctx context.Context, path string) (WatchedRoot, error) {
	id := uuid.New()
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO watched_roots (id, filepath) VALUES (?, ?)`, id.String(), path)
	if err != nil {
		if isUniqueConstraint(err) {
			return WatchedRoot{}, ErrDuplicateRoot
		}
		return WatchedRoot{}, fmt.Errorf("catalog: add watched root: %w", err)
	}
	return WatchedRoot{ID: id, Path: path}, nil
}

// WatchedRoots lists every registered root.
func (c *Catalog) WatchedRoots(ctx context.Context) ([]WatchedRoot, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT id, filepath FROM watched_roots ORDER BY filepath`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list watched roots: %w", err)
	}
	defer rows.Close()

	var out []WatchedRoot
	for rows.Next() {
		var idStr, path string
		if err := rows.Scan(&idStr, &path); err != nil {
			return nil, fmt.Errorf("catalog: scan watched root: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("catalog: parse watched root id: %w", err)
		}
		out = append(out, WatchedRoot{ID: id, Path: path})
	}
	return out, rows.Err()
}

// DeleteWatchedRoot removes a root and cascades the delete to every
// file beneath it, in the same per-file order DeleteFile uses.
func (c *Catalog) DeleteWatchedRoot(ctx context.Context, id uuid.UUID) error {
	files, err := c.FilesUnderRoot(ctx, id)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := c.DeleteFileWithThumbnailRemoval(ctx, f.ID, removeThumbnailFile); err != nil {
			return err
		}
	}
	res, err := c.db.ExecContext(ctx, `DELETE FROM watched_roots WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("catalog: delete watched root: %w", err)
	}
	return requireAffected(res, ErrNotFound)
}

// InsertFile records a newly discovered file beneath a watched root.
func (c *Catalog) InsertFile(ctx context.Context, path string, rootID uuid.UUID) (File, error) {
	id := uuid.New()
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO files (id, filepath, watched_root_id) VALUES (?, ?, ?)`,
		id.String(), path, rootID.String())
	if err != nil {
		if isUniqueConstraint(err) {
			return File{}, ErrDuplicateFile
		}
		return File{}, fmt.Errorf("catalog: insert file: %w", err)
	}
	return File{ID: id, Path: path, WatchedRootID: rootID}, nil
}

// FileByPath looks up a file by its absolute path.
func (c *Catalog) FileByPath(ctx context.Context, path string) (File, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT id, filepath, watched_root_id FROM files WHERE filepath = ?`, path)
	return scanFile(row)
}

// FileByID looks up a file by id.
func (c *Catalog) FileByID(ctx context.Context, id uuid.UUID) (File, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT id, filepath, watched_root_id FROM files WHERE id = ?`, id.String())
	return scanFile(row)
}

// FilesUnderRoot lists every file belonging to a watched root.
func (c *Catalog) FilesUnderRoot(ctx context.Context, rootID uuid.UUID) ([]File, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, filepath, watched_root_id FROM files WHERE watched_root_id = ?`, rootID.String())
	if err != nil {
		return nil, fmt.Errorf("catalog: list files under root: %w", err)
	}
	defer rows.Close()

	var out []File
	for rows.Next() {
		var idStr, path, rootStr string
		if err := rows.Scan(&idStr, &path, &rootStr); err != nil {
			return nil, fmt.Errorf("catalog: scan file: %w", err)
		}
		f, err := fileFromStrings(idStr, path, rootStr)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// AllFiles lists every catalogued file, regardless of watched root.
// Used by the query service's prefix-only branch, where no HNSW search
// is involved and catalog order is all that's guaranteed.
func (c *Catalog) AllFiles(ctx context.Context) ([]File, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT id, filepath, watched_root_id FROM files`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list all files: %w", err)
	}
	defer rows.Close()

	var out []File
	for rows.Next() {
		var idStr, path, rootStr string
		if err := rows.Scan(&idStr, &path, &rootStr); err != nil {
			return nil, fmt.Errorf("catalog: scan file: %w", err)
		}
		f, err := fileFromStrings(idStr, path, rootStr)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// RenameFile updates a file's path in place, used by the watcher when
// it pairs a rename-from with a rename-to within the same watched
// root. Renames that cross watched roots are rejected by the caller
// before reaching here (see internal/watcher), but the check is
// repeated here as a last line of defense.
func (c *Catalog) RenameFile(ctx context.Context, id uuid.UUID, newPath string, expectRoot uuid.UUID) error {
	f, err := c.FileByID(ctx, id)
	if err != nil {
		return err
	}
	if f.WatchedRootID != expectRoot {
		return ErrRootMismatch
	}
	res, err := c.db.ExecContext(ctx, `UPDATE files SET filepath = ? WHERE id = ?`, newPath, id.String())
	if err != nil {
		return fmt.Errorf("catalog: rename file: %w", err)
	}
	return requireAffected(res, ErrNotFound)
}

// DeleteFile removes a file and every dependent row, in the fixed
// cascade order the design requires: tags, failed encoding, feature
// vector, thumbnail row, then the file row itself. The on-disk
// thumbnail file is left in place (the caller is responsible for
// cleanup policy); DeleteFileWithThumbnailRemoval also unlinks it.
func (c *Catalog) DeleteFile(ctx context.Context, id uuid.UUID) error {
	return c.deleteFile(ctx, id, nil)
}

// DeleteFileWithThumbnailRemoval is DeleteFile but also unlinks the
// thumbnail's backing file via remove before dropping its row.
func (c *Catalog) DeleteFileWithThumbnailRemoval(ctx context.Context, id uuid.UUID, remove func(path string) error) error {
	return c.deleteFile(ctx, id, remove)
}

// removeThumbnailFile is the default thumbnail remover: it unlinks the
// file at path, treating "already gone" as success.
func removeThumbnailFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (c *Catalog) deleteFile(ctx context.Context, id uuid.UUID, removeThumb func(string) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: delete file: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM file_tags WHERE file_id = ?`, id.String()); err != nil {
		return fmt.Errorf("catalog: delete file tags: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM failed_encodings WHERE file_id = ?`, id.String()); err != nil {
		return fmt.Errorf("catalog: delete failed encoding: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM feature_vectors WHERE file_id = ?`, id.String()); err != nil {
		return fmt.Errorf("catalog: delete feature vector: %w", err)
	}

	if removeThumb != nil {
		rows, err := tx.QueryContext(ctx, `SELECT path FROM thumbnails WHERE file_id = ?`, id.String())
		if err != nil {
			return fmt.Errorf("catalog: query thumbnails: %w", err)
		}
		var paths []string
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				rows.Close()
				return fmt.Errorf("catalog: scan thumbnail: %w", err)
			}
			paths = append(paths, p)
		}
		rows.Close()
		for _, p := range paths {
			if err := removeThumb(p); err != nil {
				return fmt.Errorf("catalog: remove thumbnail file: %w", err)
			}
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM thumbnails WHERE file_id = ?`, id.String()); err != nil {
		return fmt.Errorf("catalog: delete thumbnail row: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("catalog: delete file row: %w", err)
	}
	if err := requireAffected(res, ErrNotFound); err != nil {
		return err
	}
	return tx.Commit()
}

// PutFeatureVector stores (or replaces) the feature vector for a file.
func (c *Catalog) PutFeatureVector(ctx context.Context, fileID uuid.UUID, vec []float32) error {
	blob := EncodeVector(vec)
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO feature_vectors (file_id, blob) VALUES (?, ?)
		 ON CONFLICT(file_id) DO UPDATE SET blob = excluded.blob`,
		fileID.String(), blob)
	if err != nil {
		return fmt.Errorf("catalog: put feature vector: %w", err)
	}
	return nil
}

// PutFeatureVectors stores (or replaces) feature vectors for many
// files in a single transaction: either every vector in the chunk
// lands or none does, so a mid-chunk write failure never leaves
// some files encoded and others not (spec.md §4.4).
func (c *Catalog) PutFeatureVectors(ctx context.Context, vecs map[uuid.UUID][]float32) error {
	if len(vecs) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: put feature vectors: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO feature_vectors (file_id, blob) VALUES (?, ?)
		 ON CONFLICT(file_id) DO UPDATE SET blob = excluded.blob`)
	if err != nil {
		return fmt.Errorf("catalog: put feature vectors: prepare: %w", err)
	}
	defer stmt.Close()

	for fileID, vec := range vecs {
		if _, err := stmt.ExecContext(ctx, fileID.String(), EncodeVector(vec)); err != nil {
			return fmt.Errorf("catalog: put feature vectors: %w", err)
		}
	}
	return tx.Commit()
}

// FeatureVector fetches the stored vector for a file.
func (c *Catalog) FeatureVector(ctx context.Context, fileID uuid.UUID) ([]float32, error) {
	var blob []byte
	err := c.db.QueryRowContext(ctx, `SELECT blob FROM feature_vectors WHERE file_id = ?`, fileID.String()).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: fetch feature vector: %w", err)
	}
	return DecodeVector(blob)
}

// AllFeatureVectors loads every stored vector, keyed by file id. The
// reconciler uses this to rebuild the HNSW graph from scratch at
// startup.
func (c *Catalog) AllFeatureVectors(ctx context.Context) (map[uuid.UUID][]float32, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT file_id, blob FROM feature_vectors`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list feature vectors: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]float32)
	for rows.Next() {
		var idStr string
		var blob []byte
		if err := rows.Scan(&idStr, &blob); err != nil {
			return nil, fmt.Errorf("catalog: scan feature vector: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("catalog: parse feature vector file id: %w", err)
		}
		vec, err := DecodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("catalog: decode feature vector %s: %w", id, err)
		}
		out[id] = vec
	}
	return out, rows.Err()
}

// PutFailedEncoding records that a file failed to encode.
func (c *Catalog) PutFailedEncoding(ctx context.Context, fileID uuid.UUID, cause string, at time.Time) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO failed_encodings (file_id, error, failed_at) VALUES (?, ?, ?)
		 ON CONFLICT(file_id) DO UPDATE SET error = excluded.error, failed_at = excluded.failed_at`,
		fileID.String(), cause, at.Unix())
	if err != nil {
		return fmt.Errorf("catalog: put failed encoding: %w", err)
	}
	return nil
}

// PutThumbnail records a thumbnail produced for a file by an external
// ThumbnailProducer; the catalog never generates the image itself.
func (c *Catalog) PutThumbnail(ctx context.Context, fileID uuid.UUID, path string) (Thumbnail, error) {
	id := uuid.New()
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO thumbnails (id, file_id, path) VALUES (?, ?, ?)`,
		id.String(), fileID.String(), path)
	if err != nil {
		return Thumbnail{}, fmt.Errorf("catalog: put thumbnail: %w", err)
	}
	return Thumbnail{ID: id, FileID: fileID, Path: path}, nil
}

// ThumbnailsByFiles fetches thumbnails for a batch of file ids, for the
// fetch_thumbnails external operation.
func (c *Catalog) ThumbnailsByFiles(ctx context.Context, fileIDs []uuid.UUID) ([]Thumbnail, error) {
	if len(fileIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]byte, 0, len(fileIDs)*2)
	args := make([]any, 0, len(fileIDs))
	for i, id := range fileIDs {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, id.String())
	}
	query := fmt.Sprintf(`SELECT id, file_id, path FROM thumbnails WHERE file_id IN (%s)`, placeholders)
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: fetch thumbnails: %w", err)
	}
	defer rows.Close()

	var out []Thumbnail
	for rows.Next() {
		var idStr, fileStr, path string
		if err := rows.Scan(&idStr, &fileStr, &path); err != nil {
			return nil, fmt.Errorf("catalog: scan thumbnail: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("catalog: parse thumbnail id: %w", err)
		}
		fileID, err := uuid.Parse(fileStr)
		if err != nil {
			return nil, fmt.Errorf("catalog: parse thumbnail file id: %w", err)
		}
		out = append(out, Thumbnail{ID: id, FileID: fileID, Path: path})
	}
	return out, rows.Err()
}

// Stats reports current catalog size.
func (c *Catalog) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	queries := []struct {
		dst   *int
		query string
	}{
		{&s.WatchedRoots, `SELECT COUNT(*) FROM watched_roots`},
		{&s.Files, `SELECT COUNT(*) FROM files`},
		{&s.FeatureVectors, `SELECT COUNT(*) FROM feature_vectors`},
		{&s.FailedEncodings, `SELECT COUNT(*) FROM failed_encodings`},
		{&s.Thumbnails, `SELECT COUNT(*) FROM thumbnails`},
	}
	for _, q := range queries {
		if err := c.db.QueryRowContext(ctx, q.query).Scan(q.dst); err != nil {
			return Stats{}, fmt.Errorf("catalog: stats: %w", err)
		}
	}
	return s, nil
}

func scanFile(row *sql.Row) (File, error) {
	var idStr, path, rootStr string
	if err := row.Scan(&idStr, &path, &rootStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return File{}, ErrNotFound
		}
		return File{}, fmt.Errorf("catalog: scan file: %w", err)
	}
	return fileFromStrings(idStr, path, rootStr)
}

func fileFromStrings(idStr, path, rootStr string) (File, error) {
	id, err := uuid.Parse(idStr)
	if err != nil {
		return File{}, fmt.Errorf("catalog: parse file id: %w", err)
	}
	root, err := uuid.Parse(rootStr)
	if err != nil {
		return File{}, fmt.Errorf("catalog: parse file root id: %w", err)
	}
	return File{ID: id, Path: path, WatchedRootID: root}, nil
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("catalog: rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueConstraint(err error) bool {
	// modernc.org/sqlite reports constraint violations in the error
	// string rather than a typed sentinel; matching the message is
	// the same approach ihavespoons-zrok's sqlite.go takes.
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint")
}
