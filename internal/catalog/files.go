package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates FileRecord.Status.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusRemoved  Status = "removed"
)

// FileRecord is the primary catalog entity (spec §3).
type FileRecord struct {
	ID           int64
	Path         string
	Size         int64
	ModifiedTime time.Time
	HeadHash     string // empty when not yet computed
	FullHash     string // empty when not yet computed
	IsDuplicate  bool
	DuplicateOf  int64 // 0 means unset
	Status       Status
	HashFailed   bool
	ScannedAt    time.Time
	UpdatedAt    time.Time
}

// ErrPathExists is returned by AddFile when path is already catalogued.
var ErrPathExists = errors.New("catalog: path already exists")

// ErrNotFound is returned when a lookup by id/path finds no row.
var ErrNotFound = errors.New("catalog: record not found")

// AddFile inserts a new record for path or fails with ErrPathExists.
func (c *Catalog) AddFile(path string, size int64, mtime time.Time, headHash, fullHash string) (int64, error) {
	now := time.Now().Unix()
	res, err := c.db.Exec(`
		INSERT INTO files (path, size, mtime, head_hash, full_hash, scanned_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		path, size, mtime.Unix(), nullableString(headHash), nullableString(fullHash), now, now)
	if err != nil {
		if isUniqueConstraint(err) {
			return 0, newError(KindIntegrity, "AddFile", ErrPathExists)
		}
		return 0, newError(KindIO, "AddFile", err)
	}
	return res.LastInsertId()
}

// BatchAddFiles inserts every record in one transaction: either all are
// inserted or none are (spec §4.1).
func (c *Catalog) BatchAddFiles(records []FileRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := c.db.Begin()
	if err != nil {
		return 0, newError(KindIO, "BatchAddFiles", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO files (path, size, mtime, head_hash, full_hash, is_duplicate, hash_failed, scanned_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			size = excluded.size, mtime = excluded.mtime,
			head_hash = excluded.head_hash, full_hash = excluded.full_hash,
			hash_failed = excluded.hash_failed, updated_at = excluded.updated_at`)
	if err != nil {
		return 0, newError(KindIO, "BatchAddFiles", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, r := range records {
		if _, err := stmt.Exec(r.Path, r.Size, r.ModifiedTime.Unix(),
			nullableString(r.HeadHash), nullableString(r.FullHash),
			boolToInt(r.IsDuplicate), boolToInt(r.HashFailed), now, now); err != nil {
			return 0, newError(KindIntegrity, "BatchAddFiles", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, newError(KindIO, "BatchAddFiles", err)
	}
	return len(records), nil
}

// FindDuplicatesByHash returns every record sharing fullHash, ordered by path.
func (c *Catalog) FindDuplicatesByHash(fullHash string) ([]FileRecord, error) {
	rows, err := c.db.Query(`
		SELECT id, path, size, mtime, head_hash, full_hash, is_duplicate, duplicate_of, status, hash_failed, scanned_at, updated_at
		FROM files WHERE full_hash = ? ORDER BY path`, fullHash)
	if err != nil {
		return nil, newError(KindIO, "FindDuplicatesByHash", err)
	}
	defer rows.Close()

	var out []FileRecord
	for rows.Next() {
		r, err := scanFileRecord(rows)
		if err != nil {
			return nil, newError(KindIO, "FindDuplicatesByHash", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// HashIterator streams hashes with ≥2 members without materializing the
// files table (spec §4.1: "the implementation must not materialize the
// full files table to answer this").
type HashIterator struct {
	rows *sql.Rows
}

// DuplicateHashes returns an iterator over full_hash values with ≥2 rows.
func (c *Catalog) DuplicateHashes() (*HashIterator, error) {
	rows, err := c.db.Query(`
		SELECT full_hash FROM files
		WHERE full_hash IS NOT NULL AND status = 'active'
		GROUP BY full_hash HAVING COUNT(*) >= 2`)
	if err != nil {
		return nil, newError(KindIO, "DuplicateHashes", err)
	}
	return &HashIterator{rows: rows}, nil
}

// Next advances the iterator. It returns false when exhausted or on error;
// call Err to distinguish the two.
func (it *HashIterator) Next() bool { return it.rows.Next() }

// Hash returns the current hash value. Only valid after Next returns true.
func (it *HashIterator) Hash() (string, error) {
	var h string
	if err := it.rows.Scan(&h); err != nil {
		return "", err
	}
	return h, nil
}

// Err returns the first error encountered during iteration, if any.
func (it *HashIterator) Err() error { return it.rows.Err() }

// Close releases the underlying rows handle.
func (it *HashIterator) Close() error { return it.rows.Close() }

// MarkAsDuplicate flips id to is_duplicate=true pointing at keeperID.
func (c *Catalog) MarkAsDuplicate(id, keeperID int64) error {
	return c.BatchMarkAsDuplicate([]int64{id}, keeperID)
}

// MarkAsOriginal flips id to is_duplicate=false, clearing duplicate_of.
func (c *Catalog) MarkAsOriginal(id int64) error {
	_, err := c.db.Exec(`UPDATE files SET is_duplicate = 0, duplicate_of = NULL, updated_at = ? WHERE id = ?`,
		time.Now().Unix(), id)
	if err != nil {
		return newError(KindIO, "MarkAsOriginal", err)
	}
	return nil
}

// BatchMarkAsDuplicate marks every id in ids as a duplicate of keeperID, in
// a single transaction. keeperID itself is excluded defensively even if it
// appears in ids (a record cannot be a duplicate of itself, spec invariant 2).
func (c *Catalog) BatchMarkAsDuplicate(ids []int64, keeperID int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := c.db.Begin()
	if err != nil {
		return newError(KindIO, "BatchMarkAsDuplicate", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`UPDATE files SET is_duplicate = 1, duplicate_of = ?, updated_at = ? WHERE id = ? AND id != ?`)
	if err != nil {
		return newError(KindIO, "BatchMarkAsDuplicate", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, id := range ids {
		if _, err := stmt.Exec(keeperID, now, id, keeperID); err != nil {
			return newError(KindIntegrity, "BatchMarkAsDuplicate", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return newError(KindIO, "BatchMarkAsDuplicate", err)
	}
	return nil
}

// UpdateFields carries a partial update for UpdateFile; nil pointers mean
// "leave unchanged".
type UpdateFields struct {
	HeadHash    *string
	FullHash    *string
	IsDuplicate *bool
	DuplicateOf *int64
	Status      *Status
	HashFailed  *bool
	MTime       *time.Time
}

// UpdateFile applies a partial update to the record with the given id.
func (c *Catalog) UpdateFile(id int64, f UpdateFields) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().Unix()}

	if f.HeadHash != nil {
		sets = append(sets, "head_hash = ?")
		args = append(args, nullableString(*f.HeadHash))
	}
	if f.FullHash != nil {
		sets = append(sets, "full_hash = ?")
		args = append(args, nullableString(*f.FullHash))
	}
	if f.IsDuplicate != nil {
		sets = append(sets, "is_duplicate = ?")
		args = append(args, boolToInt(*f.IsDuplicate))
	}
	if f.DuplicateOf != nil {
		sets = append(sets, "duplicate_of = ?")
		if *f.DuplicateOf == 0 {
			args = append(args, nil)
		} else {
			args = append(args, *f.DuplicateOf)
		}
	}
	if f.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*f.Status))
	}
	if f.HashFailed != nil {
		sets = append(sets, "hash_failed = ?")
		args = append(args, boolToInt(*f.HashFailed))
	}
	if f.MTime != nil {
		sets = append(sets, "mtime = ?")
		args = append(args, f.MTime.Unix())
	}

	query := "UPDATE files SET "
	for i, s := range sets {
		if i > 0 {
			query += ", "
		}
		query += s
	}
	query += " WHERE id = ?"
	args = append(args, id)

	res, err := c.db.Exec(query, args...)
	if err != nil {
		return newError(KindIO, "UpdateFile", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return newError(KindIntegrity, "UpdateFile", ErrNotFound)
	}
	return nil
}

// DeleteFile permanently removes the row with the given id from the
// catalog. Executor uses UpdateFile(Status: removed) for reversible
// filesystem operations; DeleteFile is for catalog-only cleanup and is not
// called by any command in this module.
func (c *Catalog) DeleteFile(id int64) error {
	_, err := c.db.Exec(`DELETE FROM files WHERE id = ?`, id)
	if err != nil {
		return newError(KindIO, "DeleteFile", err)
	}
	return nil
}

// GetFileByPath looks up the record at path, whatever its status, or
// ErrNotFound.
func (c *Catalog) GetFileByPath(path string) (*FileRecord, error) {
	row := c.db.QueryRow(`
		SELECT id, path, size, mtime, head_hash, full_hash, is_duplicate, duplicate_of, status, hash_failed, scanned_at, updated_at
		FROM files WHERE path = ?`, path)
	r, err := scanFileRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, newError(KindIO, "GetFileByPath", err)
	}
	return &r, nil
}

// GetFile looks up a record by id, or ErrNotFound.
func (c *Catalog) GetFile(id int64) (*FileRecord, error) {
	row := c.db.QueryRow(`
		SELECT id, path, size, mtime, head_hash, full_hash, is_duplicate, duplicate_of, status, hash_failed, scanned_at, updated_at
		FROM files WHERE id = ?`, id)
	r, err := scanFileRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, newError(KindIO, "GetFile", err)
	}
	return &r, nil
}

// FileIterator streams active FileRecords without materializing the whole
// files table, mirroring HashIterator's shape — used by the `verify`
// command, which may need to walk every catalogued file.
type FileIterator struct {
	rows *sql.Rows
}

// AllFiles returns an iterator over every active FileRecord, ordered by path.
func (c *Catalog) AllFiles() (*FileIterator, error) {
	rows, err := c.db.Query(`
		SELECT id, path, size, mtime, head_hash, full_hash, is_duplicate, duplicate_of, status, hash_failed, scanned_at, updated_at
		FROM files WHERE status = 'active' ORDER BY path`)
	if err != nil {
		return nil, newError(KindIO, "AllFiles", err)
	}
	return &FileIterator{rows: rows}, nil
}

// Next advances the iterator. It returns false when exhausted or on error;
// call Err to distinguish the two.
func (it *FileIterator) Next() bool { return it.rows.Next() }

// Record returns the current row. Only valid after Next returns true.
func (it *FileIterator) Record() (FileRecord, error) { return scanFileRecord(it.rows) }

// Err returns the first error encountered during iteration, if any.
func (it *FileIterator) Err() error { return it.rows.Err() }

// Close releases the underlying rows handle.
func (it *FileIterator) Close() error { return it.rows.Close() }

// CountFiles returns the number of active records.
func (c *Catalog) CountFiles() (int64, error) {
	var n int64
	err := c.db.QueryRow(`SELECT COUNT(*) FROM files WHERE status = 'active'`).Scan(&n)
	if err != nil {
		return 0, newError(KindIO, "CountFiles", err)
	}
	return n, nil
}

// CountDuplicates returns the number of active records flagged is_duplicate.
func (c *Catalog) CountDuplicates() (int64, error) {
	var n int64
	err := c.db.QueryRow(`SELECT COUNT(*) FROM files WHERE status = 'active' AND is_duplicate = 1`).Scan(&n)
	if err != nil {
		return 0, newError(KindIO, "CountDuplicates", err)
	}
	return n, nil
}

// BatchLookupByPath looks up every path in paths in a single query, for the
// scan pipeline's cache-check stage (spec §4.3 Idempotence). Missing paths
// are simply absent from the returned map.
func (c *Catalog) BatchLookupByPath(ctx context.Context, paths []string) (map[string]FileRecord, error) {
	if len(paths) == 0 {
		return map[string]FileRecord{}, nil
	}
	placeholders := make([]byte, 0, len(paths)*2)
	args := make([]any, len(paths))
	for i, p := range paths {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args[i] = p
	}
	query := fmt.Sprintf(`
		SELECT id, path, size, mtime, head_hash, full_hash, is_duplicate, duplicate_of, status, hash_failed, scanned_at, updated_at
		FROM files WHERE path IN (%s)`, string(placeholders))
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, newError(KindIO, "BatchLookupByPath", err)
	}
	defer rows.Close()

	out := make(map[string]FileRecord, len(paths))
	for rows.Next() {
		r, err := scanFileRecord(rows)
		if err != nil {
			return nil, newError(KindIO, "BatchLookupByPath", err)
		}
		out[r.Path] = r
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFileRecord(s rowScanner) (FileRecord, error) {
	var r FileRecord
	var headHash, fullHash sql.NullString
	var duplicateOf sql.NullInt64
	var mtime, scannedAt, updatedAt int64
	var isDup, hashFailed int
	var status string

	err := s.Scan(&r.ID, &r.Path, &r.Size, &mtime, &headHash, &fullHash,
		&isDup, &duplicateOf, &status, &hashFailed, &scannedAt, &updatedAt)
	if err != nil {
		return FileRecord{}, err
	}

	r.ModifiedTime = time.Unix(mtime, 0)
	r.HeadHash = headHash.String
	r.FullHash = fullHash.String
	r.IsDuplicate = isDup != 0
	r.DuplicateOf = duplicateOf.Int64
	r.Status = Status(status)
	r.HashFailed = hashFailed != 0
	r.ScannedAt = time.Unix(scannedAt, 0)
	r.UpdatedAt = time.Unix(updatedAt, 0)
	return r, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraint(err error) bool {
	// modernc.org/sqlite wraps SQLITE_CONSTRAINT_UNIQUE in its own error
	// type; matching on the message is what the driver's own tests do since
	// it does not export a typed sentinel for this code.
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
