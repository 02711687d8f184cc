package catalog

import (
	"database/sql"
	"encoding/json"
	"time"
)

// ScanSessionStatus enumerates ScanSession.Status.
type ScanSessionStatus string

const (
	ScanSessionRunning   ScanSessionStatus = "running"
	ScanSessionCompleted ScanSessionStatus = "completed"
	ScanSessionFailed    ScanSessionStatus = "failed"
	ScanSessionCancelled ScanSessionStatus = "cancelled"
)

// ScanSession records one scan pipeline run (spec §3, §4.3).
type ScanSession struct {
	ID          int64
	Roots       []string
	StartedAt   time.Time
	FinishedAt  *time.Time
	Status      ScanSessionStatus
	FilesSeen   int64
	FilesHashed int64
	BytesHashed int64
	CacheHits   int64
	CacheMisses int64
}

// CreateScanSession starts a new running session over roots.
func (c *Catalog) CreateScanSession(roots []string) (int64, error) {
	encoded, err := json.Marshal(roots)
	if err != nil {
		return 0, newError(KindIO, "CreateScanSession", err)
	}
	res, err := c.db.Exec(`
		INSERT INTO scan_sessions (roots, started_at, status) VALUES (?, ?, ?)`,
		string(encoded), time.Now().Unix(), string(ScanSessionRunning))
	if err != nil {
		return 0, newError(KindIO, "CreateScanSession", err)
	}
	return res.LastInsertId()
}

// ScanSessionProgress carries the running counters updated as the pipeline
// progresses (spec §4.3 Progress reporting).
type ScanSessionProgress struct {
	FilesSeen   int64
	FilesHashed int64
	BytesHashed int64
	CacheHits   int64
	CacheMisses int64
}

// UpdateScanSessionProgress overwrites the running counters for id.
func (c *Catalog) UpdateScanSessionProgress(id int64, p ScanSessionProgress) error {
	_, err := c.db.Exec(`
		UPDATE scan_sessions
		SET files_seen = ?, files_hashed = ?, bytes_hashed = ?, cache_hits = ?, cache_misses = ?
		WHERE id = ?`,
		p.FilesSeen, p.FilesHashed, p.BytesHashed, p.CacheHits, p.CacheMisses, id)
	if err != nil {
		return newError(KindIO, "UpdateScanSessionProgress", err)
	}
	return nil
}

// FinishScanSession marks id finished with the given terminal status.
func (c *Catalog) FinishScanSession(id int64, status ScanSessionStatus) error {
	_, err := c.db.Exec(`
		UPDATE scan_sessions SET status = ?, finished_at = ? WHERE id = ?`,
		string(status), time.Now().Unix(), id)
	if err != nil {
		return newError(KindIO, "FinishScanSession", err)
	}
	return nil
}

// GetScanSession looks up a session by id, or ErrNotFound.
func (c *Catalog) GetScanSession(id int64) (*ScanSession, error) {
	row := c.db.QueryRow(`
		SELECT id, roots, started_at, finished_at, status, files_seen, files_hashed, bytes_hashed, cache_hits, cache_misses
		FROM scan_sessions WHERE id = ?`, id)

	var s ScanSession
	var rootsJSON string
	var startedAt int64
	var finishedAt sql.NullInt64
	var status string

	err := row.Scan(&s.ID, &rootsJSON, &startedAt, &finishedAt, &status,
		&s.FilesSeen, &s.FilesHashed, &s.BytesHashed, &s.CacheHits, &s.CacheMisses)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, newError(KindIO, "GetScanSession", err)
	}

	if err := json.Unmarshal([]byte(rootsJSON), &s.Roots); err != nil {
		return nil, newError(KindIO, "GetScanSession", err)
	}
	s.StartedAt = time.Unix(startedAt, 0)
	s.Status = ScanSessionStatus(status)
	if finishedAt.Valid {
		t := time.Unix(finishedAt.Int64, 0)
		s.FinishedAt = &t
	}
	return &s, nil
}

// LatestScanSession returns the most recently started session, or ErrNotFound
// if none exist. Used by the scan pipeline's progress reporter to find the
// session it updates.
func (c *Catalog) LatestScanSession() (*ScanSession, error) {
	var id int64
	err := c.db.QueryRow(`SELECT id FROM scan_sessions ORDER BY started_at DESC, id DESC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, newError(KindIO, "LatestScanSession", err)
	}
	return c.GetScanSession(id)
}
