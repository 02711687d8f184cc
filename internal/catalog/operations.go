package catalog

import (
	"database/sql"
	"time"
)

// OperationState enumerates OperationRecord.State.
type OperationState string

const (
	OperationPending  OperationState = "pending"
	OperationExecuted OperationState = "executed"
	OperationUndone   OperationState = "undone"
	OperationFailed   OperationState = "failed"
)

// MaxOperationStackDepth bounds how many operations the stack retains before
// evicting the oldest executed entry (spec §4.5.2 OperationStack, bounded 100).
const MaxOperationStackDepth = 100

// OperationRecord is the durable mirror of one ReversibleOperation on the
// OperationStack (spec §4.5.2).
type OperationRecord struct {
	ID            int64
	Kind          string
	State         OperationState
	Timestamp     time.Time
	Description   string
	ForwardParams string // JSON-encoded, opaque to the catalog
	InverseParams string // JSON-encoded, opaque to the catalog
	CorrelationID string
	Error         string
}

// InsertOperation records a new pending operation and evicts the oldest
// executed or undone record if the stack would exceed MaxOperationStackDepth.
func (c *Catalog) InsertOperation(op OperationRecord) (int64, error) {
	tx, err := c.db.Begin()
	if err != nil {
		return 0, newError(KindIO, "InsertOperation", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO operations (kind, state, timestamp, description, forward_params, inverse_params, correlation_id, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		op.Kind, string(OperationPending), time.Now().Unix(), op.Description,
		op.ForwardParams, op.InverseParams, op.CorrelationID, nullableString(op.Error))
	if err != nil {
		return 0, newError(KindIntegrity, "InsertOperation", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, newError(KindIO, "InsertOperation", err)
	}

	var count int64
	if err := tx.QueryRow(`SELECT COUNT(*) FROM operations`).Scan(&count); err != nil {
		return 0, newError(KindIO, "InsertOperation", err)
	}
	if count > MaxOperationStackDepth {
		if _, err := tx.Exec(`
			DELETE FROM operations WHERE id = (
				SELECT id FROM operations WHERE state IN (?, ?) ORDER BY timestamp ASC LIMIT 1
			)`, string(OperationExecuted), string(OperationUndone)); err != nil {
			return 0, newError(KindIO, "InsertOperation", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, newError(KindIO, "InsertOperation", err)
	}
	return id, nil
}

// SetOperationInverse records the inverse parameters an operation captured
// while executing. Inverse state (which backup path was created, whether a
// destination previously existed) is only known once execute() has run, so
// this is always called after InsertOperation and before
// UpdateOperationState transitions the record to executed.
func (c *Catalog) SetOperationInverse(id int64, inverseParams string) error {
	_, err := c.db.Exec(`UPDATE operations SET inverse_params = ? WHERE id = ?`, inverseParams, id)
	if err != nil {
		return newError(KindIO, "SetOperationInverse", err)
	}
	return nil
}

// UpdateOperationState transitions an operation's state, optionally
// attaching an error message (state=failed).
func (c *Catalog) UpdateOperationState(id int64, state OperationState, errMsg string) error {
	_, err := c.db.Exec(`UPDATE operations SET state = ?, error = ? WHERE id = ?`,
		string(state), nullableString(errMsg), id)
	if err != nil {
		return newError(KindIO, "UpdateOperationState", err)
	}
	return nil
}

// ListOperations returns every operation ordered oldest-first, matching the
// OperationStack's logical push order.
func (c *Catalog) ListOperations() ([]OperationRecord, error) {
	rows, err := c.db.Query(`
		SELECT id, kind, state, timestamp, description, forward_params, inverse_params, correlation_id, error
		FROM operations ORDER BY timestamp ASC`)
	if err != nil {
		return nil, newError(KindIO, "ListOperations", err)
	}
	defer rows.Close()

	var out []OperationRecord
	for rows.Next() {
		rec, err := scanOperationRecord(rows)
		if err != nil {
			return nil, newError(KindIO, "ListOperations", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetOperation looks up a single operation by id, or ErrNotFound.
func (c *Catalog) GetOperation(id int64) (*OperationRecord, error) {
	row := c.db.QueryRow(`
		SELECT id, kind, state, timestamp, description, forward_params, inverse_params, correlation_id, error
		FROM operations WHERE id = ?`, id)
	rec, err := scanOperationRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, newError(KindIO, "GetOperation", err)
	}
	return &rec, nil
}

// CountOperations returns the total number of operations currently retained.
func (c *Catalog) CountOperations() (int64, error) {
	var n int64
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM operations`).Scan(&n); err != nil {
		return 0, newError(KindIO, "CountOperations", err)
	}
	return n, nil
}

func scanOperationRecord(s rowScanner) (OperationRecord, error) {
	var rec OperationRecord
	var ts int64
	var state string
	var errMsg sql.NullString

	err := s.Scan(&rec.ID, &rec.Kind, &state, &ts, &rec.Description,
		&rec.ForwardParams, &rec.InverseParams, &rec.CorrelationID, &errMsg)
	if err != nil {
		return OperationRecord{}, err
	}
	rec.State = OperationState(state)
	rec.Timestamp = time.Unix(ts, 0)
	rec.Error = errMsg.String
	return rec, nil
}
