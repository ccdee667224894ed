package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/carenote/carenote/model"
)

// GetNote retrieves the clinical note of a consultation.
func (d Datasource) GetNote(ctx context.Context, consultationID string) (*model.ClinicalNote, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT consultation_id, content, source, version, edited_by, last_operation_id, conflict_flag, created_at, updated_at
		FROM carenote.notes
		WHERE consultation_id = $1
	`, consultationID)

	n := &model.ClinicalNote{}
	var content []byte
	var editedBy, lastOp sql.NullString
	err := row.Scan(&n.ConsultationID, &content, &n.Source, &n.Version, &editedBy, &lastOp, &n.ConflictFlag, &n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("Note", consultationID, err)
	}
	if err != nil {
		return nil, err
	}
	n.EditedBy = editedBy.String
	n.LastOperationID = lastOp.String
	if err := json.Unmarshal(content, &n.Content); err != nil {
		return nil, err
	}
	return n, nil
}

// SaveNote inserts n when n.Version is 0 and otherwise performs a compare-and-swap update.
func (d Datasource) SaveNote(ctx context.Context, n *model.ClinicalNote) error {
	content, err := json.Marshal(n.Content)
	if err != nil {
		return err
	}

	expected := n.Version
	now := time.Now().UTC()
	err = d.withTx(ctx, func(tx *sql.Tx) error {
		var res sql.Result
		var err error
		if expected == 0 {
			res, err = tx.ExecContext(ctx, `
				INSERT INTO carenote.notes (consultation_id, content, source, version, edited_by, last_operation_id, conflict_flag, created_at, updated_at)
				VALUES ($1, $2, $3, 1, $4, $5, $6, $7, $7)
				ON CONFLICT (consultation_id) DO NOTHING
			`, n.ConsultationID, content, n.Source, n.EditedBy, n.LastOperationID, n.ConflictFlag, now)
		} else {
			res, err = tx.ExecContext(ctx, `
				UPDATE carenote.notes
				SET content = $3, source = $4, version = $2 + 1, edited_by = $5, last_operation_id = $6, conflict_flag = $7, updated_at = $8
				WHERE consultation_id = $1 AND version = $2
			`, n.ConsultationID, expected, content, n.Source, n.EditedBy, n.LastOperationID, n.ConflictFlag, now)
		}
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return versionMismatch("Note", n.ConsultationID, expected)
		}
		n.Version = expected + 1
		if expected == 0 {
			n.CreatedAt = now
		}
		n.UpdatedAt = now
		return appendChange(ctx, tx, model.EntityNote, n.ConsultationID, n.Version, n)
	})
	if err != nil {
		n.Version = expected
	}
	return err
}
