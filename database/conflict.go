package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/carenote/carenote/internal/apierror"
	"github.com/carenote/carenote/model"
)

const conflictColumns = `conflict_id, entity_kind, entity_id, consultation_id, policy, status, existing_version, existing_payload,
	incoming_base_version, incoming_payload, incoming_device_id, incoming_edited_at, edit_distance, resolution,
	resolved_payload, resolved_by, created_at, resolved_at`

func scanConflict(row rowScanner) (*model.ConflictRecord, error) {
	c := &model.ConflictRecord{}
	var consultationID, deviceID, resolution, resolvedBy sql.NullString
	var existingPayload, incomingPayload, resolvedPayload []byte
	var editedAt, resolvedAt sql.NullTime
	err := row.Scan(&c.ConflictID, &c.EntityKind, &c.EntityID, &consultationID, &c.Policy, &c.Status, &c.ExistingVersion, &existingPayload,
		&c.IncomingBaseVersion, &incomingPayload, &deviceID, &editedAt, &c.EditDistance, &resolution,
		&resolvedPayload, &resolvedBy, &c.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	c.ConsultationID = consultationID.String
	c.IncomingDeviceID = deviceID.String
	c.Resolution = resolution.String
	c.ResolvedBy = resolvedBy.String
	c.ExistingPayload = existingPayload
	c.IncomingPayload = incomingPayload
	c.ResolvedPayload = resolvedPayload
	if editedAt.Valid {
		c.IncomingEditedAt = editedAt.Time
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		c.ResolvedAt = &t
	}
	return c, nil
}

// CreateConflict stores a new open conflict record.
func (d Datasource) CreateConflict(ctx context.Context, c *model.ConflictRecord) error {
	if c.ConflictID == "" {
		c.ConflictID = model.GenerateUUIDWithSuffix("cfl")
	}
	c.Status = model.ConflictOpen
	c.CreatedAt = time.Now().UTC()

	return d.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO carenote.conflicts (`+conflictColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		`, c.ConflictID, c.EntityKind, c.EntityID, c.ConsultationID, c.Policy, c.Status, c.ExistingVersion, []byte(c.ExistingPayload),
			c.IncomingBaseVersion, []byte(c.IncomingPayload), c.IncomingDeviceID, c.IncomingEditedAt, c.EditDistance, c.Resolution,
			nullBytes(c.ResolvedPayload), c.ResolvedBy, c.CreatedAt, c.ResolvedAt)
		if err != nil {
			return err
		}
		return appendChange(ctx, tx, model.EntityConflict, c.ConflictID, 1, c)
	})
}

// GetConflict retrieves a conflict record by ID.
func (d Datasource) GetConflict(ctx context.Context, id string) (*model.ConflictRecord, error) {
	row := d.Conn.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM carenote.conflicts WHERE conflict_id = $1`, id)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("Conflict", id, err)
	}
	return c, err
}

// ListConflicts lists conflicts newest first. An empty status lists all of them.
func (d Datasource) ListConflicts(ctx context.Context, status model.ConflictStatus, limit, offset int) ([]*model.ConflictRecord, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+conflictColumns+`
		FROM carenote.conflicts
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, string(status), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []*model.ConflictRecord
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// ResolveConflict records the resolution of an open conflict.
func (d Datasource) ResolveConflict(ctx context.Context, c *model.ConflictRecord) error {
	now := time.Now().UTC()
	return d.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE carenote.conflicts
			SET status = $2, resolution = $3, resolved_payload = $4, resolved_by = $5, resolved_at = $6
			WHERE conflict_id = $1 AND status = $7
		`, c.ConflictID, model.ConflictResolved, c.Resolution, nullBytes(c.ResolvedPayload), c.ResolvedBy, now, model.ConflictOpen)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Conflict '%s' is not open", c.ConflictID), nil)
		}
		c.Status = model.ConflictResolved
		c.ResolvedAt = &now
		return appendChange(ctx, tx, model.EntityConflict, c.ConflictID, 2, c)
	})
}

// DeleteConflict removes a conflict record.
func (d Datasource) DeleteConflict(ctx context.Context, id string) error {
	res, err := d.Conn.ExecContext(ctx, `DELETE FROM carenote.conflicts WHERE conflict_id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("Conflict", id, nil)
	}
	return nil
}

func nullBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
