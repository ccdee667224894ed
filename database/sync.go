package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/carenote/carenote/model"
)

// GetSyncOutcome returns the outcome recorded for a device's operation.
func (d Datasource) GetSyncOutcome(ctx context.Context, deviceID, operationID string) (*model.OperationOutcome, error) {
	var raw []byte
	err := d.Conn.QueryRowContext(ctx, `
		SELECT outcome FROM carenote.sync_outcomes WHERE device_id = $1 AND operation_id = $2
	`, deviceID, operationID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("Sync operation", operationID, err)
	}
	if err != nil {
		return nil, err
	}
	outcome := &model.OperationOutcome{}
	if err := json.Unmarshal(raw, outcome); err != nil {
		return nil, err
	}
	return outcome, nil
}

// SaveSyncOutcome records outcome unless one already exists for the operation.
func (d Datasource) SaveSyncOutcome(ctx context.Context, deviceID string, outcome *model.OperationOutcome) error {
	raw, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO carenote.sync_outcomes (device_id, operation_id, outcome, recorded_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (device_id, operation_id) DO NOTHING
	`, deviceID, outcome.OperationID, raw, outcome.RecordedAt)
	return err
}

// GetChangesSince returns up to limit change log entries after sequence, oldest first.
func (d Datasource) GetChangesSince(ctx context.Context, sequence int64, limit int) ([]model.ChangeRecord, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT sequence, entity_kind, entity_id, version, payload, changed_at
		FROM carenote.change_log
		WHERE sequence > $1
		ORDER BY sequence ASC
		LIMIT $2
	`, sequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []model.ChangeRecord
	for rows.Next() {
		var c model.ChangeRecord
		var payload []byte
		if err := rows.Scan(&c.Sequence, &c.EntityKind, &c.EntityID, &c.Version, &payload, &c.ChangedAt); err != nil {
			return nil, err
		}
		c.Payload = payload
		changes = append(changes, c)
	}
	return changes, rows.Err()
}
