package localcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/carenote/carenote/model"
)

type OperationStatus string

const (
	OperationPending OperationStatus = "pending"
	OperationSynced  OperationStatus = "synced"
	OperationFailed  OperationStatus = "failed"
)

// PendingOperation is a queued local edit with its delivery bookkeeping.
type PendingOperation struct {
	model.SyncOperation
	Status    OperationStatus         `json:"status"`
	Attempts  int                     `json:"attempts"`
	Outcome   *model.OperationOutcome `json:"outcome,omitempty"`
	LastError string                  `json:"last_error,omitempty"`
}

// Enqueue appends a local edit to the outgoing queue. The operation id is the
// idempotency key the server deduplicates on; one is generated when empty.
func (c *Cache) Enqueue(ctx context.Context, op *model.SyncOperation) error {
	if op.OperationID == "" {
		op.OperationID = uuid.NewString()
	}
	if op.ClientTimestamp.IsZero() {
		op.ClientTimestamp = c.now()
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO operations (operation_id, kind, entity_id, base_version, payload, client_timestamp, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (operation_id) DO NOTHING
	`, op.OperationID, op.Kind, op.EntityID, op.BaseVersion, []byte(op.Payload), op.ClientTimestamp, OperationPending)
	return err
}

// Pending returns up to limit operations still waiting for the server, in
// the order they were made.
func (c *Cache) Pending(ctx context.Context, limit int) ([]model.SyncOperation, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT operation_id, kind, entity_id, base_version, payload, client_timestamp
		FROM operations WHERE status = ?
		ORDER BY seq ASC
		LIMIT ?
	`, OperationPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []model.SyncOperation
	for rows.Next() {
		var (
			op      model.SyncOperation
			payload []byte
		)
		if err := rows.Scan(&op.OperationID, &op.Kind, &op.EntityID, &op.BaseVersion, &payload, &op.ClientTimestamp); err != nil {
			return nil, err
		}
		op.Payload = json.RawMessage(payload)
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// Acknowledge records the server outcome of an operation. The operation
// leaves the queue unless the server rejected it.
func (c *Cache) Acknowledge(ctx context.Context, outcome model.OperationOutcome) error {
	raw, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	status := OperationSynced
	if !outcome.Synced() {
		status = OperationFailed
	}
	_, err = c.db.ExecContext(ctx, `
		UPDATE operations SET status = ?, outcome = ?, last_error = ?, attempts = attempts + 1
		WHERE operation_id = ?
	`, status, raw, truncate(outcome.Reason), outcome.OperationID)
	return err
}

// RecordAttempt notes a failed delivery that will be retried in the next batch.
func (c *Cache) RecordAttempt(ctx context.Context, operationID, reason string) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE operations SET attempts = attempts + 1, last_error = ? WHERE operation_id = ?
	`, truncate(reason), operationID)
	return err
}

func (c *Cache) GetOperation(ctx context.Context, operationID string) (*PendingOperation, error) {
	var (
		op      PendingOperation
		payload []byte
		outcome []byte
		lastErr sql.NullString
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT operation_id, kind, entity_id, base_version, payload, client_timestamp, status, attempts, outcome, last_error
		FROM operations WHERE operation_id = ?
	`, operationID).Scan(&op.OperationID, &op.Kind, &op.EntityID, &op.BaseVersion, &payload,
		&op.ClientTimestamp, &op.Status, &op.Attempts, &outcome, &lastErr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	op.Payload = json.RawMessage(payload)
	op.LastError = lastErr.String
	if len(outcome) > 0 {
		op.Outcome = &model.OperationOutcome{}
		if err := json.Unmarshal(outcome, op.Outcome); err != nil {
			return nil, err
		}
	}
	return &op, nil
}

// Counts reports the queue depth per status.
func (c *Cache) Counts(ctx context.Context) (map[OperationStatus]int, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM operations GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[OperationStatus]int)
	for rows.Next() {
		var (
			status OperationStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
