package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/carenote/carenote/model"
)

const stageResultColumns = `consultation_id, capability, status, payload, artifact_ref, confidence, fingerprint, attempts, degraded, reason, created_at, updated_at`

func saveStageResultTx(ctx context.Context, tx *sql.Tx, result *model.StageResult) error {
	now := time.Now().UTC()
	if result.CreatedAt.IsZero() {
		result.CreatedAt = now
	}
	result.UpdatedAt = now

	var payload []byte
	if len(result.Payload) > 0 {
		payload = result.Payload
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO carenote.stage_results (`+stageResultColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (consultation_id, capability) DO UPDATE
		SET status = EXCLUDED.status, payload = EXCLUDED.payload, artifact_ref = EXCLUDED.artifact_ref,
			confidence = EXCLUDED.confidence, fingerprint = EXCLUDED.fingerprint, attempts = EXCLUDED.attempts,
			degraded = EXCLUDED.degraded, reason = EXCLUDED.reason, updated_at = EXCLUDED.updated_at
		WHERE carenote.stage_results.status <> 'success'
	`, result.ConsultationID, result.Capability, result.Status, payload, result.ArtifactRef, result.Confidence,
		result.Fingerprint, result.Attempts, result.Degraded, result.Reason, result.CreatedAt, result.UpdatedAt)
	return err
}

func scanStageResult(row rowScanner) (*model.StageResult, error) {
	r := &model.StageResult{}
	var payload []byte
	var artifactRef, reason sql.NullString
	var confidence sql.NullFloat64
	err := row.Scan(&r.ConsultationID, &r.Capability, &r.Status, &payload, &artifactRef, &confidence,
		&r.Fingerprint, &r.Attempts, &r.Degraded, &reason, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Payload = payload
	r.ArtifactRef = artifactRef.String
	r.Reason = reason.String
	if confidence.Valid {
		c := confidence.Float64
		r.Confidence = &c
	}
	return r, nil
}

// GetStageResult retrieves the result of capability for a consultation.
func (d Datasource) GetStageResult(ctx context.Context, consultationID string, capability model.Capability) (*model.StageResult, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+stageResultColumns+`
		FROM carenote.stage_results
		WHERE consultation_id = $1 AND capability = $2
	`, consultationID, capability)
	r, err := scanStageResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("Stage result", consultationID+"/"+string(capability), err)
	}
	return r, err
}

// GetStageResults retrieves every stored result of a consultation.
func (d Datasource) GetStageResults(ctx context.Context, consultationID string) ([]*model.StageResult, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+stageResultColumns+`
		FROM carenote.stage_results
		WHERE consultation_id = $1
		ORDER BY created_at ASC
	`, consultationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*model.StageResult
	for rows.Next() {
		r, err := scanStageResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
