package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/carenote/carenote/model"
)

const consultationColumns = `consultation_id, patient_id, device_id, stage, failure, version, metadata_version, metadata,
	language_code, audio_ref, audio_hash, upload_session_id, risk_state, risk_attempts, audio_state, audio_attempts,
	cancel_requested, conflict_flag, derived_from, recorded_at, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConsultation(row rowScanner) (*model.ConsultationRecord, error) {
	rec := &model.ConsultationRecord{}
	var failureJSON, metadataJSON []byte
	var completedAt sql.NullTime
	var deviceID, languageCode, audioRef, audioHash, sessionID, riskState, audioState, derivedFrom sql.NullString
	var recordedAt sql.NullTime

	err := row.Scan(
		&rec.ConsultationID, &rec.PatientID, &deviceID, &rec.Stage, &failureJSON, &rec.Version, &rec.MetadataVersion, &metadataJSON,
		&languageCode, &audioRef, &audioHash, &sessionID, &riskState, &rec.RiskAttempts, &audioState, &rec.AudioAttempts,
		&rec.CancelRequested, &rec.ConflictFlag, &derivedFrom, &recordedAt, &rec.CreatedAt, &rec.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.DeviceID = deviceID.String
	rec.LanguageCode = languageCode.String
	rec.AudioRef = audioRef.String
	rec.AudioHash = audioHash.String
	rec.UploadSessionID = sessionID.String
	rec.RiskState = model.RiskState(riskState.String)
	rec.AudioState = model.AudioState(audioState.String)
	rec.DerivedFrom = derivedFrom.String
	if recordedAt.Valid {
		rec.RecordedAt = recordedAt.Time
	}
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	if len(failureJSON) > 0 && string(failureJSON) != "null" {
		rec.Failure = &model.StageFailure{}
		if err := json.Unmarshal(failureJSON, rec.Failure); err != nil {
			return nil, err
		}
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// CreateConsultation inserts a new consultation at version 1.
func (d Datasource) CreateConsultation(ctx context.Context, rec *model.ConsultationRecord) error {
	metadataJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return err
	}
	failureJSON, err := nullableJSON(rec.Failure)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rec.Version = 1
	if rec.MetadataVersion == 0 {
		rec.MetadataVersion = 1
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now

	return d.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO carenote.consultations (`+consultationColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		`, rec.ConsultationID, rec.PatientID, rec.DeviceID, rec.Stage, failureJSON, rec.Version, rec.MetadataVersion, metadataJSON,
			rec.LanguageCode, rec.AudioRef, rec.AudioHash, rec.UploadSessionID, rec.RiskState, rec.RiskAttempts, rec.AudioState, rec.AudioAttempts,
			rec.CancelRequested, rec.ConflictFlag, rec.DerivedFrom, rec.RecordedAt, rec.CreatedAt, rec.UpdatedAt, rec.CompletedAt)
		if err != nil {
			return err
		}
		return appendChange(ctx, tx, model.EntityConsultation, rec.ConsultationID, rec.Version, rec)
	})
}

// GetConsultation retrieves a consultation by ID.
func (d Datasource) GetConsultation(ctx context.Context, id string) (*model.ConsultationRecord, error) {
	row := d.Conn.QueryRowContext(ctx, `SELECT `+consultationColumns+` FROM carenote.consultations WHERE consultation_id = $1`, id)
	rec, err := scanConsultation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("Consultation", id, err)
	}
	return rec, err
}

// GetConsultationByUploadSession retrieves the consultation created when sessionID was finalized.
func (d Datasource) GetConsultationByUploadSession(ctx context.Context, sessionID string) (*model.ConsultationRecord, error) {
	row := d.Conn.QueryRowContext(ctx, `SELECT `+consultationColumns+` FROM carenote.consultations WHERE upload_session_id = $1`, sessionID)
	rec, err := scanConsultation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("Consultation for upload session", sessionID, err)
	}
	return rec, err
}

func updateConsultationTx(ctx context.Context, tx *sql.Tx, rec *model.ConsultationRecord) error {
	metadataJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return err
	}
	failureJSON, err := nullableJSON(rec.Failure)
	if err != nil {
		return err
	}

	expected := rec.Version
	updatedAt := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE carenote.consultations
		SET stage = $3, failure = $4, version = $2 + 1, metadata_version = $5, metadata = $6, audio_ref = $7, audio_hash = $8,
			risk_state = $9, risk_attempts = $10, audio_state = $11, audio_attempts = $12, cancel_requested = $13,
			conflict_flag = $14, updated_at = $15, completed_at = $16
		WHERE consultation_id = $1 AND version = $2
	`, rec.ConsultationID, expected, rec.Stage, failureJSON, rec.MetadataVersion, metadataJSON, rec.AudioRef, rec.AudioHash,
		rec.RiskState, rec.RiskAttempts, rec.AudioState, rec.AudioAttempts, rec.CancelRequested,
		rec.ConflictFlag, updatedAt, rec.CompletedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return versionMismatch("Consultation", rec.ConsultationID, expected)
	}
	rec.Version = expected + 1
	rec.UpdatedAt = updatedAt
	return appendChange(ctx, tx, model.EntityConsultation, rec.ConsultationID, rec.Version, rec)
}

// UpdateConsultation writes rec if the stored version still equals rec.Version.
func (d Datasource) UpdateConsultation(ctx context.Context, rec *model.ConsultationRecord) error {
	expected := rec.Version
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		return updateConsultationTx(ctx, tx, rec)
	})
	if err != nil {
		rec.Version = expected
	}
	return err
}

// CommitStage updates rec and stores result in one transaction. A stored
// successful result is never replaced.
func (d Datasource) CommitStage(ctx context.Context, rec *model.ConsultationRecord, result *model.StageResult) error {
	expected := rec.Version
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		if err := updateConsultationTx(ctx, tx, rec); err != nil {
			return err
		}
		if result == nil {
			return nil
		}
		if err := saveStageResultTx(ctx, tx, result); err != nil {
			return err
		}
		return appendChange(ctx, tx, model.EntityStageResult, result.ConsultationID+"/"+string(result.Capability), rec.Version, result)
	})
	if err != nil {
		rec.Version = expected
	}
	return err
}

// GetPendingDeferred lists COMPLETE consultations whose risk score or audio is
// still PENDING and whose last update is older than updatedBefore.
func (d Datasource) GetPendingDeferred(ctx context.Context, updatedBefore time.Time, limit int) ([]*model.ConsultationRecord, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+consultationColumns+`
		FROM carenote.consultations
		WHERE stage = $1 AND (risk_state = $2 OR audio_state = $3) AND updated_at < $4
		ORDER BY updated_at ASC
		LIMIT $5
	`, model.StageComplete, model.RiskPending, model.AudioPending, updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*model.ConsultationRecord
	for rows.Next() {
		rec, err := scanConsultation(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetStuckConsultations lists consultations in one of stages whose last update is older than updatedBefore.
func (d Datasource) GetStuckConsultations(ctx context.Context, stages []model.Stage, updatedBefore time.Time, limit int) ([]*model.ConsultationRecord, error) {
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = string(s)
	}

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+consultationColumns+`
		FROM carenote.consultations
		WHERE stage = ANY($1) AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, pq.Array(names), updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*model.ConsultationRecord
	for rows.Next() {
		rec, err := scanConsultation(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
