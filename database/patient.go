package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/carenote/carenote/model"
)

// CreatePatient inserts a new patient at version 1.
func (d Datasource) CreatePatient(ctx context.Context, p *model.Patient) error {
	demographicsJSON, err := json.Marshal(p.Demographics)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	p.Version = 1
	p.CreatedAt = now
	p.UpdatedAt = now

	return d.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO carenote.patients (patient_id, demographics, version, demographics_updated_at, origin_device_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, p.PatientID, demographicsJSON, p.Version, p.DemographicsUpdatedAt, p.OriginDeviceID, p.CreatedAt, p.UpdatedAt)
		if err != nil {
			return err
		}
		return appendChange(ctx, tx, model.EntityPatient, p.PatientID, p.Version, p)
	})
}

// GetPatient retrieves a patient by ID.
func (d Datasource) GetPatient(ctx context.Context, id string) (*model.Patient, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT patient_id, demographics, version, demographics_updated_at, origin_device_id, created_at, updated_at
		FROM carenote.patients
		WHERE patient_id = $1
	`, id)

	p := &model.Patient{}
	var demographicsJSON []byte
	var editedAt sql.NullTime
	var origin sql.NullString
	err := row.Scan(&p.PatientID, &demographicsJSON, &p.Version, &editedAt, &origin, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("Patient", id, err)
	}
	if err != nil {
		return nil, err
	}
	if editedAt.Valid {
		p.DemographicsUpdatedAt = editedAt.Time
	}
	p.OriginDeviceID = origin.String
	if err := json.Unmarshal(demographicsJSON, &p.Demographics); err != nil {
		return nil, err
	}
	return p, nil
}

// UpdatePatient writes p if the stored version still equals p.Version.
func (d Datasource) UpdatePatient(ctx context.Context, p *model.Patient) error {
	demographicsJSON, err := json.Marshal(p.Demographics)
	if err != nil {
		return err
	}

	expected := p.Version
	updatedAt := time.Now().UTC()
	err = d.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE carenote.patients
			SET demographics = $3, version = $2 + 1, demographics_updated_at = $4, updated_at = $5
			WHERE patient_id = $1 AND version = $2
		`, p.PatientID, expected, demographicsJSON, p.DemographicsUpdatedAt, updatedAt)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return versionMismatch("Patient", p.PatientID, expected)
		}
		p.Version = expected + 1
		p.UpdatedAt = updatedAt
		return appendChange(ctx, tx, model.EntityPatient, p.PatientID, p.Version, p)
	})
	if err != nil {
		p.Version = expected
	}
	return err
}
