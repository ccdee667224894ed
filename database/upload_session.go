package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/carenote/carenote/model"
)

const uploadSessionColumns = `session_id, consultation_id, patient_id, device_id, total_bytes, manifest_hash, content_type, language_code,
	metadata, recorded_at, received, chunks, version, created_at, updated_at`

func scanUploadSession(row rowScanner) (*model.UploadSession, error) {
	s := &model.UploadSession{}
	var deviceID, contentType, languageCode sql.NullString
	var recordedAt sql.NullTime
	var metadataJSON, receivedJSON, chunksJSON []byte
	err := row.Scan(&s.SessionID, &s.ConsultationID, &s.PatientID, &deviceID, &s.TotalBytes, &s.ManifestHash, &contentType, &languageCode,
		&metadataJSON, &recordedAt, &receivedJSON, &chunksJSON, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.DeviceID = deviceID.String
	s.ContentType = contentType.String
	s.LanguageCode = languageCode.String
	if recordedAt.Valid {
		s.RecordedAt = recordedAt.Time
	}
	for _, f := range []struct {
		raw []byte
		dst interface{}
	}{{metadataJSON, &s.Metadata}, {receivedJSON, &s.Received}, {chunksJSON, &s.Chunks}} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func marshalSessionState(s *model.UploadSession) (metadata, received, chunks []byte, err error) {
	if metadata, err = json.Marshal(s.Metadata); err != nil {
		return
	}
	if s.Received == nil {
		s.Received = model.RangeSet{}
	}
	if received, err = json.Marshal(s.Received); err != nil {
		return
	}
	if s.Chunks == nil {
		s.Chunks = []model.ChunkRef{}
	}
	chunks, err = json.Marshal(s.Chunks)
	return
}

// CreateUploadSession inserts a new upload session at version 1.
func (d Datasource) CreateUploadSession(ctx context.Context, s *model.UploadSession) error {
	metadata, received, chunks, err := marshalSessionState(s)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	s.Version = 1
	s.CreatedAt = now
	s.UpdatedAt = now

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO carenote.upload_sessions (`+uploadSessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, s.SessionID, s.ConsultationID, s.PatientID, s.DeviceID, s.TotalBytes, s.ManifestHash, s.ContentType, s.LanguageCode,
		metadata, s.RecordedAt, received, chunks, s.Version, s.CreatedAt, s.UpdatedAt)
	return err
}

// GetUploadSession retrieves an upload session by ID.
func (d Datasource) GetUploadSession(ctx context.Context, id string) (*model.UploadSession, error) {
	row := d.Conn.QueryRowContext(ctx, `SELECT `+uploadSessionColumns+` FROM carenote.upload_sessions WHERE session_id = $1`, id)
	s, err := scanUploadSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("Upload session", id, err)
	}
	return s, err
}

// UpdateUploadSession writes the received ranges and chunk list if the stored version still equals s.Version.
func (d Datasource) UpdateUploadSession(ctx context.Context, s *model.UploadSession) error {
	_, received, chunks, err := marshalSessionState(s)
	if err != nil {
		return err
	}
	expected := s.Version
	updatedAt := time.Now().UTC()
	res, err := d.Conn.ExecContext(ctx, `
		UPDATE carenote.upload_sessions
		SET received = $3, chunks = $4, version = $2 + 1, updated_at = $5
		WHERE session_id = $1 AND version = $2
	`, s.SessionID, expected, received, chunks, updatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return versionMismatch("Upload session", s.SessionID, expected)
	}
	s.Version = expected + 1
	s.UpdatedAt = updatedAt
	return nil
}

// DeleteUploadSession removes an upload session. Deleting a missing session is not an error.
func (d Datasource) DeleteUploadSession(ctx context.Context, id string) error {
	_, err := d.Conn.ExecContext(ctx, `DELETE FROM carenote.upload_sessions WHERE session_id = $1`, id)
	return err
}

// GetExpiredUploadSessions lists sessions not touched since updatedBefore.
func (d Datasource) GetExpiredUploadSessions(ctx context.Context, updatedBefore time.Time, limit int) ([]*model.UploadSession, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+uploadSessionColumns+`
		FROM carenote.upload_sessions
		WHERE updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*model.UploadSession
	for rows.Next() {
		s, err := scanUploadSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
