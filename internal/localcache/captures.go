package localcache

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/carenote/carenote/model"
)

type CaptureStatus string

const (
	CapturePending   CaptureStatus = "pending"
	CaptureUploading CaptureStatus = "uploading"
	CaptureFinalized CaptureStatus = "finalized"
	CaptureFailed    CaptureStatus = "failed"
)

// Capture is a recording made on the device that has not reached the server yet.
type Capture struct {
	CaptureID      string        `json:"capture_id"`
	ConsultationID string        `json:"consultation_id"`
	PatientID      string        `json:"patient_id"`
	Path           string        `json:"path"`
	TotalBytes     int64         `json:"total_bytes"`
	ManifestHash   string        `json:"manifest_hash"`
	ContentType    string        `json:"content_type"`
	LanguageCode   string        `json:"language_code"`
	RecordedAt     time.Time     `json:"recorded_at"`
	SessionID      string        `json:"session_id"`
	Status         CaptureStatus `json:"status"`
	LastError      string        `json:"last_error"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// AddCapture queues a recording for upload. Adding the same file twice keeps
// the first entry.
func (c *Cache) AddCapture(ctx context.Context, capture *Capture) error {
	if capture.CaptureID == "" {
		capture.CaptureID = model.GenerateUUIDWithSuffix("cap")
	}
	now := c.now()
	if capture.RecordedAt.IsZero() {
		capture.RecordedAt = now
	}
	capture.Status = CapturePending
	capture.CreatedAt = now
	capture.UpdatedAt = now

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO captures (capture_id, consultation_id, patient_id, path, total_bytes, manifest_hash,
			content_type, language_code, recorded_at, session_id, status, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (path) DO NOTHING
	`, capture.CaptureID, capture.ConsultationID, capture.PatientID, capture.Path, capture.TotalBytes,
		capture.ManifestHash, capture.ContentType, capture.LanguageCode, capture.RecordedAt,
		capture.SessionID, capture.Status, capture.LastError, capture.CreatedAt, capture.UpdatedAt)
	return err
}

const captureColumns = `capture_id, consultation_id, patient_id, path, total_bytes, manifest_hash,
	content_type, language_code, recorded_at, session_id, status, last_error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCapture(row rowScanner) (*Capture, error) {
	var capture Capture
	err := row.Scan(&capture.CaptureID, &capture.ConsultationID, &capture.PatientID, &capture.Path,
		&capture.TotalBytes, &capture.ManifestHash, &capture.ContentType, &capture.LanguageCode,
		&capture.RecordedAt, &capture.SessionID, &capture.Status, &capture.LastError,
		&capture.CreatedAt, &capture.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &capture, nil
}

func (c *Cache) GetCapture(ctx context.Context, id string) (*Capture, error) {
	capture, err := scanCapture(c.db.QueryRowContext(ctx, `SELECT `+captureColumns+` FROM captures WHERE capture_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return capture, err
}

// PendingCaptures lists captures not yet finalized, oldest first.
func (c *Cache) PendingCaptures(ctx context.Context) ([]*Capture, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+captureColumns+` FROM captures
		WHERE status IN (?, ?)
		ORDER BY created_at ASC
	`, CapturePending, CaptureUploading)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var captures []*Capture
	for rows.Next() {
		capture, err := scanCapture(rows)
		if err != nil {
			return nil, err
		}
		captures = append(captures, capture)
	}
	return captures, rows.Err()
}

// UpdateCapture persists upload progress of a capture.
func (c *Cache) UpdateCapture(ctx context.Context, capture *Capture) error {
	capture.UpdatedAt = c.now()
	res, err := c.db.ExecContext(ctx, `
		UPDATE captures SET consultation_id = ?, session_id = ?, status = ?, last_error = ?, updated_at = ?
		WHERE capture_id = ?
	`, capture.ConsultationID, capture.SessionID, capture.Status, truncate(capture.LastError), capture.UpdatedAt, capture.CaptureID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 512 {
		return s[:512]
	}
	return s
}
