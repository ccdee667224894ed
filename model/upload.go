package model

import "time"

// ChunkRef points at one stored chunk of an upload.
type ChunkRef struct {
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
	Hash   string `json:"hash"`
	Key    string `json:"key"`
}

// UploadSession tracks a resumable audio upload. It exists until the upload is
// finalized or abandoned.
type UploadSession struct {
	SessionID      string                 `json:"session_id"`
	ConsultationID string                 `json:"consultation_id"`
	PatientID      string                 `json:"patient_id"`
	DeviceID       string                 `json:"device_id"`
	TotalBytes     int64                  `json:"total_bytes"`
	ManifestHash   string                 `json:"manifest_hash"`
	ContentType    string                 `json:"content_type"`
	LanguageCode   string                 `json:"language_code"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	RecordedAt     time.Time              `json:"recorded_at"`
	Received       RangeSet               `json:"received"`
	Chunks         []ChunkRef             `json:"chunks"`
	Version        int64                  `json:"version"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// ResumeOffset is the first byte the server still needs.
func (s *UploadSession) ResumeOffset() int64 {
	return s.Received.FirstGap(s.TotalBytes)
}

func (s *UploadSession) Complete() bool {
	return s.Received.Complete(s.TotalBytes)
}

// ChunkAck is returned for every accepted chunk, duplicates included.
type ChunkAck struct {
	SessionID        string      `json:"session_id"`
	ResumeFromOffset int64       `json:"resume_from_offset"`
	ReceivedBytes    int64       `json:"received_bytes"`
	Missing          []ByteRange `json:"missing,omitempty"`
	Complete         bool        `json:"complete"`
	Duplicate        bool        `json:"duplicate"`
}

// FinalizeResult reports the consultation created or reused by a finalize call.
type FinalizeResult struct {
	SessionID      string `json:"session_id"`
	ConsultationID string `json:"consultation_id"`
	Stage          Stage  `json:"stage"`
	AudioRef       string `json:"audio_ref"`
}
