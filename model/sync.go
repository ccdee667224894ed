package model

import (
	"encoding/json"
	"time"
)

type OperationKind string

const (
	OpCreatePatient      OperationKind = "create-patient"
	OpCreateConsultation OperationKind = "create-consultation"
	OpUpdateDemographics OperationKind = "update-demographics"
	OpUpdateConsultation OperationKind = "update-consultation"
	OpUpdateNote         OperationKind = "update-note"
	OpUploadChunk        OperationKind = "upload-chunk"
)

func (k OperationKind) Valid() bool {
	switch k {
	case OpCreatePatient, OpCreateConsultation, OpUpdateDemographics,
		OpUpdateConsultation, OpUpdateNote, OpUploadChunk:
		return true
	}
	return false
}

// SyncOperation is one queued local change. OperationID is the client-generated
// idempotency key.
type SyncOperation struct {
	OperationID     string          `json:"operation_id"`
	Kind            OperationKind   `json:"kind"`
	EntityID        string          `json:"entity_id"`
	BaseVersion     int64           `json:"base_version"`
	Payload         json.RawMessage `json:"payload"`
	ClientTimestamp time.Time       `json:"client_timestamp"`
}

// SyncEnvelope is a batch of operations from one device.
type SyncEnvelope struct {
	DeviceID   string          `json:"device_id"`
	Cursor     string          `json:"cursor"`
	Operations []SyncOperation `json:"operations"`
}

type CreatePatientPayload struct {
	Demographics Demographics `json:"demographics"`
}

type CreateConsultationPayload struct {
	PatientID    string                 `json:"patient_id"`
	LanguageCode string                 `json:"language_code"`
	RecordedAt   time.Time              `json:"recorded_at"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

type UpdateDemographicsPayload struct {
	Demographics Demographics `json:"demographics"`
	EditedAt     time.Time    `json:"edited_at"`
}

type UpdateConsultationPayload struct {
	Metadata map[string]interface{} `json:"metadata"`
	EditedAt time.Time              `json:"edited_at"`
}

type UpdateNotePayload struct {
	Note     StructuredNote `json:"note"`
	EditedAt time.Time      `json:"edited_at"`
}

// UploadChunkPayload carries chunk bytes inline; encoding/json base64-encodes Data.
type UploadChunkPayload struct {
	SessionID string `json:"session_id"`
	Offset    int64  `json:"offset"`
	Data      []byte `json:"data"`
	ChunkHash string `json:"chunk_hash"`
}

type OutcomeStatus string

const (
	OutcomeApplied    OutcomeStatus = "applied"
	OutcomeSuperseded OutcomeStatus = "superseded"
	OutcomeConflicted OutcomeStatus = "conflicted"
	OutcomeRejected   OutcomeStatus = "rejected"
)

// OperationOutcome is recorded per idempotency key; replaying the key returns it
// unchanged.
type OperationOutcome struct {
	OperationID string        `json:"operation_id"`
	Kind        OperationKind `json:"kind"`
	EntityID    string        `json:"entity_id"`
	Status      OutcomeStatus `json:"status"`
	Reason      string        `json:"reason,omitempty"`
	ConflictID  string        `json:"conflict_id,omitempty"`
	Version     int64         `json:"version"`
	Replayed    bool          `json:"replayed"`
	RecordedAt  time.Time     `json:"recorded_at"`
}

// Synced reports whether the device may drop the operation from its queue.
func (o OperationOutcome) Synced() bool {
	return o.Status != OutcomeRejected
}

type FailedOperation struct {
	OperationID string `json:"operation_id"`
	Reason      string `json:"reason"`
	Retryable   bool   `json:"retryable"`
}

type SyncConflict struct {
	ConflictID string         `json:"conflict_id"`
	EntityKind EntityKind     `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Policy     ConflictPolicy `json:"policy"`
}

type SyncResponse struct {
	SyncedOperationIDs    []string           `json:"synced_operation_ids"`
	FailedOperations      []FailedOperation  `json:"failed_operations"`
	Conflicts             []SyncConflict     `json:"conflicts"`
	Outcomes              []OperationOutcome `json:"outcomes"`
	NewRecordsSinceCursor []ChangeRecord     `json:"new_records_since_cursor"`
	NewCursor             string             `json:"new_cursor"`
	HasMore               bool               `json:"has_more"`
}

type EntityKind string

const (
	EntityPatient      EntityKind = "patient"
	EntityConsultation EntityKind = "consultation"
	EntityNote         EntityKind = "note"
	EntityStageResult  EntityKind = "stage_result"
	EntityConflict     EntityKind = "conflict"
)

// ChangeRecord is one entry of the server change log that devices pull.
type ChangeRecord struct {
	Sequence   int64           `json:"sequence"`
	EntityKind EntityKind      `json:"entity_kind"`
	EntityID   string          `json:"entity_id"`
	Version    int64           `json:"version"`
	Payload    json.RawMessage `json:"payload"`
	ChangedAt  time.Time       `json:"changed_at"`
}
