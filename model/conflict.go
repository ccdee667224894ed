package model

import (
	"encoding/json"
	"time"
)

type ConflictPolicy string

const (
	PolicyLastWriterWins ConflictPolicy = "last-writer-wins"
	PolicyAppendOnly     ConflictPolicy = "append-only"
	PolicyManualReview   ConflictPolicy = "manual-review"
)

type ConflictStatus string

const (
	ConflictOpen     ConflictStatus = "open"
	ConflictResolved ConflictStatus = "resolved"
)

// Resolution choices for a manual-review conflict.
const (
	ResolutionKeepExisting = "existing"
	ResolutionTakeIncoming = "incoming"
	ResolutionMerged       = "merged"
)

// ConflictRecord preserves both sides of a concurrent edit until a reviewer
// resolves it.
type ConflictRecord struct {
	ConflictID          string          `json:"conflict_id"`
	EntityKind          EntityKind      `json:"entity_kind"`
	EntityID            string          `json:"entity_id"`
	ConsultationID      string          `json:"consultation_id,omitempty"`
	Policy              ConflictPolicy  `json:"policy"`
	Status              ConflictStatus  `json:"status"`
	ExistingVersion     int64           `json:"existing_version"`
	ExistingPayload     json.RawMessage `json:"existing_payload"`
	IncomingBaseVersion int64           `json:"incoming_base_version"`
	IncomingPayload     json.RawMessage `json:"incoming_payload"`
	IncomingDeviceID    string          `json:"incoming_device_id"`
	IncomingEditedAt    time.Time       `json:"incoming_edited_at"`
	EditDistance        int             `json:"edit_distance"`
	Resolution          string          `json:"resolution,omitempty"`
	ResolvedPayload     json.RawMessage `json:"resolved_payload,omitempty"`
	ResolvedBy          string          `json:"resolved_by,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	ResolvedAt          *time.Time      `json:"resolved_at,omitempty"`
}
