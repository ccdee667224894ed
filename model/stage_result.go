package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type StageStatus string

const (
	StageStatusPending StageStatus = "pending"
	StageStatusSuccess StageStatus = "success"
	StageStatusFailed  StageStatus = "failed"
)

// StageResult is the output of one capability for one consultation. Once a
// result is stored with StageStatusSuccess it is never overwritten.
type StageResult struct {
	ConsultationID string          `json:"consultation_id"`
	Capability     Capability      `json:"capability"`
	Status         StageStatus     `json:"status"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ArtifactRef    string          `json:"artifact_ref,omitempty"`
	Confidence     *float64        `json:"confidence,omitempty"`
	Fingerprint    string          `json:"fingerprint"`
	Attempts       int             `json:"attempts"`
	Degraded       bool            `json:"degraded"`
	Reason         string          `json:"reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (r *StageResult) Succeeded() bool {
	return r != nil && r.Status == StageStatusSuccess
}

// TranscriptSegment is one recognized span of the consultation audio.
type TranscriptSegment struct {
	SegmentID     string   `json:"segment_id"`
	Speaker       string   `json:"speaker,omitempty"`
	Text          string   `json:"text"`
	Confidence    *float64 `json:"confidence,omitempty"`
	AudioOffsetMs int64    `json:"audio_offset_ms"`
}

type Transcript struct {
	LanguageCode string              `json:"language_code"`
	Text         string              `json:"text"`
	Segments     []TranscriptSegment `json:"segments,omitempty"`
}

// RiskScore is the output of risk scoring. Score is kept as a decimal so the
// stored value round-trips exactly.
type RiskScore struct {
	Score   decimal.Decimal `json:"score"`
	Level   string          `json:"level"`
	Factors []string        `json:"factors,omitempty"`
}

// PatientInstructions is the localized output of instruction generation. AudioRef
// stays empty until audio synthesis succeeds.
type PatientInstructions struct {
	LanguageCode string `json:"language_code"`
	Text         string `json:"text"`
	AudioRef     string `json:"audio_ref,omitempty"`
}

// SynthesizedAudio is the output of audio synthesis.
type SynthesizedAudio struct {
	ContentType string `json:"content_type"`
	AudioBase64 string `json:"audio_base64"`
}
