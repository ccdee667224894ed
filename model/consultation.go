/*
Copyright 2024 Carenote Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package model

import (
	"time"
)

// Stage is the pipeline position of a consultation.
type Stage string

const (
	StagePending        Stage = "PENDING"
	StageTranscribing   Stage = "TRANSCRIBING"
	StageTranscribed    Stage = "TRANSCRIBED"
	StageGeneratingNote Stage = "GENERATING_NOTE"
	StageProcessed      Stage = "PROCESSED"
	StageScoringRisk    Stage = "SCORING_RISK"
	StageInstructing    Stage = "INSTRUCTING"
	StageComplete       Stage = "COMPLETE"
	StageError          Stage = "ERROR"
	StageAbandoned      Stage = "ABANDONED"
)

var stageOrder = map[Stage]int{
	StagePending:        0,
	StageTranscribing:   1,
	StageTranscribed:    2,
	StageGeneratingNote: 3,
	StageProcessed:      4,
	StageScoringRisk:    5,
	StageInstructing:    6,
	StageComplete:       7,
}

// Order returns the position of s along the happy path. ERROR and ABANDONED
// are not on the path and return -1.
func (s Stage) Order() int {
	if o, ok := stageOrder[s]; ok {
		return o
	}
	return -1
}

func (s Stage) Valid() bool {
	_, ok := stageOrder[s]
	return ok || s == StageError || s == StageAbandoned
}

// InFlight reports whether an external capability is being invoked in s.
func (s Stage) InFlight() bool {
	switch s {
	case StageTranscribing, StageGeneratingNote, StageScoringRisk, StageInstructing:
		return true
	}
	return false
}

func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageAbandoned
}

// Capability names an external service invoked by a stage executor.
type Capability string

const (
	CapabilityTranscription  Capability = "transcription"
	CapabilityNoteGeneration Capability = "note_generation"
	CapabilityRiskScoring    Capability = "risk_scoring"
	CapabilityInstruction    Capability = "instruction_generation"
	CapabilityAudioSynthesis Capability = "audio_synthesis"
)

// Capabilities lists every capability in pipeline order.
var Capabilities = []Capability{
	CapabilityTranscription,
	CapabilityNoteGeneration,
	CapabilityRiskScoring,
	CapabilityInstruction,
	CapabilityAudioSynthesis,
}

// InFlightStage is the stage a consultation sits in while c is running.
// Audio synthesis runs inside INSTRUCTING.
func (c Capability) InFlightStage() Stage {
	switch c {
	case CapabilityTranscription:
		return StageTranscribing
	case CapabilityNoteGeneration:
		return StageGeneratingNote
	case CapabilityRiskScoring:
		return StageScoringRisk
	case CapabilityInstruction, CapabilityAudioSynthesis:
		return StageInstructing
	}
	return ""
}

// ReadyStage is the resting stage from which c is started.
func (c Capability) ReadyStage() Stage {
	switch c {
	case CapabilityTranscription:
		return StagePending
	case CapabilityNoteGeneration:
		return StageTranscribed
	case CapabilityRiskScoring:
		return StageProcessed
	case CapabilityInstruction, CapabilityAudioSynthesis:
		return StageInstructing
	}
	return ""
}

func (c Capability) Valid() bool {
	for _, known := range Capabilities {
		if c == known {
			return true
		}
	}
	return false
}

// NextCapability returns the capability that should run for a consultation
// currently in stage s, if any.
func NextCapability(s Stage) (Capability, bool) {
	switch s {
	case StagePending, StageTranscribing:
		return CapabilityTranscription, true
	case StageTranscribed, StageGeneratingNote:
		return CapabilityNoteGeneration, true
	case StageProcessed, StageScoringRisk:
		return CapabilityRiskScoring, true
	case StageInstructing:
		return CapabilityInstruction, true
	}
	return "", false
}

// Failure reasons recorded with an ERROR stage.
const (
	ReasonUnavailable   = "unavailable"
	ReasonInvalidInput  = "invalid_input"
	ReasonConfiguration = "configuration"
	ReasonCancelled     = "cancelled"
)

// StageFailure is the payload carried by a consultation in the ERROR stage.
type StageFailure struct {
	Stage      Stage      `json:"stage"`
	Capability Capability `json:"capability"`
	Reason     string     `json:"reason"`
	Message    string     `json:"message,omitempty"`
	Retryable  bool       `json:"retryable"`
}

// RiskState tracks risk scoring separately from the stage, since a consultation
// can complete while its risk score is still pending.
type RiskState string

const (
	RiskNone    RiskState = ""
	RiskPending RiskState = "PENDING"
	RiskScored  RiskState = "SCORED"
	RiskFailed  RiskState = "FAILED"
)

// AudioState tracks synthesized patient instruction audio.
type AudioState string

const (
	AudioNone    AudioState = ""
	AudioPending AudioState = "PENDING"
	AudioReady   AudioState = "READY"
	AudioFailed  AudioState = "FAILED"
)

type ConsultationRecord struct {
	ConsultationID  string                 `json:"consultation_id"`
	PatientID       string                 `json:"patient_id"`
	DeviceID        string                 `json:"device_id"`
	Stage           Stage                  `json:"stage"`
	Failure         *StageFailure          `json:"failure,omitempty"`
	Version         int64                  `json:"version"`
	MetadataVersion int64                  `json:"metadata_version"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	LanguageCode    string                 `json:"language_code"`
	AudioRef        string                 `json:"audio_ref,omitempty"`
	AudioHash       string                 `json:"audio_hash,omitempty"`
	UploadSessionID string                 `json:"upload_session_id,omitempty"`
	RiskState       RiskState              `json:"risk_state,omitempty"`
	RiskAttempts    int                    `json:"risk_attempts"`
	AudioState      AudioState             `json:"audio_state,omitempty"`
	AudioAttempts   int                    `json:"audio_attempts"`
	CancelRequested bool                   `json:"cancel_requested"`
	ConflictFlag    bool                   `json:"conflict_flag"`
	DerivedFrom     string                 `json:"derived_from,omitempty"`
	RecordedAt      time.Time              `json:"recorded_at"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
}

// Clone returns a deep enough copy to mutate without touching the original.
func (c *ConsultationRecord) Clone() *ConsultationRecord {
	cp := *c
	if c.Failure != nil {
		f := *c.Failure
		cp.Failure = &f
	}
	if c.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// AudioReadyForPipeline reports whether finalize has attached the recording.
func (c *ConsultationRecord) AudioReadyForPipeline() bool {
	return c.AudioRef != ""
}
