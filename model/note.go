package model

import "time"

// NotDocumented marks a note field that could not be extracted from the transcript.
const NotDocumented = "not documented"

// StructuredNote is the clinical note produced by note generation and edited
// by clinicians.
type StructuredNote struct {
	ChiefComplaint          string            `json:"chief_complaint"`
	HistoryOfPresentIllness string            `json:"history_of_present_illness"`
	Examination             string            `json:"examination"`
	Assessment              string            `json:"assessment"`
	Plan                    string            `json:"plan"`
	Medications             []string          `json:"medications"`
	Allergies               []string          `json:"allergies"`
	Vitals                  map[string]string `json:"vitals,omitempty"`
	FollowUp                string            `json:"follow_up"`
}

// TemplateNote builds the fallback note: whatever partial content is known is
// kept and every missing required field is marked NotDocumented.
func TemplateNote(partial *StructuredNote) StructuredNote {
	var n StructuredNote
	if partial != nil {
		n = *partial
	}
	fill := func(s *string) {
		if *s == "" {
			*s = NotDocumented
		}
	}
	fill(&n.ChiefComplaint)
	fill(&n.HistoryOfPresentIllness)
	fill(&n.Examination)
	fill(&n.Assessment)
	fill(&n.Plan)
	fill(&n.FollowUp)
	if len(n.Medications) == 0 {
		n.Medications = []string{NotDocumented}
	}
	if len(n.Allergies) == 0 {
		n.Allergies = []string{NotDocumented}
	}
	return n
}

type NoteSource string

const (
	NoteSourceGenerated NoteSource = "generated"
	NoteSourceTemplate  NoteSource = "template"
	NoteSourceClinician NoteSource = "clinician"
)

type ClinicalNote struct {
	ConsultationID string         `json:"consultation_id"`
	Content        StructuredNote `json:"content"`
	Source         NoteSource     `json:"source"`
	Version        int64          `json:"version"`
	EditedBy       string         `json:"edited_by,omitempty"`
	// LastOperationID is the sync operation that wrote this version, if any.
	LastOperationID string    `json:"last_operation_id,omitempty"`
	ConflictFlag    bool      `json:"conflict_flag"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
