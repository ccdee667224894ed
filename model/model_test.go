package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateUUIDWithSuffix(t *testing.T) {
	module := "consultation"
	id := GenerateUUIDWithSuffix(module)
	assert.Contains(t, id, module+"_")
}

func TestFingerprintIgnoresKeyOrder(t *testing.T) {
	a := map[string]interface{}{"audio_ref": "audio/c1", "language_code": "sw", "nested": map[string]interface{}{"b": 2, "a": 1}}
	b := map[string]interface{}{"nested": map[string]interface{}{"a": 1, "b": 2}, "language_code": "sw", "audio_ref": "audio/c1"}

	fa, err := Fingerprint("c1", CapabilityTranscription, a)
	require.NoError(t, err)
	fb, err := Fingerprint("c1", CapabilityTranscription, b)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
}

func TestFingerprintSeparatesUnitsOfWork(t *testing.T) {
	input := map[string]string{"audio_ref": "audio/c1"}

	base, err := Fingerprint("c1", CapabilityTranscription, input)
	require.NoError(t, err)

	otherConsultation, err := Fingerprint("c2", CapabilityTranscription, input)
	require.NoError(t, err)
	otherCapability, err := Fingerprint("c1", CapabilityNoteGeneration, input)
	require.NoError(t, err)
	otherInput, err := Fingerprint("c1", CapabilityTranscription, map[string]string{"audio_ref": "audio/c1-b"})
	require.NoError(t, err)

	assert.NotEqual(t, base, otherConsultation)
	assert.NotEqual(t, base, otherCapability)
	assert.NotEqual(t, base, otherInput)
}

func TestCursorRoundTrip(t *testing.T) {
	seq, err := DecodeCursor("")
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)

	seq, err = DecodeCursor(EncodeCursor(4812))
	require.NoError(t, err)
	assert.Equal(t, int64(4812), seq)

	_, err = DecodeCursor("not-a-cursor")
	assert.Error(t, err)
}

func TestTemplateNoteKeepsKnownFields(t *testing.T) {
	note := TemplateNote(&StructuredNote{ChiefComplaint: "cough for 3 weeks", Medications: []string{"amoxicillin"}})

	assert.Equal(t, "cough for 3 weeks", note.ChiefComplaint)
	assert.Equal(t, []string{"amoxicillin"}, note.Medications)
	assert.Equal(t, NotDocumented, note.Assessment)
	assert.Equal(t, NotDocumented, note.Plan)
	assert.Equal(t, []string{NotDocumented}, note.Allergies)

	empty := TemplateNote(nil)
	assert.Equal(t, NotDocumented, empty.ChiefComplaint)
}

func TestStageOrdering(t *testing.T) {
	path := []Stage{StagePending, StageTranscribing, StageTranscribed, StageGeneratingNote,
		StageProcessed, StageScoringRisk, StageInstructing, StageComplete}
	for i := 1; i < len(path); i++ {
		assert.Greater(t, path[i].Order(), path[i-1].Order())
	}
	assert.Equal(t, -1, StageError.Order())
	assert.True(t, StageError.Valid())
	assert.False(t, Stage("SHIPPED").Valid())

	for _, c := range Capabilities {
		next, ok := NextCapability(c.ReadyStage())
		require.True(t, ok)
		if c != CapabilityAudioSynthesis {
			assert.Equal(t, c, next)
		}
		assert.True(t, c.InFlightStage().InFlight())
	}
}
