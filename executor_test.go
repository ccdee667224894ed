package carenote

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carenote/carenote/config"
	"github.com/carenote/carenote/internal/apierror"
	"github.com/carenote/carenote/model"
)

func TestValidateNote(t *testing.T) {
	raw, err := json.Marshal(sampleNote())
	require.NoError(t, err)
	note, err := ValidateNote(raw)
	require.NoError(t, err)
	assert.Equal(t, sampleNote().Plan, note.Plan)

	partial := json.RawMessage(`{"chief_complaint":"Headache","plan":"Rest"}`)
	note, err = ValidateNote(partial)
	assert.Equal(t, apierror.ErrInvalidInput, apierror.CodeOf(err))
	assert.Equal(t, "Headache", note.ChiefComplaint)

	_, err = ValidateNote(json.RawMessage(`not json`))
	assert.Equal(t, apierror.ErrInvalidInput, apierror.CodeOf(err))

	extra := json.RawMessage(`{"chief_complaint":"a","history_of_present_illness":"b","examination":"c","assessment":"d","plan":"e","medications":[],"allergies":[],"follow_up":"f","diagnosis_code":"J06"}`)
	_, err = ValidateNote(extra)
	assert.Equal(t, apierror.ErrInvalidInput, apierror.CodeOf(err))
}

func TestDecodeOutput(t *testing.T) {
	tests := []struct {
		name       string
		capability model.Capability
		payload    string
		wantErr    bool
	}{
		{"transcript", model.CapabilityTranscription, `{"language_code":"en","text":"hello"}`, false},
		{"empty transcript", model.CapabilityTranscription, `{"language_code":"en","text":"  "}`, true},
		{"risk", model.CapabilityRiskScoring, `{"score":"0.4","level":"medium"}`, false},
		{"risk without level", model.CapabilityRiskScoring, `{"score":"0.4"}`, true},
		{"instructions", model.CapabilityInstruction, `{"language_code":"sw","text":"Pumzika"}`, false},
		{"audio not base64", model.CapabilityAudioSynthesis, `{"content_type":"audio/ogg","audio_base64":"%%%"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeOutput(tt.capability, &StageOutput{Payload: json.RawMessage(tt.payload)})
			if tt.wantErr {
				assert.Equal(t, apierror.ErrInvalidInput, apierror.CodeOf(err))
				return
			}
			assert.NoError(t, err)
		})
	}

	_, err := decodeOutput(model.CapabilityTranscription, nil)
	assert.Equal(t, apierror.ErrInvalidInput, apierror.CodeOf(err))
}

func TestHTTPExecutor_Execute(t *testing.T) {
	const endpoint = "https://asr.example.org/v1/transcribe"
	exec := NewHTTPExecutor(model.CapabilityTranscription, config.CapabilityConfig{Endpoint: endpoint, APIKey: "k-123"})
	httpmock.ActivateNonDefault(exec.client)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, endpoint, func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "fp-1", req.Header.Get("Idempotency-Key"))
		assert.Equal(t, "Bearer k-123", req.Header.Get("Authorization"))
		assert.Equal(t, "transcription", req.Header.Get("X-Capability"))
		return httpmock.NewJsonResponse(http.StatusOK, map[string]interface{}{
			"output": map[string]string{"language_code": "en", "text": "cough for two days"},
		})
	})

	out, err := exec.Execute(context.Background(), &StageInput{
		ConsultationID: "con_1",
		Capability:     model.CapabilityTranscription,
		Fingerprint:    "fp-1",
		Attempt:        1,
	})
	require.NoError(t, err)
	var transcript model.Transcript
	require.NoError(t, json.Unmarshal(out.Payload, &transcript))
	assert.Equal(t, "cough for two days", transcript.Text)
}

func TestHTTPExecutor_Classification(t *testing.T) {
	const endpoint = "https://notes.example.org/v1/generate"
	tests := []struct {
		status int
		want   apierror.ErrorCode
	}{
		{http.StatusBadRequest, apierror.ErrInvalidInput},
		{http.StatusUnprocessableEntity, apierror.ErrInvalidInput},
		{http.StatusUnauthorized, apierror.ErrFatalConfig},
		{http.StatusTooManyRequests, apierror.ErrCapacity},
		{http.StatusServiceUnavailable, apierror.ErrCapacity},
		{http.StatusBadGateway, apierror.ErrTransient},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			exec := NewHTTPExecutor(model.CapabilityNoteGeneration, config.CapabilityConfig{Endpoint: endpoint})
			httpmock.ActivateNonDefault(exec.client)
			defer httpmock.DeactivateAndReset()
			httpmock.RegisterResponder(http.MethodPost, endpoint, httpmock.NewStringResponder(tt.status, `{"error":"x"}`))

			_, err := exec.Execute(context.Background(), &StageInput{Capability: model.CapabilityNoteGeneration})
			assert.Equal(t, tt.want, apierror.CodeOf(err))
		})
	}
}

func TestHTTPExecutor_Misconfigured(t *testing.T) {
	_, err := NewHTTPExecutor(model.CapabilityRiskScoring, config.CapabilityConfig{}).
		Execute(context.Background(), &StageInput{})
	assert.Equal(t, apierror.ErrFatalConfig, apierror.CodeOf(err))

	_, err = NewHTTPExecutor(model.CapabilityRiskScoring, config.CapabilityConfig{Endpoint: "https://risk.example.org", RequireAPIKey: true}).
		Execute(context.Background(), &StageInput{})
	assert.Equal(t, apierror.ErrFatalConfig, apierror.CodeOf(err))
}
