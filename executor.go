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

package carenote

import (
	"bytes"
	"context"
	"embed"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/carenote/carenote/internal/apierror"
	"github.com/carenote/carenote/model"
)

// StageInput is what a stage executor receives. Input is the canonical,
// fingerprinted input; Audio, Clarify and Hint are not part of the fingerprint.
type StageInput struct {
	ConsultationID string           `json:"consultation_id"`
	Capability     model.Capability `json:"capability"`
	Fingerprint    string           `json:"fingerprint"`
	Input          interface{}      `json:"input"`
	Audio          []byte           `json:"audio,omitempty"`
	Attempt        int              `json:"attempt"`
	Clarify        bool             `json:"clarify,omitempty"`
	Hint           string           `json:"hint,omitempty"`
}

type StageOutput struct {
	Payload    json.RawMessage `json:"output"`
	Confidence *float64        `json:"confidence,omitempty"`
}

// StageExecutor is implemented by every external enrichment capability.
// Execute must be safe to call more than once with the same input, and any
// artifact it writes must be keyed by the input's fingerprint so a retry
// overwrites rather than duplicates.
type StageExecutor interface {
	Execute(ctx context.Context, in *StageInput) (*StageOutput, error)
}

type ExecutorFunc func(ctx context.Context, in *StageInput) (*StageOutput, error)

func (f ExecutorFunc) Execute(ctx context.Context, in *StageInput) (*StageOutput, error) {
	return f(ctx, in)
}

func TransientError(message string, cause error) error {
	return apierror.Wrap(apierror.ErrTransient, message, cause)
}

func InvalidError(message string, cause error) error {
	return apierror.Wrap(apierror.ErrInvalidInput, message, cause)
}

func CapacityError(message string, cause error) error {
	return apierror.Wrap(apierror.ErrCapacity, message, cause)
}

func FatalConfigError(message string, cause error) error {
	return apierror.Wrap(apierror.ErrFatalConfig, message, cause)
}

//go:embed schema/*.json
var schemaFiles embed.FS

const noteSchemaURL = "https://carenote.dev/schema/structured_note.json"

var noteSchema = mustCompileNoteSchema()

func mustCompileNoteSchema() *jsonschema.Schema {
	raw, err := schemaFiles.ReadFile("schema/structured_note.json")
	if err != nil {
		panic(err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(noteSchemaURL, doc); err != nil {
		panic(err)
	}
	return compiler.MustCompile(noteSchemaURL)
}

// ValidateNote checks note generation output against the structured note
// schema. On failure it still returns whatever fields could be decoded, so the
// template fallback can keep them.
func ValidateNote(raw json.RawMessage) (*model.StructuredNote, error) {
	var partial model.StructuredNote
	_ = json.Unmarshal(raw, &partial)

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &partial, InvalidError("note output is not JSON", err)
	}
	if err := noteSchema.Validate(doc); err != nil {
		return &partial, InvalidError(fmt.Sprintf("note output does not match schema: %s", firstLine(err.Error())), err)
	}
	return &partial, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// decodeOutput checks the shape of a capability's output. Malformed output is
// an Invalid failure.
func decodeOutput(capability model.Capability, out *StageOutput) (interface{}, error) {
	if out == nil || len(out.Payload) == 0 {
		return nil, InvalidError(fmt.Sprintf("%s returned no output", capability), nil)
	}

	switch capability {
	case model.CapabilityTranscription:
		var t model.Transcript
		if err := json.Unmarshal(out.Payload, &t); err != nil || strings.TrimSpace(t.Text) == "" {
			return nil, InvalidError("transcript has no text", err)
		}
		return &t, nil
	case model.CapabilityNoteGeneration:
		return ValidateNote(out.Payload)
	case model.CapabilityRiskScoring:
		var r model.RiskScore
		if err := json.Unmarshal(out.Payload, &r); err != nil || r.Level == "" {
			return nil, InvalidError("risk score has no level", err)
		}
		return &r, nil
	case model.CapabilityInstruction:
		var p model.PatientInstructions
		if err := json.Unmarshal(out.Payload, &p); err != nil || strings.TrimSpace(p.Text) == "" {
			return nil, InvalidError("instructions have no text", err)
		}
		return &p, nil
	case model.CapabilityAudioSynthesis:
		var a model.SynthesizedAudio
		if err := json.Unmarshal(out.Payload, &a); err != nil || a.AudioBase64 == "" {
			return nil, InvalidError("synthesized audio is empty", err)
		}
		if _, err := base64.StdEncoding.DecodeString(a.AudioBase64); err != nil {
			return nil, InvalidError("synthesized audio is not base64", err)
		}
		return &a, nil
	}
	return nil, fmt.Errorf("unknown capability %q", capability)
}
