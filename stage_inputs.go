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
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/carenote/carenote/internal/apierror"
	"github.com/carenote/carenote/internal/blobstore"
	"github.com/carenote/carenote/model"
)

type transcriptionInput struct {
	AudioHash    string `json:"audio_hash"`
	LanguageCode string `json:"language_code"`
}

type noteInput struct {
	Transcript   model.Transcript       `json:"transcript"`
	LanguageCode string                 `json:"language_code"`
	Context      map[string]interface{} `json:"context,omitempty"`
}

type riskInput struct {
	Note        model.StructuredNote `json:"note"`
	DateOfBirth string               `json:"date_of_birth,omitempty"`
	Sex         string               `json:"sex,omitempty"`
}

type instructionInput struct {
	Assessment   string   `json:"assessment"`
	Plan         string   `json:"plan"`
	Medications  []string `json:"medications"`
	FollowUp     string   `json:"follow_up"`
	LanguageCode string   `json:"language_code"`
}

type synthesisInput struct {
	Text         string `json:"text"`
	LanguageCode string `json:"language_code"`
}

// buildStageInput assembles the canonical input of capability from what earlier
// stages produced, and fingerprints it. Risk scoring and instructions read the
// last accepted note, so a clinician edit replaces the generated one.
func (c *Carenote) buildStageInput(ctx context.Context, rec *model.ConsultationRecord, capability model.Capability) (*StageInput, error) {
	in := &StageInput{ConsultationID: rec.ConsultationID, Capability: capability}

	switch capability {
	case model.CapabilityTranscription:
		audio, err := c.blobs.Get(ctx, rec.AudioRef)
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, InvalidError("consultation audio is missing", err)
		}
		if err != nil {
			return nil, err
		}
		in.Audio = audio
		in.Input = transcriptionInput{AudioHash: rec.AudioHash, LanguageCode: rec.LanguageCode}

	case model.CapabilityNoteGeneration:
		var transcript model.Transcript
		if err := c.priorOutput(ctx, rec.ConsultationID, model.CapabilityTranscription, &transcript); err != nil {
			return nil, err
		}
		in.Input = noteInput{Transcript: transcript, LanguageCode: rec.LanguageCode, Context: rec.Metadata}

	case model.CapabilityRiskScoring:
		note, err := c.acceptedNote(ctx, rec.ConsultationID)
		if err != nil {
			return nil, err
		}
		input := riskInput{Note: note.Content}
		if p, err := c.datasource.GetPatient(ctx, rec.PatientID); err == nil {
			input.DateOfBirth = p.Demographics.DateOfBirth
			input.Sex = p.Demographics.Sex
		}
		in.Input = input

	case model.CapabilityInstruction:
		note, err := c.acceptedNote(ctx, rec.ConsultationID)
		if err != nil {
			return nil, err
		}
		in.Input = instructionInput{
			Assessment:   note.Content.Assessment,
			Plan:         note.Content.Plan,
			Medications:  note.Content.Medications,
			FollowUp:     note.Content.FollowUp,
			LanguageCode: c.instructionLanguage(ctx, rec),
		}

	case model.CapabilityAudioSynthesis:
		var instructions model.PatientInstructions
		if err := c.priorOutput(ctx, rec.ConsultationID, model.CapabilityInstruction, &instructions); err != nil {
			return nil, err
		}
		in.Input = synthesisInput{Text: instructions.Text, LanguageCode: instructions.LanguageCode}

	default:
		return nil, fmt.Errorf("unknown capability %q", capability)
	}

	fp, err := model.Fingerprint(rec.ConsultationID, capability, in.Input)
	if err != nil {
		return nil, err
	}
	in.Fingerprint = fp
	return in, nil
}

// priorOutput decodes the successful result of an earlier capability into v.
func (c *Carenote) priorOutput(ctx context.Context, consultationID string, capability model.Capability, v interface{}) error {
	result, err := c.datasource.GetStageResult(ctx, consultationID, capability)
	if apierror.Is(err, apierror.ErrNotFound) || (err == nil && !result.Succeeded()) {
		return InvalidError(fmt.Sprintf("no successful %s result for consultation %s", capability, consultationID), err)
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(result.Payload, v); err != nil {
		return InvalidError(fmt.Sprintf("stored %s result is unreadable", capability), err)
	}
	return nil
}

func (c *Carenote) acceptedNote(ctx context.Context, consultationID string) (*model.ClinicalNote, error) {
	note, err := c.datasource.GetNote(ctx, consultationID)
	if apierror.Is(err, apierror.ErrNotFound) {
		return nil, InvalidError(fmt.Sprintf("consultation %s has no note", consultationID), err)
	}
	return note, err
}

func (c *Carenote) instructionLanguage(ctx context.Context, rec *model.ConsultationRecord) string {
	if p, err := c.datasource.GetPatient(ctx, rec.PatientID); err == nil && p.Demographics.PreferredLanguage != "" {
		return p.Demographics.PreferredLanguage
	}
	return rec.LanguageCode
}
