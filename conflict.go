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
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/texttheater/golang-levenshtein/levenshtein"

	"github.com/carenote/carenote/internal/apierror"
	"github.com/carenote/carenote/internal/hooks"
	"github.com/carenote/carenote/model"
)

// PolicyFor returns how a stale update of kind is reconciled.
func PolicyFor(kind model.EntityKind) model.ConflictPolicy {
	switch kind {
	case model.EntityPatient:
		return model.PolicyLastWriterWins
	case model.EntityConsultation:
		return model.PolicyAppendOnly
	default:
		return model.PolicyManualReview
	}
}

// ConflictDecision is a reviewer's resolution of a manual-review conflict.
// Note is required when Resolution is merged.
type ConflictDecision struct {
	Resolution string                `json:"resolution"`
	Note       *model.StructuredNote `json:"note,omitempty"`
	ResolvedBy string                `json:"resolved_by"`
}

// noteDistance summarizes how far two note versions diverge.
func noteDistance(existing, incoming []byte) int {
	return levenshtein.DistanceForStrings([]rune(string(existing)), []rune(string(incoming)), levenshtein.DefaultOptions)
}

// raiseNoteConflict keeps the stored note untouched, records the incoming edit
// on an open ConflictRecord and flags the note and its consultation.
func (c *Carenote) raiseNoteConflict(ctx context.Context, deviceID string, op model.SyncOperation, existing *model.ClinicalNote, payload model.UpdateNotePayload) (*model.OperationOutcome, error) {
	existingPayload, err := json.Marshal(existing.Content)
	if err != nil {
		return nil, err
	}
	incomingPayload, err := json.Marshal(payload.Note)
	if err != nil {
		return nil, err
	}
	editedAt := payload.EditedAt
	if editedAt.IsZero() {
		editedAt = op.ClientTimestamp
	}

	conflict := &model.ConflictRecord{
		EntityKind:          model.EntityNote,
		EntityID:            existing.ConsultationID,
		ConsultationID:      existing.ConsultationID,
		Policy:              model.PolicyManualReview,
		ExistingVersion:     existing.Version,
		ExistingPayload:     existingPayload,
		IncomingBaseVersion: op.BaseVersion,
		IncomingPayload:     incomingPayload,
		IncomingDeviceID:    deviceID,
		IncomingEditedAt:    editedAt,
		EditDistance:        noteDistance(existingPayload, incomingPayload),
	}
	if err := c.datasource.CreateConflict(ctx, conflict); err != nil {
		return nil, err
	}

	if err := c.setConflictFlags(ctx, existing.ConsultationID, true); err != nil {
		return nil, err
	}
	c.emit(hooks.ConflictHook, "conflict.raised", existing.ConsultationID, map[string]interface{}{
		"conflict_id":      conflict.ConflictID,
		"entity_kind":      conflict.EntityKind,
		"existing_version": conflict.ExistingVersion,
		"base_version":     conflict.IncomingBaseVersion,
		"edit_distance":    conflict.EditDistance,
	})

	return &model.OperationOutcome{
		Status:     model.OutcomeConflicted,
		Reason:     fmt.Sprintf("note is at version %d, edit was based on %d", existing.Version, op.BaseVersion),
		ConflictID: conflict.ConflictID,
		Version:    existing.Version,
	}, nil
}

// setConflictFlags sets the conflict indicator on a consultation and its note.
func (c *Carenote) setConflictFlags(ctx context.Context, consultationID string, flagged bool) error {
	for round := 0; round < maxCommitRounds; round++ {
		note, err := c.datasource.GetNote(ctx, consultationID)
		if apierror.Is(err, apierror.ErrNotFound) {
			break
		}
		if err != nil {
			return err
		}
		if note.ConflictFlag == flagged {
			break
		}
		note.ConflictFlag = flagged
		err = c.datasource.SaveNote(ctx, note)
		if apierror.Is(err, apierror.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return err
		}
		break
	}

	for round := 0; round < maxCommitRounds; round++ {
		rec, err := c.datasource.GetConsultation(ctx, consultationID)
		if err != nil {
			return err
		}
		if rec.ConflictFlag == flagged {
			return nil
		}
		next := rec.Clone()
		next.ConflictFlag = flagged
		err = c.datasource.UpdateConsultation(ctx, next)
		if apierror.Is(err, apierror.ErrVersionMismatch) {
			continue
		}
		return err
	}
	return apierror.NewAPIError(apierror.ErrVersionMismatch,
		fmt.Sprintf("consultation %s kept changing while updating its conflict flag", consultationID), nil)
}

func (c *Carenote) GetConflict(ctx context.Context, conflictID string) (*model.ConflictRecord, error) {
	return c.datasource.GetConflict(ctx, conflictID)
}

func (c *Carenote) ListConflicts(ctx context.Context, status model.ConflictStatus, limit, offset int) ([]*model.ConflictRecord, error) {
	return c.datasource.ListConflicts(ctx, status, limit, offset)
}

// openConflictCount counts open conflicts that still reference consultationID.
func (c *Carenote) openConflictCount(ctx context.Context, consultationID string) (int, error) {
	const page = 100
	count := 0
	for offset := 0; ; offset += page {
		conflicts, err := c.datasource.ListConflicts(ctx, model.ConflictOpen, page, offset)
		if err != nil {
			return 0, err
		}
		for _, cf := range conflicts {
			if cf.ConsultationID == consultationID {
				count++
			}
		}
		if len(conflicts) < page {
			return count, nil
		}
	}
}

// ResolveConflict records a reviewer's decision, writes the chosen note
// content as the accepted note and clears the conflict indicator once no open
// conflict remains for the consultation.
func (c *Carenote) ResolveConflict(ctx context.Context, conflictID string, decision ConflictDecision) (*model.ConflictRecord, error) {
	ctx, span := tracer.Start(ctx, "ResolveConflict")
	defer span.End()

	if decision.ResolvedBy == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "resolved_by is required", nil)
	}
	conflict, err := c.datasource.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if conflict.Status != model.ConflictOpen {
		return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("conflict %s is already resolved", conflictID), nil)
	}

	var resolved json.RawMessage
	switch decision.Resolution {
	case model.ResolutionKeepExisting:
		resolved = conflict.ExistingPayload
	case model.ResolutionTakeIncoming:
		resolved = conflict.IncomingPayload
	case model.ResolutionMerged:
		if decision.Note == nil {
			return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "a merged resolution requires the merged note", nil)
		}
		if resolved, err = json.Marshal(decision.Note); err != nil {
			return nil, err
		}
	default:
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput,
			fmt.Sprintf("resolution must be %q, %q or %q", model.ResolutionKeepExisting, model.ResolutionTakeIncoming, model.ResolutionMerged), nil)
	}

	var content model.StructuredNote
	if err := json.Unmarshal(resolved, &content); err != nil {
		return nil, apierror.Wrap(apierror.ErrInvalidInput, "resolved note is malformed", err)
	}

	conflict.Resolution = decision.Resolution
	conflict.ResolvedPayload = resolved
	conflict.ResolvedBy = decision.ResolvedBy
	if err := c.datasource.ResolveConflict(ctx, conflict); err != nil {
		return nil, err
	}

	if err := c.writeResolvedNote(ctx, conflict.ConsultationID, content, decision.ResolvedBy); err != nil {
		return nil, err
	}

	open, err := c.openConflictCount(ctx, conflict.ConsultationID)
	if err != nil {
		return nil, err
	}
	if open == 0 {
		if err := c.setConflictFlags(ctx, conflict.ConsultationID, false); err != nil {
			return nil, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"conflict_id":     conflict.ConflictID,
		"consultation_id": conflict.ConsultationID,
		"resolution":      conflict.Resolution,
		"open_remaining":  open,
	}).Info("conflict resolved")
	c.emit(hooks.ConflictHook, "conflict.resolved", conflict.ConsultationID, map[string]interface{}{
		"conflict_id": conflict.ConflictID,
		"resolution":  conflict.Resolution,
		"resolved_by": conflict.ResolvedBy,
	})
	return conflict, nil
}

func (c *Carenote) writeResolvedNote(ctx context.Context, consultationID string, content model.StructuredNote, resolvedBy string) error {
	for round := 0; round < maxCommitRounds; round++ {
		note, err := c.datasource.GetNote(ctx, consultationID)
		if apierror.Is(err, apierror.ErrNotFound) {
			note = &model.ClinicalNote{ConsultationID: consultationID}
		} else if err != nil {
			return err
		}
		note.Content = content
		note.Source = model.NoteSourceClinician
		note.EditedBy = resolvedBy
		note.LastOperationID = ""
		err = c.datasource.SaveNote(ctx, note)
		if apierror.Is(err, apierror.ErrVersionMismatch) {
			continue
		}
		return err
	}
	return apierror.NewAPIError(apierror.ErrVersionMismatch,
		fmt.Sprintf("note %s kept changing while applying a resolution", consultationID), nil)
}

// DeleteConflict removes a resolved conflict. Open conflicts must be resolved first.
func (c *Carenote) DeleteConflict(ctx context.Context, conflictID string) error {
	conflict, err := c.datasource.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if conflict.Status == model.ConflictOpen {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("conflict %s must be resolved before it is deleted", conflictID), nil)
	}
	return c.datasource.DeleteConflict(ctx, conflictID)
}

