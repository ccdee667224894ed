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
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/carenote/carenote/internal/apierror"
	redlock "github.com/carenote/carenote/internal/lock"
	"github.com/carenote/carenote/model"
)

const deviceLeaseTTL = 2 * time.Minute

// Sync applies a device's batch in submission order and returns the server
// changes recorded after the device's cursor. Every operation gets its own
// outcome; a failing operation never blocks the rest of the batch.
func (c *Carenote) Sync(ctx context.Context, env model.SyncEnvelope) (*model.SyncResponse, error) {
	ctx, span := tracer.Start(ctx, "Sync")
	defer span.End()
	span.SetAttributes(
		attribute.String("sync.device_id", env.DeviceID),
		attribute.Int("sync.operations", len(env.Operations)),
	)

	if env.DeviceID == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "device_id is required", nil)
	}
	if max := c.conf.Sync.MaxBatchOperations; max > 0 && len(env.Operations) > max {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput,
			fmt.Sprintf("batch of %d operations exceeds the limit of %d", len(env.Operations), max), nil)
	}
	seq, err := model.DecodeCursor(env.Cursor)
	if err != nil {
		return nil, apierror.Wrap(apierror.ErrInvalidInput, "cursor is not valid", err)
	}

	if err := c.syncSlots.Acquire(ctx, 1); err != nil {
		return nil, apierror.Wrap(apierror.ErrCapacity, "sync capacity exhausted", err)
	}
	defer c.syncSlots.Release(1)

	lease, err := c.leaser.Acquire(ctx, "sync:"+env.DeviceID, deviceLeaseTTL,
		time.Duration(c.conf.Pipeline.ConsultationWaitSec)*time.Second)
	if err != nil {
		if redlock.IsHeld(err) {
			return nil, apierror.Wrap(apierror.ErrLeaseNotAcquired, "a batch from this device is already being applied", err)
		}
		return nil, err
	}
	defer func() {
		if err := lease.Unlock(context.Background()); err != nil {
			logrus.WithError(err).Warnf("failed to release sync lease for device %s", env.DeviceID)
		}
	}()

	resp := &model.SyncResponse{
		SyncedOperationIDs:    []string{},
		FailedOperations:      []model.FailedOperation{},
		Conflicts:             []model.SyncConflict{},
		Outcomes:              make([]model.OperationOutcome, 0, len(env.Operations)),
		NewRecordsSinceCursor: []model.ChangeRecord{},
	}
	for _, op := range env.Operations {
		outcome, retryable, conflict := c.syncOperation(ctx, env.DeviceID, op)
		resp.Outcomes = append(resp.Outcomes, *outcome)
		switch {
		case outcome.Synced():
			resp.SyncedOperationIDs = append(resp.SyncedOperationIDs, op.OperationID)
		default:
			resp.FailedOperations = append(resp.FailedOperations, model.FailedOperation{
				OperationID: op.OperationID,
				Reason:      outcome.Reason,
				Retryable:   retryable,
			})
		}
		if conflict != nil {
			resp.Conflicts = append(resp.Conflicts, *conflict)
		}
	}

	changes, err := c.datasource.GetChangesSince(ctx, seq, c.conf.Sync.PageSize)
	if err != nil {
		return nil, err
	}
	resp.NewRecordsSinceCursor = append(resp.NewRecordsSinceCursor, changes...)
	if n := len(changes); n > 0 {
		seq = changes[n-1].Sequence
	}
	resp.NewCursor = model.EncodeCursor(seq)
	resp.HasMore = c.conf.Sync.PageSize > 0 && len(changes) == c.conf.Sync.PageSize
	return resp, nil
}

// syncOperation applies op once per idempotency key. Outcomes that a retry
// could change are not recorded.
func (c *Carenote) syncOperation(ctx context.Context, deviceID string, op model.SyncOperation) (*model.OperationOutcome, bool, *model.SyncConflict) {
	if op.OperationID == "" {
		return rejected(op, "operation_id is required", c.now()), false, nil
	}

	if prior, err := c.datasource.GetSyncOutcome(ctx, deviceID, op.OperationID); err == nil {
		prior.Replayed = true
		return prior, false, conflictOf(prior)
	} else if !apierror.Is(err, apierror.ErrNotFound) {
		return rejected(op, err.Error(), c.now()), true, nil
	}

	outcome, err := c.applyOperation(ctx, deviceID, op)
	if err != nil {
		retryable := apierror.IsRetryable(err) || apierror.CodeOf(err) == apierror.ErrInternalServer
		outcome = rejected(op, err.Error(), c.now())
		if retryable {
			c.emitOutcome(deviceID, outcome)
			return outcome, true, nil
		}
	}

	if err := c.datasource.SaveSyncOutcome(ctx, deviceID, outcome); err != nil {
		// Without a recorded outcome the device has to resend the operation.
		logrus.WithError(err).WithField("operation_id", op.OperationID).Error("failed to record sync outcome")
		unrecorded := rejected(op, apierror.Wrap(apierror.ErrTransient, "sync outcome was not recorded", err).Error(), c.now())
		c.emitOutcome(deviceID, unrecorded)
		return unrecorded, true, nil
	}
	c.emitOutcome(deviceID, outcome)
	return outcome, false, conflictOf(outcome)
}

func (c *Carenote) emitOutcome(deviceID string, outcome *model.OperationOutcome) {
	c.emit("", "sync.operation_"+string(outcome.Status), outcome.EntityID, map[string]interface{}{
		"device_id":    deviceID,
		"operation_id": outcome.OperationID,
		"kind":         outcome.Kind,
		"status":       outcome.Status,
		"conflict_id":  outcome.ConflictID,
	})
}

func rejected(op model.SyncOperation, reason string, at time.Time) *model.OperationOutcome {
	return &model.OperationOutcome{
		OperationID: op.OperationID,
		Kind:        op.Kind,
		EntityID:    op.EntityID,
		Status:      model.OutcomeRejected,
		Reason:      reason,
		RecordedAt:  at,
	}
}

func conflictOf(o *model.OperationOutcome) *model.SyncConflict {
	if o.Status != model.OutcomeConflicted {
		return nil
	}
	kind := model.EntityConsultation
	if o.Kind == model.OpUpdateNote {
		kind = model.EntityNote
	}
	return &model.SyncConflict{ConflictID: o.ConflictID, EntityKind: kind, EntityID: o.EntityID, Policy: PolicyFor(kind)}
}

func decodePayload(op model.SyncOperation, v interface{}) error {
	if len(op.Payload) == 0 {
		return apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("%s requires a payload", op.Kind), nil)
	}
	if err := json.Unmarshal(op.Payload, v); err != nil {
		return apierror.Wrap(apierror.ErrInvalidInput, fmt.Sprintf("%s payload is malformed", op.Kind), err)
	}
	return nil
}

func (c *Carenote) applyOperation(ctx context.Context, deviceID string, op model.SyncOperation) (*model.OperationOutcome, error) {
	if op.EntityID == "" && op.Kind != model.OpUploadChunk {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "entity_id is required", nil)
	}

	var (
		outcome *model.OperationOutcome
		err     error
	)
	switch op.Kind {
	case model.OpCreatePatient:
		outcome, err = c.syncCreatePatient(ctx, deviceID, op)
	case model.OpCreateConsultation:
		outcome, err = c.syncCreateConsultation(ctx, deviceID, op)
	case model.OpUpdateDemographics:
		outcome, err = c.syncUpdateDemographics(ctx, op)
	case model.OpUpdateConsultation:
		outcome, err = c.syncUpdateConsultation(ctx, deviceID, op)
	case model.OpUpdateNote:
		outcome, err = c.syncUpdateNote(ctx, deviceID, op)
	case model.OpUploadChunk:
		outcome, err = c.syncUploadChunk(ctx, op)
	default:
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unknown operation kind %q", op.Kind), nil)
	}
	if err != nil {
		return nil, err
	}
	outcome.OperationID = op.OperationID
	outcome.Kind = op.Kind
	if outcome.EntityID == "" {
		outcome.EntityID = op.EntityID
	}
	outcome.RecordedAt = c.now()
	return outcome, nil
}

func (c *Carenote) syncCreatePatient(ctx context.Context, deviceID string, op model.SyncOperation) (*model.OperationOutcome, error) {
	var payload model.CreatePatientPayload
	if err := decodePayload(op, &payload); err != nil {
		return nil, err
	}
	editedAt := op.ClientTimestamp
	if editedAt.IsZero() {
		editedAt = c.now()
	}
	patient := &model.Patient{
		PatientID:             op.EntityID,
		Demographics:          payload.Demographics,
		DemographicsUpdatedAt: editedAt,
		OriginDeviceID:        deviceID,
	}
	err := c.datasource.CreatePatient(ctx, patient)
	if apierror.Is(err, apierror.ErrConflict) {
		existing, err := c.datasource.GetPatient(ctx, op.EntityID)
		if err != nil {
			return nil, err
		}
		return &model.OperationOutcome{Status: model.OutcomeApplied, Reason: "exists", Version: existing.Version}, nil
	}
	if err != nil {
		return nil, err
	}
	return &model.OperationOutcome{Status: model.OutcomeApplied, Version: patient.Version}, nil
}

func (c *Carenote) syncCreateConsultation(ctx context.Context, deviceID string, op model.SyncOperation) (*model.OperationOutcome, error) {
	var payload model.CreateConsultationPayload
	if err := decodePayload(op, &payload); err != nil {
		return nil, err
	}
	if payload.PatientID == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "patient_id is required", nil)
	}
	if _, err := c.datasource.GetPatient(ctx, payload.PatientID); err != nil {
		if apierror.Is(err, apierror.ErrNotFound) {
			// The patient may arrive in a later batch.
			return nil, apierror.Wrap(apierror.ErrTransient, fmt.Sprintf("patient %s is not synced yet", payload.PatientID), err)
		}
		return nil, err
	}

	rec := &model.ConsultationRecord{
		ConsultationID: op.EntityID,
		PatientID:      payload.PatientID,
		DeviceID:       deviceID,
		Stage:          model.StagePending,
		Metadata:       payload.Metadata,
		LanguageCode:   payload.LanguageCode,
		RecordedAt:     payload.RecordedAt,
	}
	err := c.datasource.CreateConsultation(ctx, rec)
	if apierror.Is(err, apierror.ErrConflict) {
		existing, err := c.datasource.GetConsultation(ctx, op.EntityID)
		if err != nil {
			return nil, err
		}
		return &model.OperationOutcome{Status: model.OutcomeApplied, Reason: "exists", Version: existing.MetadataVersion}, nil
	}
	if err != nil {
		return nil, err
	}
	return &model.OperationOutcome{Status: model.OutcomeApplied, Version: rec.MetadataVersion}, nil
}

// syncUpdateDemographics applies last-writer-wins on a stale base: the edit
// with the later client timestamp is kept.
func (c *Carenote) syncUpdateDemographics(ctx context.Context, op model.SyncOperation) (*model.OperationOutcome, error) {
	var payload model.UpdateDemographicsPayload
	if err := decodePayload(op, &payload); err != nil {
		return nil, err
	}
	editedAt := payload.EditedAt
	if editedAt.IsZero() {
		editedAt = op.ClientTimestamp
	}

	for round := 0; round < maxCommitRounds; round++ {
		patient, err := c.datasource.GetPatient(ctx, op.EntityID)
		if apierror.Is(err, apierror.ErrNotFound) {
			return nil, apierror.Wrap(apierror.ErrTransient, fmt.Sprintf("patient %s is not synced yet", op.EntityID), err)
		}
		if err != nil {
			return nil, err
		}
		stale := op.BaseVersion != patient.Version
		if stale && !editedAt.After(patient.DemographicsUpdatedAt) {
			return &model.OperationOutcome{
				Status:  model.OutcomeSuperseded,
				Reason:  "a newer edit of these demographics is already applied",
				Version: patient.Version,
			}, nil
		}

		patient.Demographics = payload.Demographics
		patient.DemographicsUpdatedAt = editedAt
		err = c.datasource.UpdatePatient(ctx, patient)
		if apierror.Is(err, apierror.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return nil, err
		}
		outcome := &model.OperationOutcome{Status: model.OutcomeApplied, Version: patient.Version}
		if stale {
			outcome.Reason = "last_writer_wins"
		}
		return outcome, nil
	}
	return nil, apierror.NewAPIError(apierror.ErrVersionMismatch,
		fmt.Sprintf("patient %s kept changing while applying demographics", op.EntityID), nil)
}

// syncUpdateConsultation applies metadata edits. An edit against a stale
// metadata version is appended as a new consultation derived from the current one.
func (c *Carenote) syncUpdateConsultation(ctx context.Context, deviceID string, op model.SyncOperation) (*model.OperationOutcome, error) {
	var payload model.UpdateConsultationPayload
	if err := decodePayload(op, &payload); err != nil {
		return nil, err
	}

	for round := 0; round < maxCommitRounds; round++ {
		rec, err := c.datasource.GetConsultation(ctx, op.EntityID)
		if err != nil {
			return nil, err
		}
		if op.BaseVersion != rec.MetadataVersion {
			return c.appendDerivedConsultation(ctx, deviceID, op, rec, payload)
		}

		next := rec.Clone()
		next.Metadata = payload.Metadata
		next.MetadataVersion++
		err = c.datasource.UpdateConsultation(ctx, next)
		if apierror.Is(err, apierror.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &model.OperationOutcome{Status: model.OutcomeApplied, Version: next.MetadataVersion}, nil
	}
	return nil, apierror.NewAPIError(apierror.ErrVersionMismatch,
		fmt.Sprintf("consultation %s kept changing while applying metadata", op.EntityID), nil)
}

func (c *Carenote) appendDerivedConsultation(ctx context.Context, deviceID string, op model.SyncOperation, current *model.ConsultationRecord, payload model.UpdateConsultationPayload) (*model.OperationOutcome, error) {
	derived := &model.ConsultationRecord{
		ConsultationID: model.GenerateUUIDWithSuffix("con"),
		PatientID:      current.PatientID,
		DeviceID:       deviceID,
		Stage:          model.StagePending,
		Metadata:       payload.Metadata,
		LanguageCode:   current.LanguageCode,
		DerivedFrom:    current.ConsultationID,
		RecordedAt:     current.RecordedAt,
	}
	if err := c.datasource.CreateConsultation(ctx, derived); err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"consultation_id": current.ConsultationID,
		"derived_id":      derived.ConsultationID,
		"base_version":    op.BaseVersion,
	}).Info("stale consultation edit appended as a new record")

	return &model.OperationOutcome{
		Status:  model.OutcomeConflicted,
		Reason:  fmt.Sprintf("appended as %s", derived.ConsultationID),
		Version: current.MetadataVersion,
	}, nil
}

// syncUpdateNote applies a clinician note edit. A stale base keeps both
// versions and opens a manual-review conflict.
func (c *Carenote) syncUpdateNote(ctx context.Context, deviceID string, op model.SyncOperation) (*model.OperationOutcome, error) {
	var payload model.UpdateNotePayload
	if err := decodePayload(op, &payload); err != nil {
		return nil, err
	}
	if _, err := c.datasource.GetConsultation(ctx, op.EntityID); err != nil {
		return nil, err
	}

	note, err := c.datasource.GetNote(ctx, op.EntityID)
	switch {
	case apierror.Is(err, apierror.ErrNotFound):
		if op.BaseVersion != 0 {
			return nil, apierror.NewAPIError(apierror.ErrInvalidInput,
				fmt.Sprintf("consultation %s has no note at version %d", op.EntityID, op.BaseVersion), nil)
		}
		note = &model.ClinicalNote{ConsultationID: op.EntityID}
	case err != nil:
		return nil, err
	case note.LastOperationID == op.OperationID:
		// Retransmission of an edit whose outcome was never recorded.
		return &model.OperationOutcome{Status: model.OutcomeApplied, Reason: "replayed", Version: note.Version}, nil
	case note.Version != op.BaseVersion:
		return c.raiseNoteConflict(ctx, deviceID, op, note, payload)
	}

	note.Content = payload.Note
	note.Source = model.NoteSourceClinician
	note.EditedBy = deviceID
	note.LastOperationID = op.OperationID
	err = c.datasource.SaveNote(ctx, note)
	if apierror.Is(err, apierror.ErrVersionMismatch) {
		// Lost a race with another device; the stored note is now newer than our base.
		current, getErr := c.datasource.GetNote(ctx, op.EntityID)
		if getErr != nil {
			return nil, getErr
		}
		return c.raiseNoteConflict(ctx, deviceID, op, current, payload)
	}
	if err != nil {
		return nil, err
	}
	return &model.OperationOutcome{Status: model.OutcomeApplied, Version: note.Version}, nil
}

func (c *Carenote) syncUploadChunk(ctx context.Context, op model.SyncOperation) (*model.OperationOutcome, error) {
	var payload model.UploadChunkPayload
	if err := decodePayload(op, &payload); err != nil {
		return nil, err
	}
	ack, err := c.PutChunk(ctx, payload.SessionID, payload.Offset, payload.Data, payload.ChunkHash)
	if err != nil {
		return nil, err
	}
	outcome := &model.OperationOutcome{
		Status:   model.OutcomeApplied,
		EntityID: payload.SessionID,
		Version:  ack.ResumeFromOffset,
	}
	if ack.Duplicate {
		outcome.Reason = "duplicate"
	}
	return outcome, nil
}
