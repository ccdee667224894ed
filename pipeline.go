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
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/carenote/carenote/internal/apierror"
	"github.com/carenote/carenote/internal/blobstore"
	"github.com/carenote/carenote/internal/dedup"
	redlock "github.com/carenote/carenote/internal/lock"
	"github.com/carenote/carenote/internal/notification"
	"github.com/carenote/carenote/internal/retry"
	"github.com/carenote/carenote/model"
)

const (
	// maxJoinRounds bounds how often a follower re-joins after its leader abandoned the work.
	maxJoinRounds = 3
	// maxCommitRounds bounds compare-and-swap retries against concurrent metadata writes.
	maxCommitRounds = 5
	maxDriveSteps   = 10

	ReasonPartiallyTemplated = "partially_templated"
)

// GetConsultation retrieves a consultation, including its failure detail when in ERROR.
func (c *Carenote) GetConsultation(ctx context.Context, consultationID string) (*model.ConsultationRecord, error) {
	return c.datasource.GetConsultation(ctx, consultationID)
}

// GetStageResults lists the stored results of every capability that ran for a consultation.
func (c *Carenote) GetStageResults(ctx context.Context, consultationID string) ([]*model.StageResult, error) {
	if _, err := c.datasource.GetConsultation(ctx, consultationID); err != nil {
		return nil, err
	}
	return c.datasource.GetStageResults(ctx, consultationID)
}

// Drive runs stages back to back until the consultation stops moving. It is
// the synchronous counterpart of the stage pools.
func (c *Carenote) Drive(ctx context.Context, consultationID string) (*model.ConsultationRecord, error) {
	var rec *model.ConsultationRecord
	for i := 0; i < maxDriveSteps; i++ {
		before, err := c.datasource.GetConsultation(ctx, consultationID)
		if err != nil {
			return nil, err
		}
		rec, err = c.RunStage(ctx, consultationID)
		if err != nil {
			return rec, err
		}
		if rec.Stage == before.Stage && rec.AudioState == before.AudioState {
			return rec, nil
		}
	}
	return rec, nil
}

// acquireConsultation takes the per-consultation lease that serializes stage
// transitions. The lease is extended while held.
func (c *Carenote) acquireConsultation(ctx context.Context, consultationID string) (func(), error) {
	ttl := time.Duration(c.conf.Pipeline.ConsultationLeaseSec) * time.Second
	wait := time.Duration(c.conf.Pipeline.ConsultationWaitSec) * time.Second
	lease, err := c.leaser.Acquire(ctx, "consultation:"+consultationID, ttl, wait)
	if err != nil {
		if redlock.IsHeld(err) {
			return nil, apierror.Wrap(apierror.ErrLeaseNotAcquired,
				fmt.Sprintf("consultation %s is being processed by another worker", consultationID), err)
		}
		return nil, err
	}

	stop := keepAlive(ctx, ttl/3, func(ctx context.Context) error {
		return lease.Extend(ctx, ttl)
	})
	return func() {
		stop()
		if err := lease.Unlock(context.Background()); err != nil {
			logrus.WithError(err).Warnf("failed to release lease for consultation %s", consultationID)
		}
	}, nil
}

// keepAlive calls extend every interval until the returned stop function runs.
func keepAlive(ctx context.Context, every time.Duration, extend func(ctx context.Context) error) func() {
	if every <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := extend(ctx); err != nil {
					logrus.WithError(err).Warn("lease extension failed")
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// RunStage advances a consultation by the capability its current stage calls
// for. Instruction generation and audio synthesis run under one lease.
func (c *Carenote) RunStage(ctx context.Context, consultationID string) (*model.ConsultationRecord, error) {
	ctx, span := tracer.Start(ctx, "RunStage")
	defer span.End()
	span.SetAttributes(attribute.String("consultation.id", consultationID))

	release, err := c.acquireConsultation(ctx, consultationID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer release()

	rec, err := c.datasource.GetConsultation(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	capability, ok := model.NextCapability(rec.Stage)
	if !ok {
		return rec, nil
	}
	if capability == model.CapabilityTranscription && !rec.AudioReadyForPipeline() {
		return rec, nil
	}
	if rec.CancelRequested {
		return c.apply(ctx, rec, Event{Kind: EventFailed, Capability: capability, Message: model.ReasonCancelled}, nil)
	}

	if rec, err = c.begin(ctx, rec, capability); err != nil {
		span.RecordError(err)
		return rec, err
	}
	if rec, err = c.runCapability(ctx, rec, capability); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return rec, err
	}

	if capability == model.CapabilityInstruction && rec.Stage == model.StageInstructing && rec.AudioState == model.AudioPending {
		rec, err = c.runCapability(ctx, rec, model.CapabilityAudioSynthesis)
	}
	return rec, err
}

// begin moves the consultation into the in-flight stage of capability.
func (c *Carenote) begin(ctx context.Context, rec *model.ConsultationRecord, capability model.Capability) (*model.ConsultationRecord, error) {
	ev := Event{Kind: EventBegin, Capability: capability}
	for round := 0; round < maxCommitRounds; round++ {
		next, _, err := Transition(rec, ev)
		if err != nil {
			return rec, err
		}
		if next.Stage == rec.Stage {
			return rec, nil
		}
		err = c.datasource.UpdateConsultation(ctx, next)
		if apierror.Is(err, apierror.ErrVersionMismatch) {
			if rec, err = c.datasource.GetConsultation(ctx, rec.ConsultationID); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return rec, err
		}
		c.publishTransition(rec, next, ev)
		return next, nil
	}
	return rec, apierror.NewAPIError(apierror.ErrVersionMismatch,
		fmt.Sprintf("consultation %s kept changing while starting %s", rec.ConsultationID, capability), nil)
}

// stageFailure reports whether err should move the consultation rather than
// abort the run. Storage and connectivity problems abort; recovery retries them.
func stageFailure(err error) bool {
	switch apierror.CodeOf(err) {
	case apierror.ErrInvalidInput, apierror.ErrFatalConfig:
		return true
	}
	return false
}

func (c *Carenote) runCapability(ctx context.Context, rec *model.ConsultationRecord, capability model.Capability) (*model.ConsultationRecord, error) {
	in, err := c.buildStageInput(ctx, rec, capability)
	if err != nil {
		if !stageFailure(err) {
			return rec, err
		}
		return c.apply(ctx, rec, Event{
			Kind:       EventFailed,
			Capability: capability,
			Code:       apierror.CodeOf(err),
			Message:    err.Error(),
		}, nil)
	}

	result, ev, err := c.invoke(ctx, rec, in)
	if err != nil {
		return rec, err
	}
	return c.apply(ctx, rec, ev, result)
}

// invoke produces the result for one stage input. A stored success is reused;
// otherwise the dedup store decides whether this caller runs the executor or
// waits for the caller that already does.
func (c *Carenote) invoke(ctx context.Context, rec *model.ConsultationRecord, in *StageInput) (*model.StageResult, Event, error) {
	ctx, span := tracer.Start(ctx, "InvokeCapability")
	defer span.End()
	span.SetAttributes(
		attribute.String("consultation.id", rec.ConsultationID),
		attribute.String("capability", string(in.Capability)),
		attribute.String("fingerprint", in.Fingerprint),
	)

	succeeded := Event{Kind: EventSucceeded, Capability: in.Capability}
	if stored, err := c.datasource.GetStageResult(ctx, rec.ConsultationID, in.Capability); err == nil && stored.Succeeded() {
		span.AddEvent("reused stored result")
		return stored, succeeded, nil
	}

	holder := fmt.Sprintf("%s/%s", c.holder, uuid.NewString())
	for round := 0; round < maxJoinRounds; round++ {
		claim, err := c.dedup.AcquireOrJoin(ctx, in.Fingerprint, holder)
		if err != nil {
			return nil, Event{}, err
		}
		if claim.Role == dedup.RoleLeader {
			return c.lead(ctx, in, holder)
		}

		span.AddEvent("joined in-flight invocation")
		result, err := claim.Wait(ctx)
		if errors.Is(err, dedup.ErrAbandoned) {
			continue
		}
		if err != nil {
			return nil, Event{}, err
		}
		return result, succeeded, nil
	}
	return nil, Event{}, apierror.NewAPIError(apierror.ErrLeaseNotAcquired,
		fmt.Sprintf("%s for consultation %s kept being abandoned", in.Capability, rec.ConsultationID), nil)
}

func (c *Carenote) executor(capability model.Capability) StageExecutor {
	if e, ok := c.executors[capability]; ok {
		return e
	}
	return ExecutorFunc(func(context.Context, *StageInput) (*StageOutput, error) {
		return nil, FatalConfigError(fmt.Sprintf("no executor registered for %s", capability), nil)
	})
}

// lead runs the executor under the retry policy as the fingerprint's leader and
// publishes a usable result for followers. Failures release the lease so a
// later retry may run the capability again.
func (c *Carenote) lead(ctx context.Context, in *StageInput, holder string) (*model.StageResult, Event, error) {
	dedupTTL := time.Duration(c.conf.Dedup.LeaseTTLSec) * time.Second
	stop := keepAlive(ctx, dedupTTL/3, func(ctx context.Context) error {
		return c.dedup.Extend(ctx, in.Fingerprint, holder)
	})
	defer stop()

	var (
		output      *StageOutput
		decoded     interface{}
		partialNote *model.StructuredNote
	)
	outcome, runErr := c.retrier.Do(ctx, in.Capability, func(ctx context.Context, attempt retry.Attempt) error {
		call := *in
		call.Attempt = attempt.Number
		call.Clarify = attempt.Clarify
		if attempt.Clarify && attempt.LastError != nil {
			call.Hint = attempt.LastError.Error()
		}

		out, err := c.executor(in.Capability).Execute(ctx, &call)
		if err != nil {
			return err
		}
		v, err := decodeOutput(in.Capability, out)
		if note, ok := v.(*model.StructuredNote); ok && note != nil {
			partialNote = note
		}
		if err != nil {
			return err
		}
		output, decoded = out, v
		return nil
	})

	now := c.now()
	result := &model.StageResult{
		ConsultationID: in.ConsultationID,
		Capability:     in.Capability,
		Fingerprint:    in.Fingerprint,
		Attempts:       outcome.Attempts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if runErr == nil {
		result.Status = model.StageStatusSuccess
		result.Confidence = output.Confidence
		return c.finishLead(ctx, in, holder, result, output.Payload, decoded)
	}

	if ctx.Err() != nil {
		_ = c.dedup.Release(context.Background(), in.Fingerprint, holder)
		return nil, Event{}, ctx.Err()
	}

	if outcome.Exhausted && outcome.Fallback == retry.FallbackTemplate {
		note := model.TemplateNote(partialNote)
		payload, err := json.Marshal(note)
		if err != nil {
			_ = c.dedup.Release(ctx, in.Fingerprint, holder)
			return nil, Event{}, err
		}
		result.Status = model.StageStatusSuccess
		result.Degraded = true
		result.Reason = ReasonPartiallyTemplated
		return c.finishLead(ctx, in, holder, result, payload, &note)
	}

	if err := c.dedup.Release(ctx, in.Fingerprint, holder); err != nil {
		logrus.WithError(err).Warnf("failed to release dedup lease for %s", in.Fingerprint)
	}
	cause := outcome.LastError
	if cause == nil {
		cause = runErr
	}
	result.Status = model.StageStatusFailed
	result.Reason = runErr.Error()
	kind := EventFailed
	if outcome.Exhausted {
		kind = EventExhausted
	}
	return result, Event{
		Kind:       kind,
		Capability: in.Capability,
		Fallback:   outcome.Fallback,
		Code:       retry.Classify(cause),
		Message:    cause.Error(),
	}, nil
}

// finishLead seals the output as an artifact keyed by fingerprint and publishes
// the result. A storage failure becomes a failed stage so nothing unencrypted
// is kept.
func (c *Carenote) finishLead(ctx context.Context, in *StageInput, holder string, result *model.StageResult, payload json.RawMessage, decoded interface{}) (*model.StageResult, Event, error) {
	if err := c.storeArtifact(ctx, result, payload, decoded); err != nil {
		_ = c.dedup.Release(ctx, in.Fingerprint, holder)
		if !stageFailure(err) {
			return nil, Event{}, err
		}
		result.Status = model.StageStatusFailed
		result.Reason = err.Error()
		result.Degraded = false
		return result, Event{Kind: EventFailed, Capability: in.Capability, Code: apierror.CodeOf(err), Message: err.Error()}, nil
	}

	if err := c.dedup.Publish(ctx, in.Fingerprint, holder, result); err != nil {
		// The lease expired while the capability ran; the result is still ours to commit.
		logrus.WithError(err).Warnf("failed to publish result for %s", in.Fingerprint)
	}
	return result, Event{Kind: EventSucceeded, Capability: in.Capability}, nil
}

type audioArtifact struct {
	ContentType string `json:"content_type"`
	AudioRef    string `json:"audio_ref"`
}

func (c *Carenote) storeArtifact(ctx context.Context, result *model.StageResult, payload json.RawMessage, decoded interface{}) error {
	key := blobstore.ArtifactKey(result.ConsultationID, string(result.Capability), result.Fingerprint)
	data := []byte(payload)
	result.Payload = payload

	if audio, ok := decoded.(*model.SynthesizedAudio); ok {
		raw, err := base64.StdEncoding.DecodeString(audio.AudioBase64)
		if err != nil {
			return InvalidError("synthesized audio is not base64", err)
		}
		data = raw
		ref, err := json.Marshal(audioArtifact{ContentType: audio.ContentType, AudioRef: key})
		if err != nil {
			return err
		}
		result.Payload = ref
	}

	if err := c.blobs.Put(ctx, key, data); err != nil {
		return err
	}
	result.ArtifactRef = key
	return nil
}

// apply commits the transition for ev together with result. A concurrent
// metadata write or cancellation bumps the version; the record is then reloaded
// and the transition recomputed.
func (c *Carenote) apply(ctx context.Context, rec *model.ConsultationRecord, ev Event, result *model.StageResult) (*model.ConsultationRecord, error) {
	for round := 0; round < maxCommitRounds; round++ {
		next, effects, err := Transition(rec, ev)
		if err != nil {
			return rec, err
		}

		stored := result
		if hasEffect(effects, EffectDiscardResult) {
			stored = nil
		}
		if next.Stage == model.StageComplete && next.CompletedAt == nil {
			completedAt := c.now()
			next.CompletedAt = &completedAt
		}
		if stored != nil && stored.Succeeded() && stored.Capability == model.CapabilityNoteGeneration {
			if err := c.saveGeneratedNote(ctx, stored); err != nil {
				return rec, err
			}
		}

		err = c.datasource.CommitStage(ctx, next, stored)
		if apierror.Is(err, apierror.ErrVersionMismatch) {
			if rec, err = c.datasource.GetConsultation(ctx, rec.ConsultationID); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return rec, err
		}

		c.afterCommit(ctx, rec, next, ev, effects)
		return next, nil
	}
	return rec, apierror.NewAPIError(apierror.ErrVersionMismatch,
		fmt.Sprintf("consultation %s kept changing while committing %s", rec.ConsultationID, ev.Capability), nil)
}

func hasEffect(effects []Effect, kind EffectKind) bool {
	for _, e := range effects {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

// saveGeneratedNote stores the generated note as the first accepted version.
// A note that already exists, generated earlier or written by a clinician, is kept.
func (c *Carenote) saveGeneratedNote(ctx context.Context, result *model.StageResult) error {
	_, err := c.datasource.GetNote(ctx, result.ConsultationID)
	if err == nil {
		return nil
	}
	if !apierror.Is(err, apierror.ErrNotFound) {
		return err
	}

	var content model.StructuredNote
	if err := json.Unmarshal(result.Payload, &content); err != nil {
		return err
	}
	source := model.NoteSourceGenerated
	if result.Degraded {
		source = model.NoteSourceTemplate
	}
	note := &model.ClinicalNote{ConsultationID: result.ConsultationID, Content: content, Source: source}
	err = c.datasource.SaveNote(ctx, note)
	if apierror.Is(err, apierror.ErrVersionMismatch) {
		// Inserted concurrently by a clinician edit.
		return nil
	}
	return err
}

func (c *Carenote) afterCommit(ctx context.Context, prev, next *model.ConsultationRecord, ev Event, effects []Effect) {
	c.publishTransition(prev, next, ev)

	for _, effect := range effects {
		entry := logrus.WithFields(logrus.Fields{
			"consultation_id": next.ConsultationID,
			"capability":      effect.Capability,
		})
		switch effect.Kind {
		case EffectEnqueue:
			if err := c.enqueue(next.ConsultationID, effect.Capability); err != nil {
				entry.WithError(err).Warn("could not queue next stage, recovery will resubmit it")
			}
		case EffectScheduleRetry:
			if err := c.scheduleDeferred(ctx, next, effect.Capability); err != nil {
				entry.WithError(err).Warn("could not schedule deferred retry, recovery will reschedule it")
			}
		case EffectAlert:
			notification.NotifyError(fmt.Errorf("consultation %s stopped at %s: %s", next.ConsultationID, effect.Capability, ev.Message))
		case EffectDiscardResult:
			entry.Info("consultation was cancelled during the invocation, result discarded")
		}
	}
}

// deferredDelay doubles the configured delay per attempt, capped at six hours.
func (c *Carenote) deferredDelay(attempts int) time.Duration {
	const maxDelay = 6 * time.Hour
	delay := time.Duration(c.conf.Pipeline.AsyncRetryDelaySec) * time.Second
	for i := 0; i < attempts && delay < maxDelay; i++ {
		delay *= 2
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// scheduleDeferred queues the next attempt of capability. The task id is
// derived from the attempt, so scheduling the same attempt again is a no-op.
func (c *Carenote) scheduleDeferred(ctx context.Context, rec *model.ConsultationRecord, capability model.Capability) error {
	attempts := rec.RiskAttempts
	if capability == model.CapabilityAudioSynthesis {
		attempts = rec.AudioAttempts
	}
	task := DeferredTask{ConsultationID: rec.ConsultationID, Capability: capability, Attempt: attempts + 1}
	return c.scheduler.ScheduleRetry(ctx, task, c.deferredDelay(attempts))
}

// RunDeferred retries risk scoring or audio synthesis for a consultation that
// moved on with a pending result. The stage is never changed.
func (c *Carenote) RunDeferred(ctx context.Context, task DeferredTask) (*model.ConsultationRecord, error) {
	ctx, span := tracer.Start(ctx, "RunDeferred")
	defer span.End()
	span.SetAttributes(
		attribute.String("consultation.id", task.ConsultationID),
		attribute.String("capability", string(task.Capability)),
	)

	release, err := c.acquireConsultation(ctx, task.ConsultationID)
	if err != nil {
		return nil, err
	}
	defer release()

	rec, err := c.datasource.GetConsultation(ctx, task.ConsultationID)
	if err != nil {
		return nil, err
	}
	pending := false
	switch task.Capability {
	case model.CapabilityRiskScoring:
		pending = rec.RiskState == model.RiskPending
	case model.CapabilityAudioSynthesis:
		pending = rec.AudioState == model.AudioPending && rec.Stage == model.StageComplete
	}
	if !pending || rec.Stage == model.StageAbandoned {
		return rec, nil
	}

	failedEvent := func(code apierror.ErrorCode, message string) Event {
		return Event{
			Kind:            EventDeferredFailed,
			Capability:      task.Capability,
			Code:            code,
			Message:         message,
			AsyncRetryLimit: c.conf.Pipeline.AsyncRetryLimit,
		}
	}

	in, err := c.buildStageInput(ctx, rec, task.Capability)
	if err != nil {
		if !stageFailure(err) {
			return rec, err
		}
		return c.apply(ctx, rec, failedEvent(apierror.CodeOf(err), err.Error()), nil)
	}

	result, ev, err := c.invoke(ctx, rec, in)
	if err != nil {
		return rec, err
	}
	if ev.Kind == EventSucceeded {
		ev = Event{Kind: EventDeferredSucceeded, Capability: task.Capability}
	} else {
		ev = failedEvent(ev.Code, ev.Message)
	}
	return c.apply(ctx, rec, ev, result)
}

// RetryConsultation resets a consultation in ERROR to the stage its failed
// capability starts from and queues it. Only retryable failures may be retried.
func (c *Carenote) RetryConsultation(ctx context.Context, consultationID string) (*model.ConsultationRecord, error) {
	release, err := c.acquireConsultation(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	defer release()

	rec, err := c.datasource.GetConsultation(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	ev := Event{Kind: EventRetry}
	if rec.Failure != nil {
		ev.Capability = rec.Failure.Capability
	}
	next, effects, err := Transition(rec, ev)
	if err != nil {
		return nil, err
	}
	if err := c.datasource.UpdateConsultation(ctx, next); err != nil {
		return nil, err
	}
	c.afterCommit(ctx, rec, next, ev, effects)
	return next, nil
}

// CancelConsultation cancels a consultation on behalf of its originating
// device. A consultation that has not started is abandoned immediately; one
// with an invocation in flight is abandoned when that invocation finishes.
func (c *Carenote) CancelConsultation(ctx context.Context, consultationID, deviceID string) (*model.ConsultationRecord, error) {
	ev := Event{Kind: EventCancel}
	for round := 0; round < maxCommitRounds; round++ {
		rec, err := c.datasource.GetConsultation(ctx, consultationID)
		if err != nil {
			return nil, err
		}
		if deviceID != "" && rec.DeviceID != deviceID {
			return nil, apierror.NewAPIError(apierror.ErrCancelNotAllowed,
				"only the device that recorded a consultation may cancel it", nil)
		}
		next, _, err := Transition(rec, ev)
		if err != nil {
			return nil, err
		}
		err = c.datasource.UpdateConsultation(ctx, next)
		if apierror.Is(err, apierror.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return nil, err
		}
		c.publishTransition(rec, next, ev)
		return next, nil
	}
	return nil, apierror.NewAPIError(apierror.ErrVersionMismatch,
		fmt.Sprintf("consultation %s kept changing while cancelling", consultationID), nil)
}
