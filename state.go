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
	"fmt"

	"github.com/carenote/carenote/internal/apierror"
	"github.com/carenote/carenote/internal/retry"
	"github.com/carenote/carenote/model"
)

// EventKind names what happened to a consultation.
type EventKind string

const (
	// EventBegin is applied once the consultation lease is held and a capability is about to run.
	EventBegin EventKind = "begin"
	// EventSucceeded carries a usable result, possibly degraded by a fallback.
	EventSucceeded EventKind = "succeeded"
	// EventExhausted means the retry policy ran out of attempts.
	EventExhausted EventKind = "exhausted"
	// EventFailed is a failure the retry policy does not retry.
	EventFailed EventKind = "failed"
	// EventDeferredSucceeded and EventDeferredFailed report asynchronous retries
	// of risk scoring and audio synthesis. They never move the stage.
	EventDeferredSucceeded EventKind = "deferred_succeeded"
	EventDeferredFailed    EventKind = "deferred_failed"
	EventCancel            EventKind = "cancel"
	EventRetry             EventKind = "retry"
)

// Event is the input of Transition.
type Event struct {
	Kind       EventKind
	Capability model.Capability
	Fallback   retry.Fallback
	// Code classifies the error behind EventFailed and EventExhausted.
	Code    apierror.ErrorCode
	Message string
	// AsyncRetryLimit caps deferred attempts for EventDeferredFailed.
	AsyncRetryLimit int
}

// EffectKind is a side effect the orchestrator performs after a transition is committed.
type EffectKind string

const (
	EffectEnqueue       EffectKind = "enqueue"
	EffectScheduleRetry EffectKind = "schedule_retry"
	EffectAlert         EffectKind = "alert_operators"
	EffectDiscardResult EffectKind = "discard_result"
)

type Effect struct {
	Kind       EffectKind
	Capability model.Capability
}

func invalidTransition(rec *model.ConsultationRecord, ev Event) error {
	return apierror.NewAPIError(apierror.ErrConflict,
		fmt.Sprintf("consultation %s cannot apply %s(%s) in stage %s", rec.ConsultationID, ev.Kind, ev.Capability, rec.Stage), nil)
}

// Transition computes the next consultation state for ev without touching
// storage. The returned record is a copy; rec is never modified.
func Transition(rec *model.ConsultationRecord, ev Event) (*model.ConsultationRecord, []Effect, error) {
	next := rec.Clone()

	switch ev.Kind {
	case EventBegin:
		return begin(next, ev)
	case EventSucceeded:
		return succeeded(next, ev)
	case EventExhausted, EventFailed:
		return failed(next, ev)
	case EventDeferredSucceeded, EventDeferredFailed:
		return deferred(next, ev)
	case EventCancel:
		return cancel(next, ev)
	case EventRetry:
		return retryReset(next, ev)
	}
	return nil, nil, fmt.Errorf("unknown event %q", ev.Kind)
}

func begin(next *model.ConsultationRecord, ev Event) (*model.ConsultationRecord, []Effect, error) {
	if next.Stage != ev.Capability.ReadyStage() && next.Stage != ev.Capability.InFlightStage() {
		return nil, nil, invalidTransition(next, ev)
	}
	if ev.Capability == model.CapabilityTranscription && !next.AudioReadyForPipeline() {
		return nil, nil, apierror.NewAPIError(apierror.ErrInvalidInput, "consultation audio has not been uploaded", nil)
	}
	next.Stage = ev.Capability.InFlightStage()
	return next, nil, nil
}

// inFlightFor checks that the consultation is running capability c.
func inFlightFor(rec *model.ConsultationRecord, c model.Capability) bool {
	return rec.Stage == c.InFlightStage()
}

// abandon finishes an invocation whose consultation was cancelled while it ran.
func abandon(next *model.ConsultationRecord, ev Event) (*model.ConsultationRecord, []Effect, error) {
	next.Stage = model.StageAbandoned
	next.CancelRequested = false
	next.Failure = &model.StageFailure{
		Stage:      ev.Capability.InFlightStage(),
		Capability: ev.Capability,
		Reason:     model.ReasonCancelled,
	}
	return next, []Effect{{Kind: EffectDiscardResult, Capability: ev.Capability}}, nil
}

func succeeded(next *model.ConsultationRecord, ev Event) (*model.ConsultationRecord, []Effect, error) {
	if !inFlightFor(next, ev.Capability) {
		return nil, nil, invalidTransition(next, ev)
	}
	if next.CancelRequested {
		return abandon(next, ev)
	}

	switch ev.Capability {
	case model.CapabilityTranscription:
		next.Stage = model.StageTranscribed
		return next, []Effect{{Kind: EffectEnqueue, Capability: model.CapabilityNoteGeneration}}, nil
	case model.CapabilityNoteGeneration:
		next.Stage = model.StageProcessed
		return next, []Effect{{Kind: EffectEnqueue, Capability: model.CapabilityRiskScoring}}, nil
	case model.CapabilityRiskScoring:
		next.Stage = model.StageInstructing
		next.RiskState = model.RiskScored
		return next, []Effect{{Kind: EffectEnqueue, Capability: model.CapabilityInstruction}}, nil
	case model.CapabilityInstruction:
		// Text is stored; the stage stays put until synthesis settles.
		next.AudioState = model.AudioPending
		return next, nil, nil
	case model.CapabilityAudioSynthesis:
		complete(next)
		next.AudioState = model.AudioReady
		return next, nil, nil
	}
	return nil, nil, invalidTransition(next, ev)
}

func complete(next *model.ConsultationRecord) {
	next.Stage = model.StageComplete
	next.Failure = nil
}

func toError(next *model.ConsultationRecord, ev Event, reason string, retryable bool) *model.ConsultationRecord {
	next.Stage = model.StageError
	next.Failure = &model.StageFailure{
		Stage:      ev.Capability.InFlightStage(),
		Capability: ev.Capability,
		Reason:     reason,
		Message:    ev.Message,
		Retryable:  retryable,
	}
	return next
}

func failed(next *model.ConsultationRecord, ev Event) (*model.ConsultationRecord, []Effect, error) {
	if !inFlightFor(next, ev.Capability) {
		return nil, nil, invalidTransition(next, ev)
	}
	if next.CancelRequested {
		return abandon(next, ev)
	}

	// Missing credentials stop the consultation whatever the capability.
	if ev.Code == apierror.ErrFatalConfig {
		return toError(next, ev, model.ReasonConfiguration, true), []Effect{{Kind: EffectAlert, Capability: ev.Capability}}, nil
	}

	switch ev.Capability {
	case model.CapabilityRiskScoring:
		next.Stage = model.StageInstructing
		effects := []Effect{{Kind: EffectEnqueue, Capability: model.CapabilityInstruction}}
		if ev.Kind == EventExhausted && ev.Fallback == retry.FallbackDefer {
			next.RiskState = model.RiskPending
			next.RiskAttempts = 0
			effects = append(effects, Effect{Kind: EffectScheduleRetry, Capability: model.CapabilityRiskScoring})
		} else {
			next.RiskState = model.RiskFailed
		}
		return next, effects, nil

	case model.CapabilityAudioSynthesis:
		complete(next)
		if ev.Kind == EventExhausted && ev.Fallback == retry.FallbackTextOnly {
			next.AudioState = model.AudioPending
			next.AudioAttempts = 0
			return next, []Effect{{Kind: EffectScheduleRetry, Capability: model.CapabilityAudioSynthesis}}, nil
		}
		next.AudioState = model.AudioFailed
		return next, nil, nil

	case model.CapabilityNoteGeneration:
		// The template fallback arrives as a degraded EventSucceeded; anything
		// reaching here had no usable fallback.
		if ev.Kind == EventExhausted {
			return toError(next, ev, model.ReasonUnavailable, true), nil, nil
		}
		return toError(next, ev, model.ReasonInvalidInput, false), nil, nil
	}

	if ev.Kind == EventExhausted {
		return toError(next, ev, model.ReasonUnavailable, true), nil, nil
	}
	return toError(next, ev, model.ReasonInvalidInput, false), nil, nil
}

func deferred(next *model.ConsultationRecord, ev Event) (*model.ConsultationRecord, []Effect, error) {
	if next.Stage == model.StageAbandoned {
		return nil, nil, invalidTransition(next, ev)
	}
	var state *int
	switch ev.Capability {
	case model.CapabilityRiskScoring:
		if next.RiskState != model.RiskPending {
			return nil, nil, invalidTransition(next, ev)
		}
		state = &next.RiskAttempts
	case model.CapabilityAudioSynthesis:
		if next.AudioState != model.AudioPending {
			return nil, nil, invalidTransition(next, ev)
		}
		state = &next.AudioAttempts
	default:
		return nil, nil, invalidTransition(next, ev)
	}

	*state++
	if ev.Kind == EventDeferredSucceeded {
		if ev.Capability == model.CapabilityRiskScoring {
			next.RiskState = model.RiskScored
		} else {
			next.AudioState = model.AudioReady
		}
		return next, nil, nil
	}

	if ev.Code == apierror.ErrFatalConfig {
		return next, []Effect{
			{Kind: EffectAlert, Capability: ev.Capability},
			{Kind: EffectScheduleRetry, Capability: ev.Capability},
		}, nil
	}
	if ev.Code == apierror.ErrInvalidInput || (ev.AsyncRetryLimit > 0 && *state >= ev.AsyncRetryLimit) {
		if ev.Capability == model.CapabilityRiskScoring {
			next.RiskState = model.RiskFailed
		} else {
			next.AudioState = model.AudioFailed
		}
		return next, nil, nil
	}
	return next, []Effect{{Kind: EffectScheduleRetry, Capability: ev.Capability}}, nil
}

// cancel ends a consultation that has not started, or marks an in-flight one so
// the running invocation abandons it when it finishes.
func cancel(next *model.ConsultationRecord, ev Event) (*model.ConsultationRecord, []Effect, error) {
	switch {
	case next.Stage == model.StagePending:
		next.Stage = model.StageAbandoned
		next.Failure = &model.StageFailure{Stage: model.StagePending, Reason: model.ReasonCancelled}
		return next, nil, nil
	case next.Stage.InFlight():
		next.CancelRequested = true
		return next, nil, nil
	}
	return nil, nil, apierror.NewAPIError(apierror.ErrCancelNotAllowed,
		fmt.Sprintf("consultation %s cannot be cancelled in stage %s", next.ConsultationID, next.Stage), nil)
}

// retryReset moves an ERROR consultation back to the stage its failed
// capability starts from.
func retryReset(next *model.ConsultationRecord, ev Event) (*model.ConsultationRecord, []Effect, error) {
	if next.Stage != model.StageError || next.Failure == nil {
		return nil, nil, invalidTransition(next, ev)
	}
	if !next.Failure.Retryable {
		return nil, nil, apierror.NewAPIError(apierror.ErrInvalidInput,
			fmt.Sprintf("consultation %s failed with a non-retryable error", next.ConsultationID), nil)
	}
	capability := next.Failure.Capability
	next.Stage = capability.ReadyStage()
	next.Failure = nil
	return next, []Effect{{Kind: EffectEnqueue, Capability: capability}}, nil
}
