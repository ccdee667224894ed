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

package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/carenote/carenote/internal/apierror"
	"github.com/carenote/carenote/internal/localcache"
	"github.com/carenote/carenote/model"
)

const (
	defaultBatchSize    = 100
	defaultMaxPullPages = 20
	finalizeRounds      = 3
)

// Report summarizes one SyncOnce pass.
type Report struct {
	Uploaded  int `json:"uploaded"`
	Pushed    int `json:"pushed"`
	Rejected  int `json:"rejected"`
	Deferred  int `json:"deferred"`
	Conflicts int `json:"conflicts"`
	Pulled    int `json:"pulled"`
}

type Agent struct {
	deviceID     string
	cache        *localcache.Cache
	client       *Client
	chunkBytes   int64
	batchSize    int
	maxPullPages int
}

type AgentOption func(*Agent)

func WithChunkBytes(n int64) AgentOption {
	return func(a *Agent) { a.chunkBytes = n }
}

func WithBatchSize(n int) AgentOption {
	return func(a *Agent) { a.batchSize = n }
}

func NewAgent(deviceID string, cache *localcache.Cache, client *Client, opts ...AgentOption) *Agent {
	a := &Agent{
		deviceID:     deviceID,
		cache:        cache,
		client:       client,
		chunkBytes:   1 << 20,
		batchSize:    defaultBatchSize,
		maxPullPages: defaultMaxPullPages,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run calls SyncOnce every interval until ctx is done. Failed passes are
// logged; the queue stays in the local cache for the next pass.
func (a *Agent) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		report, err := a.SyncOnce(ctx)
		if err != nil {
			logrus.WithError(err).Warn("device sync pass failed, will retry")
		} else {
			logrus.WithFields(logrus.Fields{
				"uploaded":  report.Uploaded,
				"pushed":    report.Pushed,
				"rejected":  report.Rejected,
				"conflicts": report.Conflicts,
				"pulled":    report.Pulled,
			}).Info("device sync pass complete")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SyncOnce uploads pending recordings, pushes queued edits as one batch and
// pulls server changes since the stored cursor.
func (a *Agent) SyncOnce(ctx context.Context) (*Report, error) {
	report := &Report{}

	captures, err := a.cache.PendingCaptures(ctx)
	if err != nil {
		return nil, err
	}
	for _, capture := range captures {
		err := a.uploadCapture(ctx, capture)
		if err == nil {
			report.Uploaded++
			continue
		}
		logrus.WithError(err).WithField("capture_id", capture.CaptureID).Warn("capture upload did not complete")
		if apierror.IsRetryable(err) || ctx.Err() != nil {
			// Offline or overloaded: the edits below would fail the same way.
			return report, err
		}
	}

	if err := a.push(ctx, report); err != nil {
		return report, err
	}
	return report, nil
}

func (a *Agent) uploadCapture(ctx context.Context, capture *localcache.Capture) error {
	if capture.SessionID == "" {
		session, err := a.client.StartUpload(ctx, model.UploadSession{
			ConsultationID: capture.ConsultationID,
			PatientID:      capture.PatientID,
			DeviceID:       a.deviceID,
			TotalBytes:     capture.TotalBytes,
			ManifestHash:   capture.ManifestHash,
			ContentType:    capture.ContentType,
			LanguageCode:   capture.LanguageCode,
			RecordedAt:     capture.RecordedAt,
		})
		if err != nil {
			return a.failCapture(ctx, capture, err)
		}
		capture.SessionID = session.SessionID
		capture.ConsultationID = session.ConsultationID
		capture.Status = localcache.CaptureUploading
		if err := a.cache.UpdateCapture(ctx, capture); err != nil {
			return err
		}
	}

	ack, err := a.client.UploadStatus(ctx, capture.SessionID)
	if apierror.Is(err, apierror.ErrNotFound) {
		// The server swept the idle session; start over on the next pass.
		capture.SessionID = ""
		capture.Status = localcache.CapturePending
		capture.LastError = "upload session expired"
		if err := a.cache.UpdateCapture(ctx, capture); err != nil {
			return err
		}
		return apierror.NewAPIError(apierror.ErrTransient, fmt.Sprintf("upload session for %s expired", capture.CaptureID), nil)
	}
	if err != nil {
		return err
	}

	f, err := os.Open(capture.Path)
	if err != nil {
		return a.failCapture(ctx, capture, apierror.Wrap(apierror.ErrInvalidInput, "recording is not readable", err))
	}
	defer f.Close()

	for round := 0; round < finalizeRounds; round++ {
		if err := a.sendMissing(ctx, f, capture, ack); err != nil {
			return a.failCapture(ctx, capture, err)
		}
		result, err := a.client.FinalizeUpload(ctx, capture.SessionID)
		if err == nil {
			capture.ConsultationID = result.ConsultationID
			capture.Status = localcache.CaptureFinalized
			capture.LastError = ""
			return a.cache.UpdateCapture(ctx, capture)
		}
		offset, ok := resumeOffset(err)
		if !ok {
			return a.failCapture(ctx, capture, err)
		}
		logrus.WithField("capture_id", capture.CaptureID).Infof("server asked to resume upload from offset %d", offset)
		if ack, err = a.client.UploadStatus(ctx, capture.SessionID); err != nil {
			return err
		}
	}
	return a.failCapture(ctx, capture, apierror.NewAPIError(apierror.ErrIncompleteUpload,
		fmt.Sprintf("upload of %s still incomplete after %d finalize attempts", capture.CaptureID, finalizeRounds), nil))
}

// sendMissing sends every range the server reported missing, chunkBytes at a time.
func (a *Agent) sendMissing(ctx context.Context, r io.ReaderAt, capture *localcache.Capture, ack *model.ChunkAck) error {
	for !ack.Complete {
		start := ack.ResumeFromOffset
		end := capture.TotalBytes
		if len(ack.Missing) > 0 {
			start, end = ack.Missing[0].Start, ack.Missing[0].End
		}
		if end-start > a.chunkBytes {
			end = start + a.chunkBytes
		}

		buf := make([]byte, end-start)
		n, err := r.ReadAt(buf, start)
		if err != nil && !(errors.Is(err, io.EOF) && int64(n) == end-start) {
			return apierror.Wrap(apierror.ErrInvalidInput, fmt.Sprintf("reading recording at offset %d", start), err)
		}

		next, err := a.client.PutChunk(ctx, capture.SessionID, start, buf)
		if err != nil {
			return err
		}
		if next.ReceivedBytes <= ack.ReceivedBytes && !next.Complete {
			return fmt.Errorf("upload made no progress at offset %d", start)
		}
		ack = next
	}
	return nil
}

// failCapture marks non-retryable upload errors on the capture so the
// operator can see them. Retryable errors leave it queued.
func (a *Agent) failCapture(ctx context.Context, capture *localcache.Capture, err error) error {
	capture.LastError = err.Error()
	if !apierror.IsRetryable(err) && ctx.Err() == nil {
		capture.Status = localcache.CaptureFailed
	}
	if updateErr := a.cache.UpdateCapture(ctx, capture); updateErr != nil {
		logrus.WithError(updateErr).Warnf("failed to record upload error on capture %s", capture.CaptureID)
	}
	return err
}

// push sends queued operations in one envelope, records each outcome and
// applies the pulled page, then keeps pulling while the server has more.
func (a *Agent) push(ctx context.Context, report *Report) error {
	ops, err := a.cache.Pending(ctx, a.batchSize)
	if err != nil {
		return err
	}

	for page := 0; page < a.maxPullPages; page++ {
		cursor, err := a.cache.Cursor(ctx)
		if err != nil {
			return err
		}
		resp, err := a.client.Sync(ctx, model.SyncEnvelope{DeviceID: a.deviceID, Cursor: cursor, Operations: ops})
		if err != nil {
			return err
		}
		if err := a.recordOutcomes(ctx, resp, report); err != nil {
			return err
		}

		applied, err := a.cache.ApplyRecords(ctx, resp.NewRecordsSinceCursor)
		if err != nil {
			return err
		}
		report.Pulled += applied
		if err := a.cache.SetCursor(ctx, resp.NewCursor); err != nil {
			return err
		}
		if !resp.HasMore {
			return nil
		}
		ops = nil
	}
	return nil
}

func (a *Agent) recordOutcomes(ctx context.Context, resp *model.SyncResponse, report *Report) error {
	retryable := make(map[string]bool, len(resp.FailedOperations))
	for _, f := range resp.FailedOperations {
		retryable[f.OperationID] = f.Retryable
	}
	report.Conflicts += len(resp.Conflicts)

	for _, outcome := range resp.Outcomes {
		if outcome.Status == model.OutcomeRejected && retryable[outcome.OperationID] {
			report.Deferred++
			if err := a.cache.RecordAttempt(ctx, outcome.OperationID, outcome.Reason); err != nil {
				return err
			}
			continue
		}
		if outcome.Synced() {
			report.Pushed++
		} else {
			report.Rejected++
		}
		if err := a.cache.Acknowledge(ctx, outcome); err != nil {
			return err
		}
	}
	return nil
}
