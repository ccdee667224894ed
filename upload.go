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
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/carenote/carenote/internal/apierror"
	"github.com/carenote/carenote/internal/blobstore"
	redlock "github.com/carenote/carenote/internal/lock"
	"github.com/carenote/carenote/model"
)

const uploadLeaseTTL = 5 * time.Minute

func validHash(h string) bool {
	if len(h) != 64 {
		return false
	}
	_, err := hex.DecodeString(h)
	return err == nil
}

// StartUpload opens a resumable upload session for the declared payload. When
// the session names no consultation, finalize creates one under a new id.
func (c *Carenote) StartUpload(ctx context.Context, session model.UploadSession) (*model.UploadSession, error) {
	_, span := tracer.Start(ctx, "StartUpload")
	defer span.End()

	if session.TotalBytes <= 0 {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "total_bytes must be positive", nil)
	}
	if max := c.conf.Upload.MaxTotalBytes; max > 0 && session.TotalBytes > max {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput,
			fmt.Sprintf("total_bytes %d exceeds the limit of %d", session.TotalBytes, max), nil)
	}
	if !validHash(session.ManifestHash) {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "manifest_hash must be a hex encoded sha256", nil)
	}
	if session.PatientID == "" && session.ConsultationID == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "patient_id or consultation_id is required", nil)
	}

	if c.storage != nil {
		if err := c.storage.Admit(session.TotalBytes); err != nil {
			return nil, apierror.Wrap(apierror.ErrCapacity, "not enough storage for this recording, retry later", err)
		}
	}

	session.SessionID = model.GenerateUUIDWithSuffix("upl")
	if session.ConsultationID == "" {
		session.ConsultationID = model.GenerateUUIDWithSuffix("con")
	}
	if session.RecordedAt.IsZero() {
		session.RecordedAt = c.now()
	}
	session.Received = nil
	session.Chunks = nil

	if err := c.datasource.CreateUploadSession(ctx, &session); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("upload.session_id", session.SessionID))
	return &session, nil
}

// GetUploadSession returns the session with its received ranges.
func (c *Carenote) GetUploadSession(ctx context.Context, sessionID string) (*model.UploadSession, error) {
	return c.datasource.GetUploadSession(ctx, sessionID)
}

func ackFor(s *model.UploadSession, duplicate bool) *model.ChunkAck {
	return &model.ChunkAck{
		SessionID:        s.SessionID,
		ResumeFromOffset: s.ResumeOffset(),
		ReceivedBytes:    s.Received.Received(),
		Missing:          s.Received.Missing(s.TotalBytes),
		Complete:         s.Complete(),
		Duplicate:        duplicate,
	}
}

// PutChunk stores one chunk and records its byte range. Re-sending a range
// that was already received changes nothing and is acknowledged again.
func (c *Carenote) PutChunk(ctx context.Context, sessionID string, offset int64, data []byte, chunkHash string) (*model.ChunkAck, error) {
	ctx, span := tracer.Start(ctx, "PutChunk")
	defer span.End()
	span.SetAttributes(
		attribute.String("upload.session_id", sessionID),
		attribute.Int64("upload.offset", offset),
		attribute.Int("upload.length", len(data)),
	)

	if len(data) == 0 {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "chunk is empty", nil)
	}
	if max := c.conf.Upload.MaxChunkBytes; max > 0 && int64(len(data)) > max {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput,
			fmt.Sprintf("chunk of %d bytes exceeds the limit of %d", len(data), max), nil)
	}
	if model.HashBytes(data) != chunkHash {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "chunk hash does not match chunk content", nil)
	}

	session, err := c.datasource.GetUploadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	end := offset + int64(len(data))
	if offset < 0 || end > session.TotalBytes {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput,
			fmt.Sprintf("chunk [%d, %d) is outside [0, %d)", offset, end, session.TotalBytes), nil)
	}
	if session.Received.Covers(offset, end) {
		return ackFor(session, true), nil
	}

	key := blobstore.ChunkKey(sessionID, offset, int64(len(data)))
	if err := c.blobs.Put(ctx, key, data); err != nil {
		return nil, err
	}

	for round := 0; round < maxCommitRounds; round++ {
		session.Chunks = append(session.Chunks, model.ChunkRef{Offset: offset, Length: int64(len(data)), Hash: chunkHash, Key: key})
		session.Received = session.Received.Add(offset, end)

		err = c.datasource.UpdateUploadSession(ctx, session)
		if err == nil {
			return ackFor(session, false), nil
		}
		if !apierror.Is(err, apierror.ErrVersionMismatch) {
			return nil, err
		}
		if session, err = c.datasource.GetUploadSession(ctx, sessionID); err != nil {
			return nil, err
		}
		if session.Received.Covers(offset, end) {
			return ackFor(session, true), nil
		}
	}
	return nil, apierror.NewAPIError(apierror.ErrVersionMismatch,
		fmt.Sprintf("upload session %s kept changing while recording a chunk", sessionID), nil)
}

// ResumeUpload reports where the client should continue sending.
func (c *Carenote) ResumeUpload(ctx context.Context, sessionID string) (*model.ChunkAck, error) {
	session, err := c.datasource.GetUploadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return ackFor(session, false), nil
}

func incompleteUpload(s *model.UploadSession, message string) error {
	return apierror.APIError{
		Code:    apierror.ErrIncompleteUpload,
		Message: message,
		Details: map[string]interface{}{
			"resume_from_offset": s.ResumeOffset(),
			"missing":            s.Received.Missing(s.TotalBytes),
		},
	}
}

// reassemble joins the stored chunks in offset order.
func (c *Carenote) reassemble(ctx context.Context, s *model.UploadSession) ([]byte, error) {
	chunks := append([]model.ChunkRef(nil), s.Chunks...)
	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].Offset < chunks[j].Offset })

	payload := make([]byte, s.TotalBytes)
	for _, ref := range chunks {
		data, err := c.blobs.Get(ctx, ref.Key)
		if err != nil {
			return nil, err
		}
		if int64(len(data)) != ref.Length || model.HashBytes(data) != ref.Hash {
			return nil, fmt.Errorf("stored chunk %s does not match its recorded hash", ref.Key)
		}
		copy(payload[ref.Offset:], data)
	}
	return payload, nil
}

// FinalizeUpload verifies coverage and the manifest hash, stores the recording
// and hands the consultation to the pipeline. Finalizing a session twice
// returns the same consultation.
func (c *Carenote) FinalizeUpload(ctx context.Context, sessionID string) (*model.FinalizeResult, error) {
	ctx, span := tracer.Start(ctx, "FinalizeUpload")
	defer span.End()
	span.SetAttributes(attribute.String("upload.session_id", sessionID))

	lease, err := c.leaser.Acquire(ctx, "upload:"+sessionID, uploadLeaseTTL,
		time.Duration(c.conf.Pipeline.ConsultationWaitSec)*time.Second)
	if err != nil {
		if redlock.IsHeld(err) {
			return nil, apierror.Wrap(apierror.ErrLeaseNotAcquired, "upload is being finalized", err)
		}
		return nil, err
	}
	defer func() {
		if err := lease.Unlock(context.Background()); err != nil {
			logrus.WithError(err).Warnf("failed to release upload lease %s", sessionID)
		}
	}()

	if rec, err := c.datasource.GetConsultationByUploadSession(ctx, sessionID); err == nil {
		return &model.FinalizeResult{SessionID: sessionID, ConsultationID: rec.ConsultationID, Stage: rec.Stage, AudioRef: rec.AudioRef}, nil
	} else if !apierror.Is(err, apierror.ErrNotFound) {
		return nil, err
	}

	session, err := c.datasource.GetUploadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.Complete() {
		return nil, incompleteUpload(session, fmt.Sprintf("received %d of %d bytes", session.Received.Received(), session.TotalBytes))
	}

	payload, err := c.reassemble(ctx, session)
	if err != nil {
		return nil, err
	}
	if model.HashBytes(payload) != session.ManifestHash {
		return nil, incompleteUpload(session, "reconstructed payload does not match the manifest hash")
	}

	audioKey := blobstore.AudioKey(session.ConsultationID)
	if err := c.blobs.Put(ctx, audioKey, payload); err != nil {
		return nil, err
	}

	rec, err := c.attachAudio(ctx, session, audioKey)
	if err != nil {
		return nil, err
	}

	if err := c.blobs.DeletePrefix(ctx, blobstore.ChunkPrefix(sessionID)); err != nil {
		logrus.WithError(err).Warnf("failed to delete chunks of upload %s", sessionID)
	}
	if err := c.datasource.DeleteUploadSession(ctx, sessionID); err != nil {
		logrus.WithError(err).Warnf("failed to delete upload session %s", sessionID)
	}

	c.emit("", "upload.finalized", rec.ConsultationID, map[string]interface{}{
		"session_id":  sessionID,
		"total_bytes": session.TotalBytes,
	})
	if err := c.Submit(ctx, rec.ConsultationID); err != nil {
		logrus.WithError(err).WithField("consultation_id", rec.ConsultationID).
			Warn("could not queue transcription, recovery will resubmit it")
	}

	return &model.FinalizeResult{SessionID: sessionID, ConsultationID: rec.ConsultationID, Stage: rec.Stage, AudioRef: rec.AudioRef}, nil
}

// attachAudio creates the consultation for a finalized upload or attaches the
// recording to the consultation a device created earlier through sync.
func (c *Carenote) attachAudio(ctx context.Context, s *model.UploadSession, audioKey string) (*model.ConsultationRecord, error) {
	for round := 0; round < maxCommitRounds; round++ {
		rec, err := c.datasource.GetConsultation(ctx, s.ConsultationID)
		if apierror.Is(err, apierror.ErrNotFound) {
			if s.PatientID == "" {
				return nil, apierror.NewAPIError(apierror.ErrInvalidInput,
					fmt.Sprintf("consultation %s does not exist and the upload names no patient", s.ConsultationID), nil)
			}
			rec = &model.ConsultationRecord{
				ConsultationID:  s.ConsultationID,
				PatientID:       s.PatientID,
				DeviceID:        s.DeviceID,
				Stage:           model.StagePending,
				Metadata:        s.Metadata,
				LanguageCode:    s.LanguageCode,
				AudioRef:        audioKey,
				AudioHash:       s.ManifestHash,
				UploadSessionID: s.SessionID,
				RecordedAt:      s.RecordedAt,
			}
			err = c.datasource.CreateConsultation(ctx, rec)
			if apierror.Is(err, apierror.ErrConflict) {
				continue
			}
			if err != nil {
				return nil, err
			}
			return rec, nil
		}
		if err != nil {
			return nil, err
		}

		if rec.AudioReadyForPipeline() {
			if rec.AudioHash == s.ManifestHash {
				return rec, nil
			}
			return nil, apierror.NewAPIError(apierror.ErrConflict,
				fmt.Sprintf("consultation %s already has a different recording", rec.ConsultationID), nil)
		}

		next := rec.Clone()
		next.AudioRef = audioKey
		next.AudioHash = s.ManifestHash
		next.UploadSessionID = s.SessionID
		if next.LanguageCode == "" {
			next.LanguageCode = s.LanguageCode
		}
		err = c.datasource.UpdateConsultation(ctx, next)
		if apierror.Is(err, apierror.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return next, nil
	}
	return nil, apierror.NewAPIError(apierror.ErrVersionMismatch,
		fmt.Sprintf("consultation %s kept changing while attaching audio", s.ConsultationID), nil)
}

// SweepUploads destroys sessions idle past the abandonment timeout along with
// their stored chunks.
func (c *Carenote) SweepUploads(ctx context.Context) (int, error) {
	before := c.now().Add(-time.Duration(c.conf.Upload.AbandonAfterMin) * time.Minute)
	expired, err := c.datasource.GetExpiredUploadSessions(ctx, before, 100)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, s := range expired {
		if err := c.blobs.DeletePrefix(ctx, blobstore.ChunkPrefix(s.SessionID)); err != nil {
			logrus.WithError(err).Warnf("failed to delete chunks of upload %s", s.SessionID)
			continue
		}
		if err := c.datasource.DeleteUploadSession(ctx, s.SessionID); err != nil && !apierror.Is(err, apierror.ErrNotFound) {
			logrus.WithError(err).Warnf("failed to delete upload session %s", s.SessionID)
			continue
		}
		swept++
	}
	return swept, nil
}
