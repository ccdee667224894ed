package carenote

import (
	"context"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carenote/carenote/internal/apierror"
	"github.com/carenote/carenote/internal/blobstore"
	storagemonitor "github.com/carenote/carenote/internal/storage-monitor"
	"github.com/carenote/carenote/model"
)

// recording returns a 100KB payload split into 40KB, 40KB and 20KB chunks.
func recording(t *testing.T) ([]byte, [][]byte) {
	t.Helper()
	payload := make([]byte, 100<<10)
	for i := range payload {
		payload[i] = byte(gofakeit.Uint8())
	}
	return payload, [][]byte{payload[:40<<10], payload[40<<10 : 80<<10], payload[80<<10:]}
}

func (e *testEnv) startUpload(t *testing.T, payload []byte) *model.UploadSession {
	t.Helper()
	patient := e.seedPatient(t)
	session, err := e.carenote.StartUpload(context.Background(), model.UploadSession{
		PatientID:    patient.PatientID,
		DeviceID:     "dev_a",
		TotalBytes:   int64(len(payload)),
		ManifestHash: model.HashBytes(payload),
		ContentType:  "audio/ogg",
		LanguageCode: "sw",
	})
	require.NoError(t, err)
	return session
}

func TestStartUpload_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	hash := model.HashBytes([]byte("x"))

	tests := []struct {
		name    string
		session model.UploadSession
	}{
		{"zero size", model.UploadSession{PatientID: "pat_1", ManifestHash: hash}},
		{"over limit", model.UploadSession{PatientID: "pat_1", TotalBytes: 11 << 20, ManifestHash: hash}},
		{"bad manifest", model.UploadSession{PatientID: "pat_1", TotalBytes: 10, ManifestHash: "abc"}},
		{"no owner", model.UploadSession{TotalBytes: 10, ManifestHash: hash}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.carenote.StartUpload(ctx, tt.session)
			assert.Equal(t, apierror.ErrInvalidInput, apierror.CodeOf(err))
		})
	}
}

func TestUpload_OutOfOrderChunksWithDuplicates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	payload, chunks := recording(t)
	session := env.startUpload(t, payload)

	ack, err := env.carenote.PutChunk(ctx, session.SessionID, 0, chunks[0], model.HashBytes(chunks[0]))
	require.NoError(t, err)
	assert.Equal(t, int64(40<<10), ack.ResumeFromOffset)
	assert.False(t, ack.Duplicate)

	// the third chunk arrives before the second
	ack, err = env.carenote.PutChunk(ctx, session.SessionID, 80<<10, chunks[2], model.HashBytes(chunks[2]))
	require.NoError(t, err)
	assert.Equal(t, int64(40<<10), ack.ResumeFromOffset)
	assert.Equal(t, []model.ByteRange{{Start: 40 << 10, End: 80 << 10}}, ack.Missing)

	ack, err = env.carenote.PutChunk(ctx, session.SessionID, 0, chunks[0], model.HashBytes(chunks[0]))
	require.NoError(t, err)
	assert.True(t, ack.Duplicate)
	assert.Equal(t, int64(60<<10), ack.ReceivedBytes)

	ack, err = env.carenote.PutChunk(ctx, session.SessionID, 40<<10, chunks[1], model.HashBytes(chunks[1]))
	require.NoError(t, err)
	assert.True(t, ack.Complete)
	assert.Equal(t, int64(100<<10), ack.ResumeFromOffset)

	res, err := env.carenote.FinalizeUpload(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.ConsultationID, res.ConsultationID)
	assert.Equal(t, model.StagePending, res.Stage)

	stored, err := env.blobs.Get(ctx, res.AudioRef)
	require.NoError(t, err)
	assert.Equal(t, payload, stored)

	rec, err := env.ds.GetConsultation(ctx, res.ConsultationID)
	require.NoError(t, err)
	assert.Equal(t, session.ManifestHash, rec.AudioHash)
	assert.Equal(t, "sw", rec.LanguageCode)
	assert.Equal(t, 1, env.carenote.poolFor(model.CapabilityTranscription).Len())

	_, err = env.blobs.Get(ctx, blobstore.ChunkKey(session.SessionID, 0, 40<<10))
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestPutChunk_Rejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	payload, chunks := recording(t)
	session := env.startUpload(t, payload)

	t.Run("hash mismatch", func(t *testing.T) {
		_, err := env.carenote.PutChunk(ctx, session.SessionID, 0, chunks[0], model.HashBytes(chunks[1]))
		assert.Equal(t, apierror.ErrInvalidInput, apierror.CodeOf(err))
	})
	t.Run("too large", func(t *testing.T) {
		big := payload[:65<<10]
		_, err := env.carenote.PutChunk(ctx, session.SessionID, 0, big, model.HashBytes(big))
		assert.Equal(t, apierror.ErrInvalidInput, apierror.CodeOf(err))
	})
	t.Run("past the end", func(t *testing.T) {
		_, err := env.carenote.PutChunk(ctx, session.SessionID, 90<<10, chunks[2], model.HashBytes(chunks[2]))
		assert.Equal(t, apierror.ErrInvalidInput, apierror.CodeOf(err))
	})
	t.Run("unknown session", func(t *testing.T) {
		_, err := env.carenote.PutChunk(ctx, "upl_missing", 0, chunks[0], model.HashBytes(chunks[0]))
		assert.Equal(t, apierror.ErrNotFound, apierror.CodeOf(err))
	})
}

func TestFinalizeUpload_Incomplete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	payload, chunks := recording(t)
	session := env.startUpload(t, payload)

	_, err := env.carenote.PutChunk(ctx, session.SessionID, 0, chunks[0], model.HashBytes(chunks[0]))
	require.NoError(t, err)
	_, err = env.carenote.PutChunk(ctx, session.SessionID, 80<<10, chunks[2], model.HashBytes(chunks[2]))
	require.NoError(t, err)

	_, err = env.carenote.FinalizeUpload(ctx, session.SessionID)
	require.Error(t, err)
	var apiErr apierror.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierror.ErrIncompleteUpload, apiErr.Code)
	assert.True(t, apierror.IsRetryable(err))

	details := apiErr.Details.(map[string]interface{})
	assert.Equal(t, int64(40<<10), details["resume_from_offset"])

	ack, err := env.carenote.ResumeUpload(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(40<<10), ack.ResumeFromOffset)

	_, err = env.ds.GetConsultation(ctx, session.ConsultationID)
	assert.Equal(t, apierror.ErrNotFound, apierror.CodeOf(err))
}

func TestFinalizeUpload_ManifestMismatchKeepsSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	payload, chunks := recording(t)
	patient := env.seedPatient(t)
	session, err := env.carenote.StartUpload(ctx, model.UploadSession{
		PatientID:    patient.PatientID,
		TotalBytes:   int64(len(payload)),
		ManifestHash: model.HashBytes([]byte("something else")),
	})
	require.NoError(t, err)

	for i, chunk := range chunks {
		_, err := env.carenote.PutChunk(ctx, session.SessionID, int64(i*(40<<10)), chunk, model.HashBytes(chunk))
		require.NoError(t, err)
	}

	_, err = env.carenote.FinalizeUpload(ctx, session.SessionID)
	assert.Equal(t, apierror.ErrIncompleteUpload, apierror.CodeOf(err))

	_, err = env.carenote.GetUploadSession(ctx, session.SessionID)
	assert.NoError(t, err)
}

func TestFinalizeUpload_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	payload, chunks := recording(t)
	session := env.startUpload(t, payload)
	for i, chunk := range chunks {
		_, err := env.carenote.PutChunk(ctx, session.SessionID, int64(i*(40<<10)), chunk, model.HashBytes(chunk))
		require.NoError(t, err)
	}

	first, err := env.carenote.FinalizeUpload(ctx, session.SessionID)
	require.NoError(t, err)
	second, err := env.carenote.FinalizeUpload(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, first.ConsultationID, second.ConsultationID)
	assert.Equal(t, first.AudioRef, second.AudioRef)
}

func TestFinalizeUpload_AttachesToExistingConsultation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	patient := env.seedPatient(t)
	rec := &model.ConsultationRecord{
		ConsultationID: model.GenerateUUIDWithSuffix("con"),
		PatientID:      patient.PatientID,
		DeviceID:       "dev_a",
		Stage:          model.StagePending,
	}
	require.NoError(t, env.ds.CreateConsultation(ctx, rec))

	payload := []byte(gofakeit.Paragraph(2, 3, 10, " "))
	session, err := env.carenote.StartUpload(ctx, model.UploadSession{
		ConsultationID: rec.ConsultationID,
		TotalBytes:     int64(len(payload)),
		ManifestHash:   model.HashBytes(payload),
		LanguageCode:   "en",
	})
	require.NoError(t, err)
	_, err = env.carenote.PutChunk(ctx, session.SessionID, 0, payload, model.HashBytes(payload))
	require.NoError(t, err)

	res, err := env.carenote.FinalizeUpload(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, rec.ConsultationID, res.ConsultationID)

	got, err := env.ds.GetConsultation(ctx, rec.ConsultationID)
	require.NoError(t, err)
	assert.True(t, got.AudioReadyForPipeline())
	assert.Equal(t, "en", got.LanguageCode)
}

func TestSweepUploads_RemovesIdleSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	payload, chunks := recording(t)

	past := time.Now().UTC().Add(-2 * time.Hour)
	env.ds.SetClock(func() time.Time { return past })
	idle := env.startUpload(t, payload)
	_, err := env.carenote.PutChunk(ctx, idle.SessionID, 0, chunks[0], model.HashBytes(chunks[0]))
	require.NoError(t, err)

	env.ds.SetClock(func() time.Time { return time.Now().UTC() })
	fresh := env.startUpload(t, payload)

	swept, err := env.carenote.SweepUploads(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	_, err = env.carenote.GetUploadSession(ctx, idle.SessionID)
	assert.Equal(t, apierror.ErrNotFound, apierror.CodeOf(err))
	_, err = env.blobs.Get(ctx, blobstore.ChunkKey(idle.SessionID, 0, 40<<10))
	assert.ErrorIs(t, err, blobstore.ErrNotFound)

	_, err = env.carenote.GetUploadSession(ctx, fresh.SessionID)
	assert.NoError(t, err)
}

func TestStartUpload_RefusedWhenStorageFull(t *testing.T) {
	monitor := storagemonitor.New("/recordings", 90, storagemonitor.WithUsageFunc(func(path string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Path: path, UsedPercent: 96, Free: 1 << 30}, nil
	}))
	env := newTestEnv(t, WithStorageMonitor(monitor))
	patient := env.seedPatient(t)

	_, err := env.carenote.StartUpload(context.Background(), model.UploadSession{
		PatientID:    patient.PatientID,
		TotalBytes:   1 << 20,
		ManifestHash: model.HashBytes([]byte("x")),
	})
	require.Error(t, err)
	assert.Equal(t, apierror.ErrCapacity, apierror.CodeOf(err))
	assert.True(t, apierror.IsRetryable(err))
	assert.ErrorIs(t, err, storagemonitor.ErrStorageFull)
}
