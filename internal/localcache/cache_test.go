package localcache

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carenote/carenote/model"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCursor(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	cursor, err := c.Cursor(ctx)
	require.NoError(t, err)
	assert.Empty(t, cursor)

	require.NoError(t, c.SetCursor(ctx, model.EncodeCursor(4)))
	require.NoError(t, c.SetCursor(ctx, model.EncodeCursor(9)))
	cursor, err = c.Cursor(ctx)
	require.NoError(t, err)
	seq, err := model.DecodeCursor(cursor)
	require.NoError(t, err)
	assert.Equal(t, int64(9), seq)
}

func TestOperationsQueue(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	first := &model.SyncOperation{Kind: model.OpCreatePatient, EntityID: "pat_1", Payload: json.RawMessage(`{"demographics":{}}`)}
	second := &model.SyncOperation{Kind: model.OpUpdateNote, EntityID: "con_1", BaseVersion: 2, Payload: json.RawMessage(`{}`)}
	third := &model.SyncOperation{Kind: model.OpUpdateDemographics, EntityID: "pat_1", BaseVersion: 1, Payload: json.RawMessage(`{}`)}
	for _, op := range []*model.SyncOperation{first, second, third} {
		require.NoError(t, c.Enqueue(ctx, op))
		assert.NotEmpty(t, op.OperationID)
	}
	// re-enqueueing the same idempotency key is ignored
	require.NoError(t, c.Enqueue(ctx, first))

	pending, err := c.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, []string{first.OperationID, second.OperationID, third.OperationID},
		[]string{pending[0].OperationID, pending[1].OperationID, pending[2].OperationID})
	assert.Equal(t, int64(2), pending[1].BaseVersion)

	require.NoError(t, c.Acknowledge(ctx, model.OperationOutcome{OperationID: first.OperationID, Status: model.OutcomeApplied, Version: 1}))
	require.NoError(t, c.Acknowledge(ctx, model.OperationOutcome{OperationID: second.OperationID, Status: model.OutcomeConflicted, ConflictID: "cfl_1"}))
	require.NoError(t, c.Acknowledge(ctx, model.OperationOutcome{OperationID: third.OperationID, Status: model.OutcomeRejected, Reason: "malformed"}))

	pending, err = c.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	op, err := c.GetOperation(ctx, second.OperationID)
	require.NoError(t, err)
	assert.Equal(t, OperationSynced, op.Status)
	assert.Equal(t, "cfl_1", op.Outcome.ConflictID)

	op, err = c.GetOperation(ctx, third.OperationID)
	require.NoError(t, err)
	assert.Equal(t, OperationFailed, op.Status)
	assert.Equal(t, "malformed", op.LastError)

	counts, err := c.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[OperationSynced])
	assert.Equal(t, 1, counts[OperationFailed])
}

func TestRecordAttemptKeepsOperationPending(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()
	op := &model.SyncOperation{Kind: model.OpCreateConsultation, EntityID: "con_1", Payload: json.RawMessage(`{}`)}
	require.NoError(t, c.Enqueue(ctx, op))

	require.NoError(t, c.RecordAttempt(ctx, op.OperationID, "patient is not synced yet"))
	pending, err := c.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	stored, err := c.GetOperation(ctx, op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, OperationPending, stored.Status)
}

func TestApplyRecordsKeepsNewestVersion(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()
	now := time.Now().UTC()

	applied, err := c.ApplyRecords(ctx, []model.ChangeRecord{
		{Sequence: 1, EntityKind: model.EntityPatient, EntityID: "pat_1", Version: 1, Payload: json.RawMessage(`{"v":1}`), ChangedAt: now},
		{Sequence: 2, EntityKind: model.EntityPatient, EntityID: "pat_1", Version: 2, Payload: json.RawMessage(`{"v":2}`), ChangedAt: now},
		{Sequence: 3, EntityKind: model.EntityNote, EntityID: "con_1", Version: 1, Payload: json.RawMessage(`{"plan":"rest"}`), ChangedAt: now},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, applied)

	applied, err = c.ApplyRecords(ctx, []model.ChangeRecord{
		{Sequence: 4, EntityKind: model.EntityPatient, EntityID: "pat_1", Version: 1, Payload: json.RawMessage(`{"v":1}`), ChangedAt: now},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, applied)

	rec, err := c.GetRecord(ctx, model.EntityPatient, "pat_1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)
	assert.JSONEq(t, `{"v":2}`, string(rec.Payload))

	version, err := c.Version(ctx, model.EntityNote, "con_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	version, err = c.Version(ctx, model.EntityNote, "con_unknown")
	require.NoError(t, err)
	assert.Zero(t, version)
}

func TestCaptures(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	capture := &Capture{
		PatientID:    "pat_1",
		Path:         "/captures/" + gofakeit.UUID() + ".ogg",
		TotalBytes:   1 << 20,
		ManifestHash: model.HashBytes([]byte("audio")),
		ContentType:  "audio/ogg",
		LanguageCode: "sw",
	}
	require.NoError(t, c.AddCapture(ctx, capture))
	require.NoError(t, c.AddCapture(ctx, &Capture{Path: capture.Path, TotalBytes: 1, ManifestHash: "x"}))

	pending, err := c.PendingCaptures(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, capture.CaptureID, pending[0].CaptureID)
	assert.Equal(t, CapturePending, pending[0].Status)

	capture.SessionID = "upl_1"
	capture.Status = CaptureUploading
	require.NoError(t, c.UpdateCapture(ctx, capture))
	pending, err = c.PendingCaptures(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "upl_1", pending[0].SessionID)

	capture.Status = CaptureFinalized
	capture.ConsultationID = "con_1"
	require.NoError(t, c.UpdateCapture(ctx, capture))
	pending, err = c.PendingCaptures(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	stored, err := c.GetCapture(ctx, capture.CaptureID)
	require.NoError(t, err)
	assert.Equal(t, "con_1", stored.ConsultationID)

	assert.ErrorIs(t, c.UpdateCapture(ctx, &Capture{CaptureID: "cap_missing"}), ErrNotFound)
}
