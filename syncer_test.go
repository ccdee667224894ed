package carenote

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carenote/carenote/database"
	"github.com/carenote/carenote/internal/apierror"
	"github.com/carenote/carenote/model"
)

func syncOp(t *testing.T, kind model.OperationKind, entityID string, base int64, payload interface{}) model.SyncOperation {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return model.SyncOperation{
		OperationID:     gofakeit.UUID(),
		Kind:            kind,
		EntityID:        entityID,
		BaseVersion:     base,
		Payload:         raw,
		ClientTimestamp: time.Now().UTC(),
	}
}

func demographics() model.Demographics {
	return model.Demographics{
		GivenName:         gofakeit.FirstName(),
		FamilyName:        gofakeit.LastName(),
		DateOfBirth:       gofakeit.Date().Format("2006-01-02"),
		Sex:               "male",
		PreferredLanguage: "en",
	}
}

func failedIDs(resp *model.SyncResponse) map[string]bool {
	out := make(map[string]bool)
	for _, f := range resp.FailedOperations {
		out[f.OperationID] = f.Retryable
	}
	return out
}

func TestSync_PartialBatchSuccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	patientID := model.GenerateUUIDWithSuffix("pat")
	createPatient := syncOp(t, model.OpCreatePatient, patientID, 0, model.CreatePatientPayload{Demographics: demographics()})
	orphan := syncOp(t, model.OpCreateConsultation, model.GenerateUUIDWithSuffix("con"), 0,
		model.CreateConsultationPayload{PatientID: "pat_not_synced", LanguageCode: "en"})
	malformed := model.SyncOperation{OperationID: gofakeit.UUID(), Kind: model.OpUpdateNote, EntityID: "con_x", Payload: json.RawMessage(`{"note":`)}
	consultationID := model.GenerateUUIDWithSuffix("con")
	createConsultation := syncOp(t, model.OpCreateConsultation, consultationID, 0,
		model.CreateConsultationPayload{PatientID: patientID, LanguageCode: "sw"})

	resp, err := env.carenote.Sync(ctx, model.SyncEnvelope{
		DeviceID:   "dev_a",
		Operations: []model.SyncOperation{createPatient, orphan, malformed, createConsultation},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{createPatient.OperationID, createConsultation.OperationID}, resp.SyncedOperationIDs)
	failed := failedIDs(resp)
	require.Len(t, failed, 2)
	assert.True(t, failed[orphan.OperationID])
	assert.False(t, failed[malformed.OperationID])
	require.Len(t, resp.Outcomes, 4)
	assert.Equal(t, model.OutcomeRejected, resp.Outcomes[1].Status)

	rec, err := env.ds.GetConsultation(ctx, consultationID)
	require.NoError(t, err)
	assert.Equal(t, "dev_a", rec.DeviceID)
	assert.Equal(t, model.StagePending, rec.Stage)
	assert.NotEmpty(t, resp.NewRecordsSinceCursor)
}

func TestSync_ReplayReturnsRecordedOutcome(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	patientID := model.GenerateUUIDWithSuffix("pat")
	op := syncOp(t, model.OpCreatePatient, patientID, 0, model.CreatePatientPayload{Demographics: demographics()})
	envelope := model.SyncEnvelope{DeviceID: "dev_a", Operations: []model.SyncOperation{op}}

	first, err := env.carenote.Sync(ctx, envelope)
	require.NoError(t, err)
	second, err := env.carenote.Sync(ctx, envelope)
	require.NoError(t, err)

	assert.False(t, first.Outcomes[0].Replayed)
	assert.True(t, second.Outcomes[0].Replayed)
	assert.Equal(t, first.Outcomes[0].Status, second.Outcomes[0].Status)
	assert.Equal(t, first.Outcomes[0].Version, second.Outcomes[0].Version)
	assert.Equal(t, []string{op.OperationID}, second.SyncedOperationIDs)

	patient, err := env.ds.GetPatient(ctx, patientID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), patient.Version)
}

func TestSync_RetryableRejectionIsNotRecorded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	patientID := model.GenerateUUIDWithSuffix("pat")
	consultation := syncOp(t, model.OpCreateConsultation, model.GenerateUUIDWithSuffix("con"), 0,
		model.CreateConsultationPayload{PatientID: patientID})

	resp, err := env.carenote.Sync(ctx, model.SyncEnvelope{DeviceID: "dev_a", Operations: []model.SyncOperation{consultation}})
	require.NoError(t, err)
	assert.True(t, failedIDs(resp)[consultation.OperationID])

	// the patient arrives first in the next batch, the consultation now applies
	patient := syncOp(t, model.OpCreatePatient, patientID, 0, model.CreatePatientPayload{Demographics: demographics()})
	resp, err = env.carenote.Sync(ctx, model.SyncEnvelope{DeviceID: "dev_a", Operations: []model.SyncOperation{patient, consultation}})
	require.NoError(t, err)
	assert.Equal(t, []string{patient.OperationID, consultation.OperationID}, resp.SyncedOperationIDs)
	assert.False(t, resp.Outcomes[1].Replayed)
}

func TestSync_DemographicsLastWriterWins(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	patient := env.seedPatient(t)
	now := time.Now().UTC()

	edit := func(device string, editedAt time.Time) (model.Demographics, model.OperationOutcome) {
		d := demographics()
		op := syncOp(t, model.OpUpdateDemographics, patient.PatientID, 1, model.UpdateDemographicsPayload{Demographics: d, EditedAt: editedAt})
		resp, err := env.carenote.Sync(ctx, model.SyncEnvelope{DeviceID: device, Operations: []model.SyncOperation{op}})
		require.NoError(t, err)
		return d, resp.Outcomes[0]
	}

	_, applied := edit("dev_a", now)
	assert.Equal(t, model.OutcomeApplied, applied.Status)
	assert.Equal(t, int64(2), applied.Version)

	_, older := edit("dev_b", now.Add(-time.Hour))
	assert.Equal(t, model.OutcomeSuperseded, older.Status)
	assert.True(t, older.Synced())

	newest, newer := edit("dev_c", now.Add(time.Hour))
	assert.Equal(t, model.OutcomeApplied, newer.Status)
	assert.Equal(t, "last_writer_wins", newer.Reason)

	stored, err := env.ds.GetPatient(ctx, patient.PatientID)
	require.NoError(t, err)
	assert.Equal(t, newest, stored.Demographics)
	assert.Equal(t, int64(3), stored.Version)
}

func TestSync_StaleConsultationEditIsAppended(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rec := env.seedConsultation(t)

	first := syncOp(t, model.OpUpdateConsultation, rec.ConsultationID, 1,
		model.UpdateConsultationPayload{Metadata: map[string]interface{}{"ward": "maternity"}})
	stale := syncOp(t, model.OpUpdateConsultation, rec.ConsultationID, 1,
		model.UpdateConsultationPayload{Metadata: map[string]interface{}{"ward": "outpatients"}})

	resp, err := env.carenote.Sync(ctx, model.SyncEnvelope{DeviceID: "dev_b", Operations: []model.SyncOperation{first, stale}})
	require.NoError(t, err)
	require.Len(t, resp.Outcomes, 2)
	assert.Equal(t, model.OutcomeApplied, resp.Outcomes[0].Status)
	assert.Equal(t, int64(2), resp.Outcomes[0].Version)

	appended := resp.Outcomes[1]
	assert.Equal(t, model.OutcomeConflicted, appended.Status)
	require.True(t, strings.HasPrefix(appended.Reason, "appended as con_"))
	require.Len(t, resp.Conflicts, 1)
	assert.Equal(t, model.PolicyAppendOnly, resp.Conflicts[0].Policy)

	derived, err := env.ds.GetConsultation(ctx, strings.TrimPrefix(appended.Reason, "appended as "))
	require.NoError(t, err)
	assert.Equal(t, rec.ConsultationID, derived.DerivedFrom)
	assert.Equal(t, "outpatients", derived.Metadata["ward"])

	current, err := env.ds.GetConsultation(ctx, rec.ConsultationID)
	require.NoError(t, err)
	assert.Equal(t, "maternity", current.Metadata["ward"])
}

func TestSync_TwoDevicesEditSameNote(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rec := env.seedConsultation(t)
	require.NoError(t, env.ds.SaveNote(ctx, &model.ClinicalNote{
		ConsultationID: rec.ConsultationID,
		Content:        sampleNote(),
		Source:         model.NoteSourceGenerated,
	}))

	noteA := sampleNote()
	noteA.Plan = "Amoxicillin 500mg for five days"
	noteB := sampleNote()
	noteB.Plan = "Refer to district hospital"

	editA := syncOp(t, model.OpUpdateNote, rec.ConsultationID, 1, model.UpdateNotePayload{Note: noteA})
	editB := syncOp(t, model.OpUpdateNote, rec.ConsultationID, 1, model.UpdateNotePayload{Note: noteB})

	respA, err := env.carenote.Sync(ctx, model.SyncEnvelope{DeviceID: "dev_a", Operations: []model.SyncOperation{editA}})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeApplied, respA.Outcomes[0].Status)

	respB, err := env.carenote.Sync(ctx, model.SyncEnvelope{DeviceID: "dev_b", Operations: []model.SyncOperation{editB}})
	require.NoError(t, err)
	outcome := respB.Outcomes[0]
	assert.Equal(t, model.OutcomeConflicted, outcome.Status)
	assert.True(t, outcome.Synced())
	require.NotEmpty(t, outcome.ConflictID)
	require.Len(t, respB.Conflicts, 1)
	assert.Equal(t, model.EntityNote, respB.Conflicts[0].EntityKind)
	assert.Equal(t, model.PolicyManualReview, respB.Conflicts[0].Policy)

	note, err := env.ds.GetNote(ctx, rec.ConsultationID)
	require.NoError(t, err)
	assert.Equal(t, noteA.Plan, note.Content.Plan)
	assert.Equal(t, model.NoteSourceClinician, note.Source)
	assert.True(t, note.ConflictFlag)

	got, err := env.ds.GetConsultation(ctx, rec.ConsultationID)
	require.NoError(t, err)
	assert.True(t, got.ConflictFlag)

	conflict, err := env.carenote.GetConflict(ctx, outcome.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictOpen, conflict.Status)
	assert.Equal(t, "dev_b", conflict.IncomingDeviceID)
	assert.Equal(t, int64(1), conflict.IncomingBaseVersion)
	assert.Equal(t, int64(2), conflict.ExistingVersion)
	assert.Positive(t, conflict.EditDistance)

	var incoming model.StructuredNote
	require.NoError(t, json.Unmarshal(conflict.IncomingPayload, &incoming))
	assert.Equal(t, noteB.Plan, incoming.Plan)
}

func TestSync_NoteInsertRequiresZeroBase(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rec := env.seedConsultation(t)

	bad := syncOp(t, model.OpUpdateNote, rec.ConsultationID, 3, model.UpdateNotePayload{Note: sampleNote()})
	good := syncOp(t, model.OpUpdateNote, rec.ConsultationID, 0, model.UpdateNotePayload{Note: sampleNote()})

	resp, err := env.carenote.Sync(ctx, model.SyncEnvelope{DeviceID: "dev_a", Operations: []model.SyncOperation{bad, good}})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeRejected, resp.Outcomes[0].Status)
	assert.Equal(t, model.OutcomeApplied, resp.Outcomes[1].Status)
	assert.Equal(t, int64(1), resp.Outcomes[1].Version)
}

func TestSync_UploadChunkOperation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	payload := []byte(gofakeit.Paragraph(1, 4, 12, " "))
	session := env.startUpload(t, payload)

	op := syncOp(t, model.OpUploadChunk, "", 0, model.UploadChunkPayload{
		SessionID: session.SessionID,
		Data:      payload,
		ChunkHash: model.HashBytes(payload),
	})
	resp, err := env.carenote.Sync(ctx, model.SyncEnvelope{DeviceID: "dev_a", Operations: []model.SyncOperation{op}})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeApplied, resp.Outcomes[0].Status)
	assert.Equal(t, session.SessionID, resp.Outcomes[0].EntityID)
	assert.Equal(t, int64(len(payload)), resp.Outcomes[0].Version)
}

func TestSync_CursorPaging(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.carenote.conf.Sync.PageSize = 2
	for i := 0; i < 3; i++ {
		env.seedPatient(t)
	}

	page, err := env.carenote.Sync(ctx, model.SyncEnvelope{DeviceID: "dev_a"})
	require.NoError(t, err)
	require.Len(t, page.NewRecordsSinceCursor, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, int64(1), page.NewRecordsSinceCursor[0].Sequence)

	page, err = env.carenote.Sync(ctx, model.SyncEnvelope{DeviceID: "dev_a", Cursor: page.NewCursor})
	require.NoError(t, err)
	require.Len(t, page.NewRecordsSinceCursor, 1)
	assert.False(t, page.HasMore)
	assert.Equal(t, int64(3), page.NewRecordsSinceCursor[0].Sequence)
	cursor := page.NewCursor

	page, err = env.carenote.Sync(ctx, model.SyncEnvelope{DeviceID: "dev_a", Cursor: cursor})
	require.NoError(t, err)
	assert.Empty(t, page.NewRecordsSinceCursor)
	assert.Equal(t, cursor, page.NewCursor)
}

func TestSync_EnvelopeValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.carenote.Sync(ctx, model.SyncEnvelope{})
	assert.Equal(t, apierror.ErrInvalidInput, apierror.CodeOf(err))

	_, err = env.carenote.Sync(ctx, model.SyncEnvelope{DeviceID: "dev_a", Cursor: "not-a-cursor"})
	assert.Equal(t, apierror.ErrInvalidInput, apierror.CodeOf(err))

	env.carenote.conf.Sync.MaxBatchOperations = 1
	ops := []model.SyncOperation{{OperationID: "a"}, {OperationID: "b"}}
	_, err = env.carenote.Sync(ctx, model.SyncEnvelope{DeviceID: "dev_a", Operations: ops})
	assert.Equal(t, apierror.ErrInvalidInput, apierror.CodeOf(err))
}

// outcomeLossDataSource fails the first failures calls to SaveSyncOutcome.
type outcomeLossDataSource struct {
	*database.MemoryDataSource
	failures int
}

func (d *outcomeLossDataSource) SaveSyncOutcome(ctx context.Context, deviceID string, outcome *model.OperationOutcome) error {
	if d.failures > 0 {
		d.failures--
		return errors.New("connection reset by peer")
	}
	return d.MemoryDataSource.SaveSyncOutcome(ctx, deviceID, outcome)
}

func TestSync_UnrecordedNoteEditIsRetriedAsReplay(t *testing.T) {
	env := newWrappedTestEnv(t, func(ds *database.MemoryDataSource) database.IDataSource {
		return &outcomeLossDataSource{MemoryDataSource: ds, failures: 1}
	})
	ctx := context.Background()
	rec := env.seedConsultation(t)
	require.NoError(t, env.ds.SaveNote(ctx, &model.ClinicalNote{
		ConsultationID: rec.ConsultationID,
		Content:        sampleNote(),
		Source:         model.NoteSourceGenerated,
	}))

	edited := sampleNote()
	edited.Plan = "Paracetamol 1g three times daily"
	edit := syncOp(t, model.OpUpdateNote, rec.ConsultationID, 1, model.UpdateNotePayload{Note: edited})
	envelope := model.SyncEnvelope{DeviceID: "dev_a", Operations: []model.SyncOperation{edit}}

	first, err := env.carenote.Sync(ctx, envelope)
	require.NoError(t, err)
	assert.Empty(t, first.SyncedOperationIDs)
	assert.True(t, failedIDs(first)[edit.OperationID])
	assert.Equal(t, model.OutcomeRejected, first.Outcomes[0].Status)

	second, err := env.carenote.Sync(ctx, envelope)
	require.NoError(t, err)
	assert.Equal(t, []string{edit.OperationID}, second.SyncedOperationIDs)
	assert.Equal(t, model.OutcomeApplied, second.Outcomes[0].Status)
	assert.Equal(t, int64(2), second.Outcomes[0].Version)
	assert.Empty(t, second.Conflicts)

	note, err := env.ds.GetNote(ctx, rec.ConsultationID)
	require.NoError(t, err)
	assert.Equal(t, edited.Plan, note.Content.Plan)
	assert.Equal(t, int64(2), note.Version)
	assert.False(t, note.ConflictFlag)
	assert.Equal(t, edit.OperationID, note.LastOperationID)

	// the outcome is recorded now, a third send is a plain replay
	third, err := env.carenote.Sync(ctx, envelope)
	require.NoError(t, err)
	assert.True(t, third.Outcomes[0].Replayed)
	assert.Equal(t, model.OutcomeApplied, third.Outcomes[0].Status)
}

func TestSync_DemographicsBeforePatientIsRetryable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	patientID := model.GenerateUUIDWithSuffix("pat")
	update := syncOp(t, model.OpUpdateDemographics, patientID, 1, model.UpdateDemographicsPayload{Demographics: demographics()})

	resp, err := env.carenote.Sync(ctx, model.SyncEnvelope{DeviceID: "dev_a", Operations: []model.SyncOperation{update}})
	require.NoError(t, err)
	assert.True(t, failedIDs(resp)[update.OperationID])
	_, err = env.ds.GetSyncOutcome(ctx, "dev_a", update.OperationID)
	assert.True(t, apierror.Is(err, apierror.ErrNotFound))

	create := syncOp(t, model.OpCreatePatient, patientID, 0, model.CreatePatientPayload{Demographics: demographics()})
	resp, err = env.carenote.Sync(ctx, model.SyncEnvelope{DeviceID: "dev_a", Operations: []model.SyncOperation{create, update}})
	require.NoError(t, err)
	assert.Equal(t, []string{create.OperationID, update.OperationID}, resp.SyncedOperationIDs)
	assert.Equal(t, model.OutcomeApplied, resp.Outcomes[1].Status)
}
