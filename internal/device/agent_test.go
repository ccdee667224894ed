package device

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carenote/carenote/internal/apierror"
	"github.com/carenote/carenote/internal/localcache"
	"github.com/carenote/carenote/model"
)

const serverURL = "http://carenote.test"

// fakeServer keeps just enough upload state to answer the agent.
type fakeServer struct {
	mu             sync.Mutex
	total          int64
	received       model.RangeSet
	data           []byte
	finalizeCalls  int
	failFinalizeAt int
	syncBodies     []model.SyncEnvelope
	syncResponse   func(env model.SyncEnvelope) *model.SyncResponse
}

func jsonResponse(status int, body interface{}) (*http.Response, error) {
	return httpmock.NewJsonResponse(status, body)
}

func (s *fakeServer) ack() model.ChunkAck {
	return model.ChunkAck{
		SessionID:        "up_1",
		ResumeFromOffset: s.received.FirstGap(s.total),
		ReceivedBytes:    s.received.Received(),
		Missing:          s.received.Missing(s.total),
		Complete:         s.received.Complete(s.total),
	}
}

func (s *fakeServer) register(mt *httpmock.MockTransport) {
	mt.RegisterResponder(http.MethodPost, serverURL+"/uploads", func(req *http.Request) (*http.Response, error) {
		var session model.UploadSession
		if err := json.NewDecoder(req.Body).Decode(&session); err != nil {
			return jsonResponse(http.StatusBadRequest, apierror.NewAPIError(apierror.ErrBadRequest, err.Error(), nil))
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.total = session.TotalBytes
		s.data = make([]byte, session.TotalBytes)
		session.SessionID = "up_1"
		session.ConsultationID = "con_1"
		return jsonResponse(http.StatusCreated, session)
	})
	mt.RegisterResponder(http.MethodGet, serverURL+"/uploads/up_1", func(*http.Request) (*http.Response, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return jsonResponse(http.StatusOK, s.ack())
	})
	mt.RegisterResponder(http.MethodPut, serverURL+"/uploads/up_1/chunks", func(req *http.Request) (*http.Response, error) {
		offset, _ := strconv.ParseInt(req.URL.Query().Get("offset"), 10, 64)
		body, _ := io.ReadAll(req.Body)
		if req.Header.Get(ChunkHashHeader) != model.HashBytes(body) {
			return jsonResponse(http.StatusBadRequest, apierror.NewAPIError(apierror.ErrInvalidInput, "chunk hash mismatch", nil))
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		copy(s.data[offset:], body)
		s.received = s.received.Add(offset, offset+int64(len(body)))
		return jsonResponse(http.StatusOK, s.ack())
	})
	mt.RegisterResponder(http.MethodPost, serverURL+"/uploads/up_1/finalize", func(*http.Request) (*http.Response, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.finalizeCalls++
		if !s.received.Complete(s.total) || s.finalizeCalls == s.failFinalizeAt {
			return jsonResponse(http.StatusUnprocessableEntity, apierror.APIError{
				Code:    apierror.ErrIncompleteUpload,
				Message: "upload is incomplete",
				Details: map[string]interface{}{"resume_from_offset": s.received.FirstGap(s.total)},
			})
		}
		return jsonResponse(http.StatusOK, model.FinalizeResult{SessionID: "up_1", ConsultationID: "con_1", Stage: model.StagePending})
	})
	mt.RegisterResponder(http.MethodPost, serverURL+"/sync", func(req *http.Request) (*http.Response, error) {
		var env model.SyncEnvelope
		if err := json.NewDecoder(req.Body).Decode(&env); err != nil {
			return jsonResponse(http.StatusBadRequest, apierror.NewAPIError(apierror.ErrBadRequest, err.Error(), nil))
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.syncBodies = append(s.syncBodies, env)
		if s.syncResponse != nil {
			return jsonResponse(http.StatusOK, s.syncResponse(env))
		}
		return jsonResponse(http.StatusOK, model.SyncResponse{NewCursor: env.Cursor})
	})
}

type agentEnv struct {
	cache  *localcache.Cache
	server *fakeServer
	mt     *httpmock.MockTransport
	agent  *Agent
	dir    string
}

func newAgentEnv(t *testing.T) *agentEnv {
	t.Helper()
	cache, err := localcache.Open(filepath.Join(t.TempDir(), "device.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	mt := httpmock.NewMockTransport()
	server := &fakeServer{}
	server.register(mt)

	client := NewClient(serverURL, "secret", WithHTTPClient(&http.Client{Transport: mt}), WithMaxElapsed(20*time.Millisecond))
	return &agentEnv{
		cache:  cache,
		server: server,
		mt:     mt,
		agent:  NewAgent("dev_a", cache, client, WithChunkBytes(40)),
		dir:    t.TempDir(),
	}
}

func (e *agentEnv) capture(t *testing.T, size int) (*localcache.Capture, []byte) {
	t.Helper()
	audio := make([]byte, size)
	for i := range audio {
		audio[i] = byte(gofakeit.Number(0, 255))
	}
	require.NoError(t, os.WriteFile(filepath.Join(e.dir, "visit.wav"), audio, 0o600))

	manifest, err := json.Marshal(CaptureManifest{AudioFile: "visit.wav", PatientID: "pat_1", LanguageCode: "sw"})
	require.NoError(t, err)
	manifestPath := filepath.Join(e.dir, "visit.json")
	require.NoError(t, os.WriteFile(manifestPath, manifest, 0o600))

	capture, err := NewWatcher(e.dir, e.cache).Ingest(context.Background(), manifestPath)
	require.NoError(t, err)
	return capture, audio
}

func TestSyncOnce_UploadsCaptureInChunks(t *testing.T) {
	env := newAgentEnv(t)
	ctx := context.Background()
	capture, audio := env.capture(t, 100)

	report, err := env.agent.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Uploaded)

	assert.Equal(t, audio, env.server.data)
	info := env.mt.GetCallCountInfo()
	assert.Equal(t, 3, info["PUT "+serverURL+"/uploads/up_1/chunks"])
	assert.Equal(t, 1, env.server.finalizeCalls)

	stored, err := env.cache.GetCapture(ctx, capture.CaptureID)
	require.NoError(t, err)
	assert.Equal(t, localcache.CaptureFinalized, stored.Status)
	assert.Equal(t, "con_1", stored.ConsultationID)
	assert.Equal(t, "up_1", stored.SessionID)

	pending, err := env.cache.PendingCaptures(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSyncOnce_ResumesAfterIncompleteFinalize(t *testing.T) {
	env := newAgentEnv(t)
	ctx := context.Background()
	capture, _ := env.capture(t, 60)
	env.server.failFinalizeAt = 1

	_, err := env.agent.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, env.server.finalizeCalls)

	stored, err := env.cache.GetCapture(ctx, capture.CaptureID)
	require.NoError(t, err)
	assert.Equal(t, localcache.CaptureFinalized, stored.Status)
}

func TestSyncOnce_ExpiredSessionStartsOver(t *testing.T) {
	env := newAgentEnv(t)
	ctx := context.Background()
	capture, _ := env.capture(t, 10)

	capture.SessionID = "up_gone"
	capture.Status = localcache.CaptureUploading
	require.NoError(t, env.cache.UpdateCapture(ctx, capture))
	env.mt.RegisterResponder(http.MethodGet, serverURL+"/uploads/up_gone",
		httpmock.NewJsonResponderOrPanic(http.StatusNotFound, apierror.APIError{Code: apierror.ErrNotFound, Message: "upload session not found"}))

	_, err := env.agent.SyncOnce(ctx)
	require.Error(t, err)
	assert.True(t, apierror.IsRetryable(err))

	stored, err := env.cache.GetCapture(ctx, capture.CaptureID)
	require.NoError(t, err)
	assert.Equal(t, localcache.CapturePending, stored.Status)
	assert.Empty(t, stored.SessionID)

	// The next pass opens a fresh session.
	_, err = env.agent.SyncOnce(ctx)
	require.NoError(t, err)
	stored, err = env.cache.GetCapture(ctx, capture.CaptureID)
	require.NoError(t, err)
	assert.Equal(t, localcache.CaptureFinalized, stored.Status)
	assert.Equal(t, "up_1", stored.SessionID)
}

func TestSyncOnce_RecordsOperationOutcomes(t *testing.T) {
	env := newAgentEnv(t)
	ctx := context.Background()

	ops := []*model.SyncOperation{
		{OperationID: "op_applied", Kind: model.OpCreatePatient, EntityID: "pat_1", Payload: json.RawMessage(`{}`)},
		{OperationID: "op_later", Kind: model.OpCreateConsultation, EntityID: "con_9", Payload: json.RawMessage(`{}`)},
		{OperationID: "op_bad", Kind: model.OpUpdateNote, EntityID: "con_1", Payload: json.RawMessage(`{}`)},
	}
	for _, op := range ops {
		require.NoError(t, env.cache.Enqueue(ctx, op))
	}

	patient := json.RawMessage(`{"patient_id":"pat_1","version":1}`)
	env.server.syncResponse = func(sent model.SyncEnvelope) *model.SyncResponse {
		return &model.SyncResponse{
			SyncedOperationIDs: []string{"op_applied"},
			FailedOperations: []model.FailedOperation{
				{OperationID: "op_later", Reason: "patient not synced yet", Retryable: true},
				{OperationID: "op_bad", Reason: "malformed note", Retryable: false},
			},
			Outcomes: []model.OperationOutcome{
				{OperationID: "op_applied", Status: model.OutcomeApplied, Version: 1},
				{OperationID: "op_later", Status: model.OutcomeRejected, Reason: "patient not synced yet"},
				{OperationID: "op_bad", Status: model.OutcomeRejected, Reason: "malformed note"},
			},
			NewRecordsSinceCursor: []model.ChangeRecord{
				{Sequence: 1, EntityKind: model.EntityPatient, EntityID: "pat_1", Version: 1, Payload: patient},
			},
			NewCursor: model.EncodeCursor(1),
		}
	}

	report, err := env.agent.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pushed)
	assert.Equal(t, 1, report.Rejected)
	assert.Equal(t, 1, report.Deferred)
	assert.Equal(t, 1, report.Pulled)

	require.Len(t, env.server.syncBodies, 1)
	assert.Equal(t, "dev_a", env.server.syncBodies[0].DeviceID)
	assert.Len(t, env.server.syncBodies[0].Operations, 3)

	statuses := map[string]localcache.OperationStatus{
		"op_applied": localcache.OperationSynced,
		"op_later":   localcache.OperationPending,
		"op_bad":     localcache.OperationFailed,
	}
	for id, want := range statuses {
		op, err := env.cache.GetOperation(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, op.Status, id)
	}

	cursor, err := env.cache.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.EncodeCursor(1), cursor)

	version, err := env.cache.Version(ctx, model.EntityPatient, "pat_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
}

func TestSyncOnce_PullsUntilNoMore(t *testing.T) {
	env := newAgentEnv(t)
	ctx := context.Background()

	env.server.syncResponse = func(sent model.SyncEnvelope) *model.SyncResponse {
		seq, _ := model.DecodeCursor(sent.Cursor)
		seq++
		return &model.SyncResponse{
			NewRecordsSinceCursor: []model.ChangeRecord{{
				Sequence: seq, EntityKind: model.EntityPatient, EntityID: "pat_" + strconv.FormatInt(seq, 10),
				Version: 1, Payload: json.RawMessage(`{}`),
			}},
			NewCursor: model.EncodeCursor(seq),
			HasMore:   seq < 3,
		}
	}

	report, err := env.agent.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Pulled)
	assert.Len(t, env.server.syncBodies, 3)
}

func TestSyncOnce_OfflineKeepsQueue(t *testing.T) {
	env := newAgentEnv(t)
	ctx := context.Background()
	require.NoError(t, env.cache.Enqueue(ctx, &model.SyncOperation{
		OperationID: "op_1", Kind: model.OpCreatePatient, EntityID: "pat_1", Payload: json.RawMessage(`{}`),
	}))
	env.mt.RegisterResponder(http.MethodPost, serverURL+"/sync", httpmock.NewErrorResponder(errors.New("network is unreachable")))

	_, err := env.agent.SyncOnce(ctx)
	require.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.ErrTransient))

	op, err := env.cache.GetOperation(ctx, "op_1")
	require.NoError(t, err)
	assert.Equal(t, localcache.OperationPending, op.Status)
}
