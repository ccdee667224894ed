package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carenote/carenote/internal/apierror"
)

func newTestManager(t *testing.T, dispatch Dispatcher) (*redisHookManager, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewHookManager(client, dispatch).(*redisHookManager), mr
}

func queued(t *testing.T, hook *Hook, payload HookPayload) *asynq.Task {
	t.Helper()
	raw, err := json.Marshal(HookTaskPayload{Hook: hook, Payload: payload})
	require.NoError(t, err)
	return asynq.NewTask("hooks:deliver", raw)
}

func TestRegisterAndListHooks(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	ehr := &Hook{Name: "ehr", URL: "http://ehr.local/stage", Type: StageHook, Active: true}
	review := &Hook{Name: "review queue", URL: "http://review.local/conflicts", Type: ConflictHook, Active: true}
	require.NoError(t, m.RegisterHook(ctx, ehr))
	require.NoError(t, m.RegisterHook(ctx, review))
	assert.NotEmpty(t, ehr.ID)
	assert.Equal(t, 30, ehr.Timeout)

	stage, err := m.ListHooks(ctx, StageHook)
	require.NoError(t, err)
	require.Len(t, stage, 1)
	assert.Equal(t, "ehr", stage[0].Name)

	all, err := m.ListHooks(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = m.ListHooks(ctx, "LEDGER")
	assert.True(t, apierror.Is(err, apierror.ErrInvalidInput))
}

func TestRegisterHook_Validation(t *testing.T) {
	m, _ := newTestManager(t, nil)
	tests := []struct {
		name string
		hook Hook
	}{
		{"no url", Hook{Type: StageHook}},
		{"unknown type", Hook{URL: "http://x", Type: "PRE_TRANSACTION"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.RegisterHook(context.Background(), &tt.hook)
			assert.True(t, apierror.Is(err, apierror.ErrInvalidInput))
			assert.Empty(t, tt.hook.ID)
		})
	}
}

func TestUpdateHook_MovesTypeAndKeepsSecret(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	hook := &Hook{URL: "http://ehr.local/hook", Type: StageHook, Active: true, Secret: "s3cret"}
	require.NoError(t, m.RegisterHook(ctx, hook))

	require.NoError(t, m.UpdateHook(ctx, hook.ID, &Hook{URL: "http://ehr.local/conflicts", Type: ConflictHook, Active: true}))

	stage, _ := m.ListHooks(ctx, StageHook)
	conflict, _ := m.ListHooks(ctx, ConflictHook)
	assert.Empty(t, stage)
	require.Len(t, conflict, 1)
	assert.Equal(t, "http://ehr.local/conflicts", conflict[0].URL)
	assert.Equal(t, "s3cret", conflict[0].Secret)
	assert.Equal(t, hook.CreatedAt.Unix(), conflict[0].CreatedAt.Unix())
}

func TestDeleteHook(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	hook := &Hook{URL: "http://ehr.local/hook", Type: StageHook}
	require.NoError(t, m.RegisterHook(ctx, hook))
	require.NoError(t, m.DeleteHook(ctx, hook.ID))

	_, err := m.GetHook(ctx, hook.ID)
	assert.True(t, apierror.Is(err, apierror.ErrNotFound))
	assert.True(t, apierror.Is(m.DeleteHook(ctx, hook.ID), apierror.ErrNotFound))
}

func TestListHooks_DropsStaleMembers(t *testing.T) {
	m, mr := newTestManager(t, nil)
	ctx := context.Background()

	hook := &Hook{URL: "http://ehr.local/hook", Type: StageHook}
	require.NoError(t, m.RegisterHook(ctx, hook))
	mr.Del(hookKey(hook.ID))

	hooks, err := m.ListHooks(ctx, StageHook)
	require.NoError(t, err)
	assert.Empty(t, hooks)
	members, _ := mr.Members(typeKey(StageHook))
	assert.Empty(t, members)
}

func TestExecuteHooks_DispatchesActiveHooks(t *testing.T) {
	var mu sync.Mutex
	var dispatched []HookTaskPayload
	m, _ := newTestManager(t, func(_ context.Context, task HookTaskPayload) error {
		mu.Lock()
		defer mu.Unlock()
		dispatched = append(dispatched, task)
		return nil
	})
	ctx := context.Background()

	require.NoError(t, m.RegisterHook(ctx, &Hook{URL: "http://a", Type: StageHook, Active: true}))
	require.NoError(t, m.RegisterHook(ctx, &Hook{URL: "http://b", Type: StageHook, Active: false}))

	require.NoError(t, m.ExecuteHooks(ctx, StageHook, "consultation.transcribed", "con_1", map[string]string{"stage": "TRANSCRIBED"}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, dispatched, 1)
	assert.Equal(t, "http://a", dispatched[0].Hook.URL)
	assert.Equal(t, "con_1", dispatched[0].Payload.ConsultationID)
	assert.Equal(t, "consultation.transcribed", dispatched[0].Payload.Event)
	assert.NotEmpty(t, dispatched[0].Payload.DeliveryID)
	assert.JSONEq(t, `{"stage":"TRANSCRIBED"}`, string(dispatched[0].Payload.Data))
}

func TestProcessHookTask_DeliversSignedPayload(t *testing.T) {
	var received HookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.True(t, VerifySignature("s3cret", body, r.Header.Get(SignatureHeader)))
		assert.Equal(t, "consultation.complete", r.Header.Get("X-Hook-Event"))
		assert.Equal(t, "dlv_1", r.Header.Get(DeliveryHeader))
		assert.NoError(t, json.Unmarshal(body, &received))
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	m, _ := newTestManager(t, nil)
	ctx := context.Background()
	hook := &Hook{URL: server.URL, Type: StageHook, Timeout: 5, Secret: "s3cret"}
	require.NoError(t, m.RegisterHook(ctx, hook))

	err := m.ProcessHookTask(ctx, queued(t, hook, HookPayload{
		DeliveryID: "dlv_1", ConsultationID: "con_1", HookType: StageHook, Event: "consultation.complete", Timestamp: time.Now(),
	}))
	require.NoError(t, err)
	assert.Equal(t, "con_1", received.ConsultationID)

	stored, err := m.GetHook(ctx, hook.ID)
	require.NoError(t, err)
	assert.True(t, stored.LastSuccess)
	assert.False(t, stored.LastRun.IsZero())
}

func TestProcessHookTask_Failures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		skipRetry bool
	}{
		{"server error is retried", http.StatusBadGateway, "", false},
		{"rate limited is retried", http.StatusTooManyRequests, "", false},
		{"gone is final", http.StatusGone, "", true},
		{"reported failure is retried", http.StatusOK, `{"success":false,"message":"ehr offline"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			m, _ := newTestManager(t, nil)
			ctx := context.Background()
			hook := &Hook{URL: server.URL, Type: StageHook, Timeout: 5}
			require.NoError(t, m.RegisterHook(ctx, hook))

			err := m.ProcessHookTask(ctx, queued(t, hook, HookPayload{DeliveryID: "dlv_2"}))
			require.Error(t, err)
			assert.Equal(t, tt.skipRetry, errors.Is(err, asynq.SkipRetry))

			stored, err := m.GetHook(ctx, hook.ID)
			require.NoError(t, err)
			assert.False(t, stored.LastSuccess)
		})
	}
}

func TestProcessHookTask_PlainTextSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	m, _ := newTestManager(t, nil)
	hook := &Hook{ID: "hook_plain", URL: server.URL, Type: StageHook, Timeout: 5}
	assert.NoError(t, m.ProcessHookTask(context.Background(), queued(t, hook, HookPayload{})))
}

func TestDeliveryDoesNotResurrectDeletedHook(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	hook := &Hook{URL: server.URL, Type: StageHook, Timeout: 5}
	require.NoError(t, m.RegisterHook(ctx, hook))
	require.NoError(t, m.DeleteHook(ctx, hook.ID))

	require.NoError(t, m.ProcessHookTask(ctx, queued(t, hook, HookPayload{})))
	_, err := m.GetHook(ctx, hook.ID)
	assert.True(t, apierror.Is(err, apierror.ErrNotFound))
}

func TestProcessHookTask_MalformedPayload(t *testing.T) {
	m, _ := newTestManager(t, nil)
	err := m.ProcessHookTask(context.Background(), asynq.NewTask("hooks:deliver", []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = m.ProcessHookTask(context.Background(), asynq.NewTask("hooks:deliver", []byte(`{"payload":{}}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestRedactedHidesSecret(t *testing.T) {
	hook := &Hook{ID: "hook_1", Secret: "s3cret"}
	assert.Equal(t, "********", hook.Redacted().Secret)
	assert.Equal(t, "s3cret", hook.Secret)
	assert.Empty(t, (&Hook{}).Redacted().Secret)
}
