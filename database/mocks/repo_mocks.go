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
package mocks

import (
	"context"
	"time"

	"github.com/carenote/carenote/model"
	"github.com/stretchr/testify/mock"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// Consultation methods

func (m *MockDataSource) CreateConsultation(ctx context.Context, rec *model.ConsultationRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockDataSource) GetConsultation(ctx context.Context, id string) (*model.ConsultationRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ConsultationRecord), args.Error(1)
}

func (m *MockDataSource) GetConsultationByUploadSession(ctx context.Context, sessionID string) (*model.ConsultationRecord, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ConsultationRecord), args.Error(1)
}

func (m *MockDataSource) UpdateConsultation(ctx context.Context, rec *model.ConsultationRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockDataSource) CommitStage(ctx context.Context, rec *model.ConsultationRecord, result *model.StageResult) error {
	args := m.Called(ctx, rec, result)
	return args.Error(0)
}

func (m *MockDataSource) GetStuckConsultations(ctx context.Context, stages []model.Stage, updatedBefore time.Time, limit int) ([]*model.ConsultationRecord, error) {
	args := m.Called(ctx, stages, updatedBefore, limit)
	result, _ := args.Get(0).([]*model.ConsultationRecord)
	return result, args.Error(1)
}

func (m *MockDataSource) GetPendingDeferred(ctx context.Context, updatedBefore time.Time, limit int) ([]*model.ConsultationRecord, error) {
	args := m.Called(ctx, updatedBefore, limit)
	result, _ := args.Get(0).([]*model.ConsultationRecord)
	return result, args.Error(1)
}

// Stage result methods

func (m *MockDataSource) GetStageResult(ctx context.Context, consultationID string, capability model.Capability) (*model.StageResult, error) {
	args := m.Called(ctx, consultationID, capability)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.StageResult), args.Error(1)
}

func (m *MockDataSource) GetStageResults(ctx context.Context, consultationID string) ([]*model.StageResult, error) {
	args := m.Called(ctx, consultationID)
	result, _ := args.Get(0).([]*model.StageResult)
	return result, args.Error(1)
}

// Patient methods

func (m *MockDataSource) CreatePatient(ctx context.Context, p *model.Patient) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockDataSource) GetPatient(ctx context.Context, id string) (*model.Patient, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Patient), args.Error(1)
}

func (m *MockDataSource) UpdatePatient(ctx context.Context, p *model.Patient) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

// Note methods

func (m *MockDataSource) GetNote(ctx context.Context, consultationID string) (*model.ClinicalNote, error) {
	args := m.Called(ctx, consultationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ClinicalNote), args.Error(1)
}

func (m *MockDataSource) SaveNote(ctx context.Context, n *model.ClinicalNote) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}

// Conflict methods

func (m *MockDataSource) CreateConflict(ctx context.Context, c *model.ConflictRecord) error {
	args := m.Called(ctx, c)
	return args.Error(0)
}

func (m *MockDataSource) GetConflict(ctx context.Context, id string) (*model.ConflictRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ConflictRecord), args.Error(1)
}

func (m *MockDataSource) ListConflicts(ctx context.Context, status model.ConflictStatus, limit, offset int) ([]*model.ConflictRecord, error) {
	args := m.Called(ctx, status, limit, offset)
	result, _ := args.Get(0).([]*model.ConflictRecord)
	return result, args.Error(1)
}

func (m *MockDataSource) ResolveConflict(ctx context.Context, c *model.ConflictRecord) error {
	args := m.Called(ctx, c)
	return args.Error(0)
}

func (m *MockDataSource) DeleteConflict(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// Sync methods

func (m *MockDataSource) GetSyncOutcome(ctx context.Context, deviceID, operationID string) (*model.OperationOutcome, error) {
	args := m.Called(ctx, deviceID, operationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.OperationOutcome), args.Error(1)
}

func (m *MockDataSource) SaveSyncOutcome(ctx context.Context, deviceID string, outcome *model.OperationOutcome) error {
	args := m.Called(ctx, deviceID, outcome)
	return args.Error(0)
}

func (m *MockDataSource) GetChangesSince(ctx context.Context, sequence int64, limit int) ([]model.ChangeRecord, error) {
	args := m.Called(ctx, sequence, limit)
	result, _ := args.Get(0).([]model.ChangeRecord)
	return result, args.Error(1)
}

// Upload session methods

func (m *MockDataSource) CreateUploadSession(ctx context.Context, s *model.UploadSession) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockDataSource) GetUploadSession(ctx context.Context, id string) (*model.UploadSession, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.UploadSession), args.Error(1)
}

func (m *MockDataSource) UpdateUploadSession(ctx context.Context, s *model.UploadSession) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockDataSource) DeleteUploadSession(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockDataSource) GetExpiredUploadSessions(ctx context.Context, updatedBefore time.Time, limit int) ([]*model.UploadSession, error) {
	args := m.Called(ctx, updatedBefore, limit)
	result, _ := args.Get(0).([]*model.UploadSession)
	return result, args.Error(1)
}
