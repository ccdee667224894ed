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

package database

import (
	"context"
	"time"

	"github.com/carenote/carenote/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
//
// Every update method uses the Version field of its argument as the expected
// stored version and returns ErrVersionMismatch when it differs. On success the
// argument's Version is advanced. Every mutation appends to the change log.
type IDataSource interface {
	consultation  // Interface for consultation-related operations
	stageResult   // Interface for stage result lookups
	patient       // Interface for patient-related operations
	note          // Interface for clinical note operations
	conflict      // Interface for conflict record operations
	syncLedger    // Interface for per-device sync idempotency
	changeFeed    // Interface for the change log devices pull from
	uploadSession // Interface for resumable upload sessions
}

type consultation interface {
	CreateConsultation(ctx context.Context, rec *model.ConsultationRecord) error                                                             // Inserts a new consultation at version 1
	GetConsultation(ctx context.Context, id string) (*model.ConsultationRecord, error)                                                       // Retrieves a consultation by ID
	GetConsultationByUploadSession(ctx context.Context, sessionID string) (*model.ConsultationRecord, error)                                  // Retrieves the consultation created by a finalized upload
	UpdateConsultation(ctx context.Context, rec *model.ConsultationRecord) error                                                             // Compare-and-swap update
	CommitStage(ctx context.Context, rec *model.ConsultationRecord, result *model.StageResult) error                                         // Atomically updates a consultation and stores a stage result
	GetStuckConsultations(ctx context.Context, stages []model.Stage, updatedBefore time.Time, limit int) ([]*model.ConsultationRecord, error) // Lists consultations idle in the given stages
	GetPendingDeferred(ctx context.Context, updatedBefore time.Time, limit int) ([]*model.ConsultationRecord, error)                          // Lists complete consultations still waiting on risk or audio
}

type stageResult interface {
	GetStageResult(ctx context.Context, consultationID string, capability model.Capability) (*model.StageResult, error)
	GetStageResults(ctx context.Context, consultationID string) ([]*model.StageResult, error)
}

type patient interface {
	CreatePatient(ctx context.Context, p *model.Patient) error
	GetPatient(ctx context.Context, id string) (*model.Patient, error)
	UpdatePatient(ctx context.Context, p *model.Patient) error
}

type note interface {
	GetNote(ctx context.Context, consultationID string) (*model.ClinicalNote, error)
	SaveNote(ctx context.Context, n *model.ClinicalNote) error // Inserts when Version is 0, otherwise compare-and-swap
}

type conflict interface {
	CreateConflict(ctx context.Context, c *model.ConflictRecord) error
	GetConflict(ctx context.Context, id string) (*model.ConflictRecord, error)
	ListConflicts(ctx context.Context, status model.ConflictStatus, limit, offset int) ([]*model.ConflictRecord, error)
	ResolveConflict(ctx context.Context, c *model.ConflictRecord) error // Fails with ErrConflict unless the record is still open
	DeleteConflict(ctx context.Context, id string) error
}

type syncLedger interface {
	GetSyncOutcome(ctx context.Context, deviceID, operationID string) (*model.OperationOutcome, error)
	SaveSyncOutcome(ctx context.Context, deviceID string, outcome *model.OperationOutcome) error // First write wins
}

type changeFeed interface {
	GetChangesSince(ctx context.Context, sequence int64, limit int) ([]model.ChangeRecord, error)
}

type uploadSession interface {
	CreateUploadSession(ctx context.Context, s *model.UploadSession) error
	GetUploadSession(ctx context.Context, id string) (*model.UploadSession, error)
	UpdateUploadSession(ctx context.Context, s *model.UploadSession) error
	DeleteUploadSession(ctx context.Context, id string) error
	GetExpiredUploadSessions(ctx context.Context, updatedBefore time.Time, limit int) ([]*model.UploadSession, error)
}
