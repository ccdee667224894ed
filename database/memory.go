package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/carenote/carenote/internal/apierror"
	"github.com/carenote/carenote/model"
)

// MemoryDataSource is an in-process IDataSource. It backs the test suite and
// single-node development runs. Stored values are copied on every read and
// write so callers never share state with the store.
type MemoryDataSource struct {
	mu            sync.RWMutex
	consultations map[string]*model.ConsultationRecord
	results       map[string]*model.StageResult
	patients      map[string]*model.Patient
	notes         map[string]*model.ClinicalNote
	conflicts     map[string]*model.ConflictRecord
	outcomes      map[string]*model.OperationOutcome
	sessions      map[string]*model.UploadSession
	changes       []model.ChangeRecord
	now           func() time.Time
}

func NewMemoryDataSource() *MemoryDataSource {
	return &MemoryDataSource{
		consultations: make(map[string]*model.ConsultationRecord),
		results:       make(map[string]*model.StageResult),
		patients:      make(map[string]*model.Patient),
		notes:         make(map[string]*model.ClinicalNote),
		conflicts:     make(map[string]*model.ConflictRecord),
		outcomes:      make(map[string]*model.OperationOutcome),
		sessions:      make(map[string]*model.UploadSession),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source. Tests use it to age records.
func (m *MemoryDataSource) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// copyJSON deep-copies src into dst through a JSON round trip.
func copyJSON(dst, src interface{}) {
	raw, err := json.Marshal(src)
	if err != nil {
		panic(fmt.Sprintf("memory datasource: %v", err))
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		panic(fmt.Sprintf("memory datasource: %v", err))
	}
}

func (m *MemoryDataSource) appendChange(kind model.EntityKind, id string, version int64, entity interface{}) {
	payload, _ := json.Marshal(entity)
	m.changes = append(m.changes, model.ChangeRecord{
		Sequence:   int64(len(m.changes)) + 1,
		EntityKind: kind,
		EntityID:   id,
		Version:    version,
		Payload:    payload,
		ChangedAt:  m.now(),
	})
}

func resultKey(consultationID string, capability model.Capability) string {
	return consultationID + "/" + string(capability)
}

func (m *MemoryDataSource) CreateConsultation(_ context.Context, rec *model.ConsultationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.consultations[rec.ConsultationID]; exists {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Consultation '%s' already exists", rec.ConsultationID), nil)
	}
	if rec.UploadSessionID != "" {
		for _, existing := range m.consultations {
			if existing.UploadSessionID == rec.UploadSessionID {
				return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Upload session '%s' already finalized", rec.UploadSessionID), nil)
			}
		}
	}
	now := m.now()
	rec.Version = 1
	if rec.MetadataVersion == 0 {
		rec.MetadataVersion = 1
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	m.consultations[rec.ConsultationID] = rec.Clone()
	m.appendChange(model.EntityConsultation, rec.ConsultationID, rec.Version, rec)
	return nil
}

func (m *MemoryDataSource) GetConsultation(_ context.Context, id string) (*model.ConsultationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.consultations[id]
	if !ok {
		return nil, notFound("Consultation", id, nil)
	}
	return rec.Clone(), nil
}

func (m *MemoryDataSource) GetConsultationByUploadSession(_ context.Context, sessionID string) (*model.ConsultationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.consultations {
		if rec.UploadSessionID == sessionID {
			return rec.Clone(), nil
		}
	}
	return nil, notFound("Consultation for upload session", sessionID, nil)
}

func (m *MemoryDataSource) updateConsultationLocked(rec *model.ConsultationRecord) error {
	stored, ok := m.consultations[rec.ConsultationID]
	if !ok {
		return notFound("Consultation", rec.ConsultationID, nil)
	}
	if stored.Version != rec.Version {
		return versionMismatch("Consultation", rec.ConsultationID, rec.Version)
	}
	rec.Version++
	rec.UpdatedAt = m.now()
	m.consultations[rec.ConsultationID] = rec.Clone()
	m.appendChange(model.EntityConsultation, rec.ConsultationID, rec.Version, rec)
	return nil
}

func (m *MemoryDataSource) UpdateConsultation(_ context.Context, rec *model.ConsultationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateConsultationLocked(rec)
}

func (m *MemoryDataSource) CommitStage(_ context.Context, rec *model.ConsultationRecord, result *model.StageResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.updateConsultationLocked(rec); err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	key := resultKey(result.ConsultationID, result.Capability)
	if existing, ok := m.results[key]; ok && existing.Succeeded() {
		return nil
	}
	now := m.now()
	if result.CreatedAt.IsZero() {
		result.CreatedAt = now
	}
	result.UpdatedAt = now
	stored := &model.StageResult{}
	copyJSON(stored, result)
	m.results[key] = stored
	m.appendChange(model.EntityStageResult, key, rec.Version, result)
	return nil
}

func (m *MemoryDataSource) GetStuckConsultations(_ context.Context, stages []model.Stage, updatedBefore time.Time, limit int) ([]*model.ConsultationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wanted := make(map[model.Stage]bool, len(stages))
	for _, s := range stages {
		wanted[s] = true
	}
	var out []*model.ConsultationRecord
	for _, rec := range m.consultations {
		if wanted[rec.Stage] && rec.UpdatedAt.Before(updatedBefore) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryDataSource) GetPendingDeferred(_ context.Context, updatedBefore time.Time, limit int) ([]*model.ConsultationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.ConsultationRecord
	for _, rec := range m.consultations {
		if rec.Stage != model.StageComplete || !rec.UpdatedAt.Before(updatedBefore) {
			continue
		}
		if rec.RiskState == model.RiskPending || rec.AudioState == model.AudioPending {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryDataSource) GetStageResult(_ context.Context, consultationID string, capability model.Capability) (*model.StageResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[resultKey(consultationID, capability)]
	if !ok {
		return nil, notFound("Stage result", resultKey(consultationID, capability), nil)
	}
	out := &model.StageResult{}
	copyJSON(out, r)
	return out, nil
}

func (m *MemoryDataSource) GetStageResults(_ context.Context, consultationID string) ([]*model.StageResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.StageResult
	for _, c := range model.Capabilities {
		if r, ok := m.results[resultKey(consultationID, c)]; ok {
			cp := &model.StageResult{}
			copyJSON(cp, r)
			out = append(out, cp)
		}
	}
	return out, nil
}

func (m *MemoryDataSource) CreatePatient(_ context.Context, p *model.Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.patients[p.PatientID]; exists {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Patient '%s' already exists", p.PatientID), nil)
	}
	now := m.now()
	p.Version = 1
	p.CreatedAt = now
	p.UpdatedAt = now
	cp := *p
	m.patients[p.PatientID] = &cp
	m.appendChange(model.EntityPatient, p.PatientID, p.Version, p)
	return nil
}

func (m *MemoryDataSource) GetPatient(_ context.Context, id string) (*model.Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, notFound("Patient", id, nil)
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryDataSource) UpdatePatient(_ context.Context, p *model.Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.patients[p.PatientID]
	if !ok {
		return notFound("Patient", p.PatientID, nil)
	}
	if stored.Version != p.Version {
		return versionMismatch("Patient", p.PatientID, p.Version)
	}
	p.Version++
	p.UpdatedAt = m.now()
	cp := *p
	m.patients[p.PatientID] = &cp
	m.appendChange(model.EntityPatient, p.PatientID, p.Version, p)
	return nil
}

func (m *MemoryDataSource) GetNote(_ context.Context, consultationID string) (*model.ClinicalNote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notes[consultationID]
	if !ok {
		return nil, notFound("Note", consultationID, nil)
	}
	out := &model.ClinicalNote{}
	copyJSON(out, n)
	return out, nil
}

func (m *MemoryDataSource) SaveNote(_ context.Context, n *model.ClinicalNote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.notes[n.ConsultationID]
	switch {
	case n.Version == 0 && ok:
		return versionMismatch("Note", n.ConsultationID, 0)
	case n.Version != 0 && (!ok || stored.Version != n.Version):
		return versionMismatch("Note", n.ConsultationID, n.Version)
	}
	now := m.now()
	if n.Version == 0 {
		n.CreatedAt = now
	}
	n.Version++
	n.UpdatedAt = now
	cp := &model.ClinicalNote{}
	copyJSON(cp, n)
	m.notes[n.ConsultationID] = cp
	m.appendChange(model.EntityNote, n.ConsultationID, n.Version, n)
	return nil
}

func (m *MemoryDataSource) CreateConflict(_ context.Context, c *model.ConflictRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ConflictID == "" {
		c.ConflictID = model.GenerateUUIDWithSuffix("cfl")
	}
	c.Status = model.ConflictOpen
	c.CreatedAt = m.now()
	cp := &model.ConflictRecord{}
	copyJSON(cp, c)
	m.conflicts[c.ConflictID] = cp
	m.appendChange(model.EntityConflict, c.ConflictID, 1, c)
	return nil
}

func (m *MemoryDataSource) GetConflict(_ context.Context, id string) (*model.ConflictRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conflicts[id]
	if !ok {
		return nil, notFound("Conflict", id, nil)
	}
	out := &model.ConflictRecord{}
	copyJSON(out, c)
	return out, nil
}

func (m *MemoryDataSource) ListConflicts(_ context.Context, status model.ConflictStatus, limit, offset int) ([]*model.ConflictRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*model.ConflictRecord
	for _, c := range m.conflicts {
		if status != "" && c.Status != status {
			continue
		}
		out := &model.ConflictRecord{}
		copyJSON(out, c)
		all = append(all, out)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryDataSource) ResolveConflict(_ context.Context, c *model.ConflictRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.conflicts[c.ConflictID]
	if !ok {
		return notFound("Conflict", c.ConflictID, nil)
	}
	if stored.Status != model.ConflictOpen {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Conflict '%s' is not open", c.ConflictID), nil)
	}
	now := m.now()
	stored.Status = model.ConflictResolved
	stored.Resolution = c.Resolution
	stored.ResolvedPayload = c.ResolvedPayload
	stored.ResolvedBy = c.ResolvedBy
	stored.ResolvedAt = &now
	c.Status = model.ConflictResolved
	c.ResolvedAt = &now
	m.appendChange(model.EntityConflict, c.ConflictID, 2, stored)
	return nil
}

func (m *MemoryDataSource) DeleteConflict(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conflicts[id]; !ok {
		return notFound("Conflict", id, nil)
	}
	delete(m.conflicts, id)
	return nil
}

func outcomeKey(deviceID, operationID string) string {
	return deviceID + "\x00" + operationID
}

func (m *MemoryDataSource) GetSyncOutcome(_ context.Context, deviceID, operationID string) (*model.OperationOutcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.outcomes[outcomeKey(deviceID, operationID)]
	if !ok {
		return nil, notFound("Sync operation", operationID, nil)
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryDataSource) SaveSyncOutcome(_ context.Context, deviceID string, outcome *model.OperationOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := outcomeKey(deviceID, outcome.OperationID)
	if _, exists := m.outcomes[key]; exists {
		return nil
	}
	cp := *outcome
	m.outcomes[key] = &cp
	return nil
}

func (m *MemoryDataSource) GetChangesSince(_ context.Context, sequence int64, limit int) ([]model.ChangeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sequence < 0 {
		sequence = 0
	}
	if sequence >= int64(len(m.changes)) {
		return nil, nil
	}
	tail := m.changes[sequence:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	out := make([]model.ChangeRecord, len(tail))
	copy(out, tail)
	return out, nil
}

func cloneSession(s *model.UploadSession) *model.UploadSession {
	out := &model.UploadSession{}
	copyJSON(out, s)
	return out
}

func (m *MemoryDataSource) CreateUploadSession(_ context.Context, s *model.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.SessionID]; exists {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Upload session '%s' already exists", s.SessionID), nil)
	}
	now := m.now()
	s.Version = 1
	s.CreatedAt = now
	s.UpdatedAt = now
	m.sessions[s.SessionID] = cloneSession(s)
	return nil
}

func (m *MemoryDataSource) GetUploadSession(_ context.Context, id string) (*model.UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, notFound("Upload session", id, nil)
	}
	return cloneSession(s), nil
}

func (m *MemoryDataSource) UpdateUploadSession(_ context.Context, s *model.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.sessions[s.SessionID]
	if !ok {
		return notFound("Upload session", s.SessionID, nil)
	}
	if stored.Version != s.Version {
		return versionMismatch("Upload session", s.SessionID, s.Version)
	}
	s.Version++
	s.UpdatedAt = m.now()
	m.sessions[s.SessionID] = cloneSession(s)
	return nil
}

func (m *MemoryDataSource) DeleteUploadSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemoryDataSource) GetExpiredUploadSessions(_ context.Context, updatedBefore time.Time, limit int) ([]*model.UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.UploadSession
	for _, s := range m.sessions {
		if s.UpdatedAt.Before(updatedBefore) {
			out = append(out, cloneSession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
