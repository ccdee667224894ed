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
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/carenote/carenote/internal/apierror"
	"github.com/carenote/carenote/model"
)

// recoverableStages are the stages a consultation can be left in when a
// worker dies or a pool rejects its next stage.
var recoverableStages = []model.Stage{
	model.StagePending,
	model.StageTranscribing,
	model.StageTranscribed,
	model.StageGeneratingNote,
	model.StageProcessed,
	model.StageScoringRisk,
	model.StageInstructing,
}

// RecoveryProcessor periodically resubmits consultations that stopped moving
// and sweeps abandoned upload sessions.
type RecoveryProcessor struct {
	carenote       *Carenote
	batchSize      int
	maxWorkers     int
	pollInterval   time.Duration
	sweepInterval  time.Duration
	stuckThreshold time.Duration
	stopCh         chan struct{}
	wg             sync.WaitGroup
	running        bool
	mu             sync.Mutex
}

func NewRecoveryProcessor(c *Carenote) *RecoveryProcessor {
	maxWorkers := c.conf.Queue.Concurrency
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	return &RecoveryProcessor{
		carenote:       c,
		batchSize:      maxWorkers * 100,
		maxWorkers:     maxWorkers,
		pollInterval:   time.Duration(c.conf.Pipeline.RecoveryPollSec) * time.Second,
		sweepInterval:  time.Duration(c.conf.Upload.SweepIntervalSec) * time.Second,
		stuckThreshold: time.Duration(c.conf.Pipeline.StuckAfterSec) * time.Second,
		stopCh:         make(chan struct{}),
	}
}

func (p *RecoveryProcessor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()

	logrus.Info("Consultation recovery processor started")
}

func (p *RecoveryProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Info("Consultation recovery processor stopped")
}

func (p *RecoveryProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *RecoveryProcessor) run(ctx context.Context) {
	recoverTicker := time.NewTicker(p.pollInterval)
	defer recoverTicker.Stop()
	sweepTicker := time.NewTicker(p.sweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Consultation recovery processor context cancelled")
			return
		case <-p.stopCh:
			logrus.Info("Consultation recovery processor stop signal received")
			return
		case <-recoverTicker.C:
			p.recoverWithThreshold(ctx, p.stuckThreshold)
		case <-sweepTicker.C:
			if n, err := p.carenote.SweepUploads(ctx); err != nil {
				logrus.Errorf("failed to sweep upload sessions: %v", err)
			} else if n > 0 {
				logrus.Infof("Swept %d abandoned upload sessions", n)
			}
		}
	}
}

// RecoverStuckConsultations resubmits consultations idle for longer than
// threshold. It backs the manual recovery endpoint.
func (c *Carenote) RecoverStuckConsultations(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold < 2*time.Minute {
		threshold = 2 * time.Minute
	}
	processor := NewRecoveryProcessor(c)
	return processor.recoverWithThreshold(ctx, threshold), nil
}

func (p *RecoveryProcessor) recoverWithThreshold(ctx context.Context, threshold time.Duration) int {
	before := p.carenote.now().Add(-threshold)
	return p.resubmitStuck(ctx, before, threshold) + p.rescheduleDeferred(ctx, before)
}

// rescheduleDeferred schedules the pending risk or audio retry of complete
// consultations again. Attempts that are already queued are left as they are.
func (p *RecoveryProcessor) rescheduleDeferred(ctx context.Context, before time.Time) int {
	pending, err := p.carenote.datasource.GetPendingDeferred(ctx, before, p.batchSize)
	if err != nil {
		logrus.Errorf("failed to get consultations with pending deferred work: %v", err)
		return 0
	}

	rescheduled := 0
	for _, rec := range pending {
		var capabilities []model.Capability
		if rec.RiskState == model.RiskPending {
			capabilities = append(capabilities, model.CapabilityRiskScoring)
		}
		if rec.AudioState == model.AudioPending {
			capabilities = append(capabilities, model.CapabilityAudioSynthesis)
		}
		for _, capability := range capabilities {
			if err := p.carenote.scheduleDeferred(ctx, rec, capability); err != nil {
				logrus.WithError(err).WithField("consultation_id", rec.ConsultationID).
					Errorf("failed to reschedule deferred %s", capability)
				continue
			}
			rescheduled++
		}
	}
	return rescheduled
}

func (p *RecoveryProcessor) resubmitStuck(ctx context.Context, before time.Time, threshold time.Duration) int {
	stuck, err := p.carenote.datasource.GetStuckConsultations(ctx, recoverableStages, before, p.batchSize)
	if err != nil {
		logrus.Errorf("failed to get stuck consultations: %v", err)
		return 0
	}
	if len(stuck) == 0 {
		return 0
	}

	logrus.Infof("Processing %d stuck consultations with %d workers (threshold=%v)", len(stuck), p.maxWorkers, threshold)

	sem := make(chan struct{}, p.maxWorkers)
	var batchWg sync.WaitGroup
	recovered := 0
	var mu sync.Mutex

	for _, rec := range stuck {
		sem <- struct{}{}
		batchWg.Add(1)
		go func(r *model.ConsultationRecord) {
			defer batchWg.Done()
			defer func() { <-sem }()
			if err := p.carenote.Submit(ctx, r.ConsultationID); err != nil {
				if apierror.Is(err, apierror.ErrCapacity) {
					logrus.Debugf("stage pool full, consultation %s waits for the next sweep", r.ConsultationID)
					return
				}
				logrus.Errorf("failed to resubmit stuck consultation %s: %v", r.ConsultationID, err)
				return
			}
			mu.Lock()
			recovered++
			mu.Unlock()
		}(rec)
	}

	batchWg.Wait()
	return recovered
}
