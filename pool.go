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
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/carenote/carenote/config"
	"github.com/carenote/carenote/internal/apierror"
	"github.com/carenote/carenote/model"
)

type poolJob struct {
	ConsultationID string
	Capability     model.Capability
	EnqueuedAt     time.Time
}

// stagePool runs one capability with a fixed number of workers. Jobs are
// admitted in FIFO order into a bounded queue; a full queue rejects new work
// with a capacity error instead of blocking the caller.
type stagePool struct {
	capability model.Capability
	workers    int
	jobs       chan poolJob
	handle     func(ctx context.Context, job poolJob)

	mu      sync.Mutex
	queued  map[string]bool
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func newStagePool(capability model.Capability, workers, size int, handle func(ctx context.Context, job poolJob)) *stagePool {
	if workers < 1 {
		workers = 1
	}
	if size < 1 {
		size = 1
	}
	return &stagePool{
		capability: capability,
		workers:    workers,
		jobs:       make(chan poolJob, size),
		handle:     handle,
		queued:     make(map[string]bool),
	}
}

// newStagePools builds a pool for every capability that owns a stage. Audio
// synthesis runs inside the instruction pool.
func newStagePools(cnf *config.Configuration, handle func(ctx context.Context, job poolJob)) map[model.Capability]*stagePool {
	pools := make(map[model.Capability]*stagePool)
	for _, capability := range model.Capabilities {
		if capability == model.CapabilityAudioSynthesis {
			continue
		}
		cc := cnf.Capability(string(capability))
		pools[capability] = newStagePool(capability, cc.Concurrency, cc.QueueSize, handle)
	}
	return pools
}

// Submit queues a consultation. A consultation already waiting in this pool is
// not queued twice.
func (p *stagePool) Submit(job poolJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queued[job.ConsultationID] {
		return nil
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	select {
	case p.jobs <- job:
		p.queued[job.ConsultationID] = true
		return nil
	default:
		return apierror.NewAPIError(apierror.ErrCapacity,
			fmt.Sprintf("%s queue is full (%d waiting)", p.capability, len(p.jobs)), nil)
	}
}

func (p *stagePool) Len() int {
	return len(p.jobs)
}

func (p *stagePool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.work(ctx)
		}()
	}
	logrus.Infof("%s pool started with %d workers", p.capability, p.workers)
}

func (p *stagePool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Infof("%s pool stopped", p.capability)
}

func (p *stagePool) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case job := <-p.jobs:
			p.mu.Lock()
			delete(p.queued, job.ConsultationID)
			p.mu.Unlock()
			p.handle(ctx, job)
		}
	}
}

// sweeper is a dedup store that evicts expired results on its own schedule.
type sweeper interface {
	Run(ctx context.Context, interval time.Duration)
}

// Start launches the worker pools of every stage and, for stores that need
// it, the dedup retention sweeper.
func (c *Carenote) Start(ctx context.Context) {
	for _, capability := range model.Capabilities {
		if pool, ok := c.pools[capability]; ok {
			pool.Start(ctx)
		}
	}
	if s, ok := c.dedup.(sweeper); ok && c.stopSweep == nil {
		sweepCtx, cancel := context.WithCancel(ctx)
		c.stopSweep = cancel
		go s.Run(sweepCtx, 0)
	}
}

// Stop waits for in-progress stage invocations and stops the pools. Queued
// consultations are picked up again by stuck consultation recovery.
func (c *Carenote) Stop() {
	for _, pool := range c.pools {
		pool.Stop()
	}
	if c.stopSweep != nil {
		c.stopSweep()
		c.stopSweep = nil
	}
}

func (c *Carenote) poolFor(capability model.Capability) *stagePool {
	if capability == model.CapabilityAudioSynthesis {
		capability = model.CapabilityInstruction
	}
	return c.pools[capability]
}

func (c *Carenote) enqueue(consultationID string, capability model.Capability) error {
	pool := c.poolFor(capability)
	if pool == nil {
		return fmt.Errorf("no pool for capability %s", capability)
	}
	return pool.Submit(poolJob{ConsultationID: consultationID, Capability: capability, EnqueuedAt: c.now()})
}

// Submit queues a consultation on the pool of the capability its current stage needs.
func (c *Carenote) Submit(ctx context.Context, consultationID string) error {
	rec, err := c.datasource.GetConsultation(ctx, consultationID)
	if err != nil {
		return err
	}
	capability, ok := model.NextCapability(rec.Stage)
	if !ok {
		return nil
	}
	if capability == model.CapabilityTranscription && !rec.AudioReadyForPipeline() {
		return nil
	}
	return c.enqueue(consultationID, capability)
}

func (c *Carenote) runPoolJob(ctx context.Context, job poolJob) {
	if _, err := c.RunStage(ctx, job.ConsultationID); err != nil {
		entry := logrus.WithFields(logrus.Fields{
			"consultation_id": job.ConsultationID,
			"capability":      job.Capability,
			"waited":          time.Since(job.EnqueuedAt).String(),
		})
		if apierror.Is(err, apierror.ErrLeaseNotAcquired) {
			entry.Debug("consultation is being advanced by another worker")
			return
		}
		entry.WithError(err).Error("stage run failed")
	}
}
