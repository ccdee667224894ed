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
	"embed"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/posthog/posthog-go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/semaphore"

	"github.com/carenote/carenote/config"
	"github.com/carenote/carenote/database"
	"github.com/carenote/carenote/internal/blobstore"
	"github.com/carenote/carenote/internal/cache"
	"github.com/carenote/carenote/internal/dedup"
	"github.com/carenote/carenote/internal/hooks"
	redlock "github.com/carenote/carenote/internal/lock"
	"github.com/carenote/carenote/internal/notification"
	redis_db "github.com/carenote/carenote/internal/redis-db"
	"github.com/carenote/carenote/internal/retry"
	storagemonitor "github.com/carenote/carenote/internal/storage-monitor"
	"github.com/carenote/carenote/model"
)

var tracer = otel.Tracer("carenote.pipeline")

//go:embed sql/*.sql
var SQLFiles embed.FS

// Carenote wires the pipeline orchestrator, the upload protocol and the sync
// coordinator to their stores and collaborators.
type Carenote struct {
	conf       *config.Configuration
	datasource database.IDataSource
	redis      redis.UniversalClient
	scheduler  Scheduler
	blobs      blobstore.Store
	storage    *storagemonitor.Monitor
	dedup      dedup.Store
	leaser     redlock.Leaser
	retrier    *retry.Controller
	executors  map[model.Capability]StageExecutor
	pools      map[model.Capability]*stagePool
	hooks      hooks.HookManager
	analytics  posthog.Client
	syncSlots  *semaphore.Weighted
	holder     string
	stopSweep  context.CancelFunc
	now        func() time.Time
}

// Option overrides one of the collaborators NewCarenote would otherwise build
// from configuration.
type Option func(*Carenote)

func WithExecutor(capability model.Capability, executor StageExecutor) Option {
	return func(c *Carenote) {
		if c.executors == nil {
			c.executors = make(map[model.Capability]StageExecutor)
		}
		c.executors[capability] = executor
	}
}

func WithDedupStore(store dedup.Store) Option {
	return func(c *Carenote) { c.dedup = store }
}

func WithLeaser(leaser redlock.Leaser) Option {
	return func(c *Carenote) { c.leaser = leaser }
}

func WithBlobStore(store blobstore.Store) Option {
	return func(c *Carenote) { c.blobs = store }
}

// WithStorageMonitor guards StartUpload with a disk space check.
func WithStorageMonitor(monitor *storagemonitor.Monitor) Option {
	return func(c *Carenote) {
		c.storage = monitor
	}
}

func WithScheduler(scheduler Scheduler) Option {
	return func(c *Carenote) { c.scheduler = scheduler }
}

func WithRetryController(controller *retry.Controller) Option {
	return func(c *Carenote) { c.retrier = controller }
}

func WithHookManager(manager hooks.HookManager) Option {
	return func(c *Carenote) { c.hooks = manager }
}

func WithAnalytics(client posthog.Client) Option {
	return func(c *Carenote) { c.analytics = client }
}

func WithClock(now func() time.Time) Option {
	return func(c *Carenote) { c.now = now }
}

// NewCarenote initializes a new instance of Carenote with the provided datasource.
// It fetches the configuration, connects to Redis and builds every collaborator
// that was not supplied through opts.
//
// Parameters:
// - db database.IDataSource: The datasource for database operations.
// - opts ...Option: Collaborator overrides, mostly used by tests.
//
// Returns:
// - *Carenote: A pointer to the newly created Carenote instance.
// - error: An error if any of the initialization steps fail.
func NewCarenote(db database.IDataSource, opts ...Option) (*Carenote, error) {
	cnf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	c := &Carenote{
		conf:       cnf,
		datasource: db,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}

	redisClient, err := redis_db.Connect(context.Background(), cnf.Redis)
	if err != nil {
		return nil, err
	}
	c.redis = redisClient.Client()

	hostname, _ := os.Hostname()
	c.holder = fmt.Sprintf("%s:%s", hostname, uuid.NewString()[:8])

	if c.scheduler == nil {
		queue, err := NewQueue(cnf)
		if err != nil {
			return nil, err
		}
		c.scheduler = queue
	}
	if c.blobs == nil {
		if c.blobs, err = blobstore.NewFromConfig(cnf); err != nil {
			return nil, err
		}
		if c.storage == nil && cnf.Storage.Backend == "file" {
			c.storage = storagemonitor.New(cnf.Storage.Dir, cnf.Storage.MaxDiskUsagePercent)
		}
	}
	if c.storage != nil {
		go c.watchStorage(c.storage.Subscribe())
	}
	if c.dedup == nil {
		c.dedup = newDedupStore(cnf, c.redis)
	}
	if c.leaser == nil {
		c.leaser = redlock.NewRedisLeaser(c.redis, c.holder)
	}
	if c.retrier == nil {
		c.retrier = retry.NewController(retry.PoliciesFromConfig(cnf))
	}
	if c.hooks == nil {
		c.hooks = hooks.NewHookManager(c.redis, c.scheduler.EnqueueHook)
	}
	if c.executors == nil {
		c.executors = make(map[model.Capability]StageExecutor)
	}
	for _, capability := range model.Capabilities {
		if _, ok := c.executors[capability]; !ok {
			c.executors[capability] = NewHTTPExecutor(capability, cnf.Capability(string(capability)))
		}
	}
	if c.analytics == nil && cnf.Telemetry.Enable && cnf.Telemetry.PosthogKey != "" {
		if client, err := posthog.NewWithConfig(cnf.Telemetry.PosthogKey, posthog.Config{}); err == nil {
			c.analytics = client
		}
	}

	c.pools = newStagePools(cnf, c.runPoolJob)
	c.syncSlots = semaphore.NewWeighted(int64(cnf.Sync.MaxConcurrentBatches))

	notification.RegisterWebhookSender(func(event string, payload interface{}) error {
		return c.scheduler.EnqueueWebhook(context.Background(), NewWebhook{Event: event, Payload: payload})
	})
	return c, nil
}

func newDedupStore(cnf *config.Configuration, client redis.UniversalClient) dedup.Store {
	opts := dedup.Options{
		LeaseTTL:  time.Duration(cnf.Dedup.LeaseTTLSec) * time.Second,
		Retention: time.Duration(cnf.Dedup.RetentionSec) * time.Second,
	}
	if cnf.Dedup.Backend == "memory" {
		return dedup.NewMemoryStore(opts)
	}
	return dedup.NewRedisStore(client, cache.NewCache(client, cache.WithNamespace(dedup.ResultNamespace), cache.WithLocalTTL(time.Minute)), opts)
}

// Redis returns the shared Redis client.
func (c *Carenote) Redis() redis.UniversalClient {
	return c.redis
}

// Hooks returns the lifecycle hook manager.
func (c *Carenote) Hooks() hooks.HookManager {
	return c.hooks
}

// watchStorage reports refused uploads until the monitor is closed.
func (c *Carenote) watchStorage(events <-chan storagemonitor.StorageLimitEvent) {
	for event := range events {
		logrus.WithFields(logrus.Fields{
			"dir":          event.Dir,
			"used_percent": event.UsedPercent,
			"free_bytes":   event.FreeBytes,
		}).Warn(event.Message)
		notification.NotifyError(fmt.Errorf("upload refused: %s", event.Message))
	}
}

// Close flushes analytics and stops the stage pools.
func (c *Carenote) Close() error {
	c.Stop()
	if c.storage != nil {
		c.storage.Close()
	}
	if c.analytics != nil {
		return c.analytics.Close()
	}
	return nil
}
