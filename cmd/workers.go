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
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"
	"go.opentelemetry.io/otel"

	"github.com/carenote/carenote"
	"github.com/carenote/carenote/config"
	redis_db "github.com/carenote/carenote/internal/redis-db"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

// traced wraps an asynq handler in a span named after the task type.
func traced(name string, h asynq.HandlerFunc) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		ctx, span := otel.Tracer("carenote.worker").Start(ctx, name)
		defer span.End()

		start := time.Now()
		err := h(ctx, t)
		entry := logrus.WithFields(logrus.Fields{"type": t.Type(), "took": time.Since(start)})
		if err != nil {
			entry.WithError(err).Warn(" [*] Task failed")
			return err
		}
		entry.Debug(" [*] Task processed")
		return nil
	}
}

func initializeQueues(cfg *config.Configuration) map[string]int {
	return map[string]int{
		cfg.Queue.RetryQueue:   3,
		cfg.Queue.WebhookQueue: 2,
	}
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	opt, err := redis_db.AsynqOpt(conf.Redis)
	if err != nil {
		return nil, err
	}

	return asynq.NewServer(opt, asynq.Config{
		Concurrency: conf.Queue.Concurrency,
		Queues:      queues,
		Logger:      logrus.StandardLogger(),
	}), nil
}

func initializeTaskHandlers(b *carenoteInstance, mux *asynq.ServeMux) {
	mux.HandleFunc(carenote.TaskDeferredCapability, traced("Process Deferred Capability", b.carenote.ProcessDeferredTask))
	mux.HandleFunc(carenote.TaskAuditWebhook, traced("Deliver Audit Webhook", carenote.ProcessWebhook))
	mux.HandleFunc(carenote.TaskHookDelivery, traced("Deliver Hook", b.carenote.Hooks().ProcessHookTask))
}

// workerCommands defines the "workers" command. Workers run deferred risk
// scoring and audio synthesis retries and deliver webhooks and hooks.
func workerCommands(b *carenoteInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start carenote workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			conf := b.cnf

			phClient, shutdown, err := initializeObservability(ctx, conf)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()
			if phClient != nil {
				defer phClient.Close()
			}
			defer b.carenote.Close()

			srv, err := initializeWorkerServer(conf, initializeQueues(conf))
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(b, mux)

			opt, err := redis_db.AsynqOpt(conf.Redis)
			if err != nil {
				log.Fatal(err)
			}
			h := asynqmon.New(asynqmon.Options{
				RootPath:     "/monitoring",
				RedisConnOpt: opt,
			})
			defer h.Close()

			monitor := &http.Server{
				Addr:              fmt.Sprintf(":%s", conf.Queue.MonitoringPort),
				Handler:           h,
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				log.Printf("Asynqmon server listening on %s/monitoring", monitor.Addr)
				if err := monitor.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatalf("could not start asynqmon server: %v", err)
				}
			}()
			go shutdownOnDone(ctx, monitor)

			if err := srv.Start(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
			<-ctx.Done()
			srv.Shutdown()
		},
	}

	return cmd
}
