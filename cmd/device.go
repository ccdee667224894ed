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
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	apimodel "github.com/carenote/carenote/api/model"
	"github.com/carenote/carenote/config"
	"github.com/carenote/carenote/internal/device"
	"github.com/carenote/carenote/internal/localcache"
	"github.com/carenote/carenote/model"
)

var deviceAnnotations = map[string]string{deviceMode: "true"}

// openDevice opens the local cache and builds the sync agent for cnf.Device.
func openDevice(cnf *config.Configuration) (*localcache.Cache, *device.Agent, error) {
	cache, err := localcache.Open(cnf.Device.CachePath)
	if err != nil {
		return nil, nil, fmt.Errorf("error opening local cache: %v", err)
	}
	client := device.NewClient(cnf.Device.ServerURL, cnf.Device.APIKey, device.WithDeviceID(cnf.Device.DeviceID))
	agent := device.NewAgent(cnf.Device.DeviceID, cache, client, device.WithChunkBytes(cnf.Device.ChunkBytes))
	return cache, agent, nil
}

// deviceCommands groups the commands run on a capture device.
func deviceCommands(b *carenoteInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:         "device",
		Short:       "run the capture device agent",
		Annotations: deviceAnnotations,
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cache, agent, err := openDevice(b.cnf)
			if err != nil {
				log.Fatal(err)
			}
			defer cache.Close()

			if err := os.MkdirAll(b.cnf.Device.CaptureDir, 0o750); err != nil {
				log.Fatal(err)
			}
			watcher := device.NewWatcher(b.cnf.Device.CaptureDir, cache)
			go func() {
				if err := watcher.Run(ctx); err != nil {
					logrus.WithError(err).Error("capture watcher stopped")
				}
			}()

			interval := time.Duration(b.cnf.Device.SyncIntervalSec) * time.Second
			log.Printf("Device %s syncing with %s every %s", b.cnf.Device.DeviceID, b.cnf.Device.ServerURL, interval)
			if err := agent.Run(ctx, interval); err != nil && ctx.Err() == nil {
				log.Fatal(err)
			}
		},
	}

	cmd.AddCommand(deviceSyncOnceCommand(b))
	cmd.AddCommand(deviceEnqueueCommand(b))
	cmd.AddCommand(deviceStatusCommand(b))
	return cmd
}

func deviceSyncOnceCommand(b *carenoteInstance) *cobra.Command {
	return &cobra.Command{
		Use:         "sync-once",
		Short:       "scan for captures and run a single sync pass",
		Annotations: deviceAnnotations,
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			cache, agent, err := openDevice(b.cnf)
			if err != nil {
				log.Fatal(err)
			}
			defer cache.Close()

			if _, err := device.NewWatcher(b.cnf.Device.CaptureDir, cache).Scan(ctx); err != nil {
				log.Printf("Error scanning captures: %v", err)
			}
			report, err := agent.SyncOnce(ctx)
			if report != nil {
				printJSON(report)
			}
			if err != nil {
				log.Fatal(err)
			}
		},
	}
}

// deviceEnqueueCommand queues local edits read from a JSON file holding one
// operation or an array of them.
func deviceEnqueueCommand(b *carenoteInstance) *cobra.Command {
	return &cobra.Command{
		Use:         "enqueue <operations.json>",
		Short:       "queue local edits for the next sync",
		Args:        cobra.ExactArgs(1),
		Annotations: deviceAnnotations,
		Run: func(cmd *cobra.Command, args []string) {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				log.Fatal(err)
			}
			var ops []model.SyncOperation
			if err := json.Unmarshal(raw, &ops); err != nil {
				var op model.SyncOperation
				if err := json.Unmarshal(raw, &op); err != nil {
					log.Fatalf("error decoding operations: %v", err)
				}
				ops = []model.SyncOperation{op}
			}

			cache, err := localcache.Open(b.cnf.Device.CachePath)
			if err != nil {
				log.Fatal(err)
			}
			defer cache.Close()

			for i := range ops {
				if ops[i].OperationID == "" {
					ops[i].OperationID = uuid.NewString()
				}
				if err := apimodel.SyncOperation(ops[i]).Validate(); err != nil {
					log.Fatalf("operation %d: %v", i, err)
				}
				if err := cache.Enqueue(cmd.Context(), &ops[i]); err != nil {
					log.Fatal(err)
				}
				fmt.Println(ops[i].OperationID)
			}
		},
	}
}

func deviceStatusCommand(b *carenoteInstance) *cobra.Command {
	return &cobra.Command{
		Use:         "status",
		Short:       "show queued operations and captures",
		Annotations: deviceAnnotations,
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			cache, err := localcache.Open(b.cnf.Device.CachePath)
			if err != nil {
				log.Fatal(err)
			}
			defer cache.Close()

			counts, err := cache.Counts(ctx)
			if err != nil {
				log.Fatal(err)
			}
			captures, err := cache.PendingCaptures(ctx)
			if err != nil {
				log.Fatal(err)
			}
			cursor, err := cache.Cursor(ctx)
			if err != nil {
				log.Fatal(err)
			}
			printJSON(map[string]interface{}{
				"device_id":        b.cnf.Device.DeviceID,
				"operations":       counts,
				"pending_captures": len(captures),
				"cursor":           cursor,
			})
		},
	}
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Print(err)
		return
	}
	fmt.Println(string(out))
}
