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
package storagemonitor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/sirupsen/logrus"
)

// ErrStorageFull is returned by Admit when the volume cannot take the upload.
var ErrStorageFull = errors.New("storage limit reached")

// StorageLimitEvent represents the data sent when the storage limit is hit.
type StorageLimitEvent struct {
	Dir         string  `json:"dir"`
	UsedPercent float64 `json:"used_percent"`
	FreeBytes   uint64  `json:"free_bytes"`
	Requested   int64   `json:"requested_bytes"`
	Message     string  `json:"message"`
}

// EventBroker handles the subscription and broadcasting of storage limit events.
type EventBroker struct {
	subscribers []chan StorageLimitEvent
	closed      bool
	mu          sync.Mutex
}

// NewEventBroker initializes a new EventBroker.
func NewEventBroker() *EventBroker {
	return &EventBroker{}
}

// Subscribe adds a new subscriber to the broker. The channel is closed by Close.
func (b *EventBroker) Subscribe() <-chan StorageLimitEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan StorageLimitEvent, 1)
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Broadcast sends the event to all subscribers without blocking.
func (b *EventBroker) Broadcast(event StorageLimitEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for _, subscriber := range b.subscribers {
		select {
		case subscriber <- event:
		default:
			logrus.WithField("dir", event.Dir).Warn("storage event subscriber is full, event dropped")
		}
	}
}

// Close closes every subscriber channel.
func (b *EventBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subscriber := range b.subscribers {
		close(subscriber)
	}
	b.subscribers = nil
}

// UsageFunc reports disk usage for the volume holding path.
type UsageFunc func(path string) (*disk.UsageStat, error)

// Monitor guards the volume that holds recordings. Uploads are admitted only
// while usage stays under the threshold and the volume has room for them.
type Monitor struct {
	*EventBroker
	dir            string
	maxUsedPercent float64
	usage          UsageFunc
}

type Option func(*Monitor)

// WithUsageFunc replaces the disk usage probe.
func WithUsageFunc(fn UsageFunc) Option {
	return func(m *Monitor) { m.usage = fn }
}

func New(dir string, maxUsedPercent float64, opts ...Option) *Monitor {
	m := &Monitor{
		EventBroker:    NewEventBroker(),
		dir:            dir,
		maxUsedPercent: maxUsedPercent,
		usage:          disk.Usage,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Admit checks that an upload of size bytes fits. A refusal is broadcast to
// subscribers and returned as ErrStorageFull.
func (m *Monitor) Admit(size int64) error {
	stat, err := m.usage(m.dir)
	if err != nil {
		// an unreadable volume is not a reason to refuse recordings
		logrus.WithError(err).WithField("dir", m.dir).Warn("could not read disk usage")
		return nil
	}

	var reason string
	switch {
	case m.maxUsedPercent > 0 && stat.UsedPercent >= m.maxUsedPercent:
		reason = fmt.Sprintf("disk usage %.2f%% exceeds threshold %.2f%%", stat.UsedPercent, m.maxUsedPercent)
	case size > 0 && uint64(size) > stat.Free:
		reason = fmt.Sprintf("upload of %d bytes exceeds %d free bytes", size, stat.Free)
	default:
		return nil
	}

	m.Broadcast(StorageLimitEvent{
		Dir:         m.dir,
		UsedPercent: stat.UsedPercent,
		FreeBytes:   stat.Free,
		Requested:   size,
		Message:     reason,
	})
	return fmt.Errorf("%w: %s", ErrStorageFull, reason)
}
