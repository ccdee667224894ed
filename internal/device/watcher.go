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

package device

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/carenote/carenote/internal/localcache"
)

// CaptureManifest is the sidecar the recorder writes next to each finished
// recording. The watcher only reacts to manifests so half-written audio is
// never queued.
type CaptureManifest struct {
	AudioFile      string    `json:"audio_file"`
	PatientID      string    `json:"patient_id"`
	ConsultationID string    `json:"consultation_id,omitempty"`
	LanguageCode   string    `json:"language_code"`
	ContentType    string    `json:"content_type"`
	RecordedAt     time.Time `json:"recorded_at"`
}

type Watcher struct {
	dir   string
	cache *localcache.Cache
}

func NewWatcher(dir string, cache *localcache.Cache) *Watcher {
	return &Watcher{dir: dir, cache: cache}
}

// Run ingests the manifests already in the directory, then every manifest
// created or rewritten until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	if _, err := w.Scan(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isManifest(event.Name) {
				continue
			}
			if _, err := w.Ingest(ctx, event.Name); err != nil {
				logrus.WithError(err).WithField("manifest", event.Name).Warn("failed to queue capture")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logrus.WithError(err).Error("capture watcher error")
		}
	}
}

// Scan queues every manifest currently in the directory and returns how many
// were read.
func (w *Watcher) Scan(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, entry := range entries {
		if entry.IsDir() || !isManifest(entry.Name()) {
			continue
		}
		if _, err := w.Ingest(ctx, filepath.Join(w.dir, entry.Name())); err != nil {
			logrus.WithError(err).WithField("manifest", entry.Name()).Warn("failed to queue capture")
			continue
		}
		count++
	}
	return count, nil
}

// Ingest reads one manifest, hashes the recording it names and adds it to
// the upload queue. Ingesting the same recording twice is a no-op.
func (w *Watcher) Ingest(ctx context.Context, manifestPath string) (*localcache.Capture, error) {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, err
	}
	var manifest CaptureManifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	if manifest.AudioFile == "" || manifest.PatientID == "" {
		return nil, fmt.Errorf("manifest %s needs audio_file and patient_id", filepath.Base(manifestPath))
	}

	audioPath := manifest.AudioFile
	if !filepath.IsAbs(audioPath) {
		audioPath = filepath.Join(filepath.Dir(manifestPath), audioPath)
	}
	size, hash, err := hashFile(audioPath)
	if err != nil {
		return nil, err
	}
	if manifest.ContentType == "" {
		manifest.ContentType = "audio/wav"
	}
	if manifest.RecordedAt.IsZero() {
		manifest.RecordedAt = time.Now().UTC()
	}

	capture := &localcache.Capture{
		ConsultationID: manifest.ConsultationID,
		PatientID:      manifest.PatientID,
		Path:           audioPath,
		TotalBytes:     size,
		ManifestHash:   hash,
		ContentType:    manifest.ContentType,
		LanguageCode:   manifest.LanguageCode,
		RecordedAt:     manifest.RecordedAt,
	}
	if err := w.cache.AddCapture(ctx, capture); err != nil {
		return nil, err
	}
	return capture, nil
}

func isManifest(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".json")
}

func hashFile(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}
