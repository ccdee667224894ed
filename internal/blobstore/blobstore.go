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

// Package blobstore holds consultation audio, upload chunks and stage artifacts.
// Writes to an existing key overwrite it, so a retried write never duplicates.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/carenote/carenote/config"
)

var ErrNotFound = errors.New("blobstore: object not found")

type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// Key helpers keep object layout in one place.

func AudioKey(consultationID string) string {
	return fmt.Sprintf("audio/%s", consultationID)
}

func ChunkPrefix(sessionID string) string {
	return fmt.Sprintf("uploads/%s/", sessionID)
}

func ChunkKey(sessionID string, offset, length int64) string {
	return fmt.Sprintf("%s%020d-%d", ChunkPrefix(sessionID), offset, length)
}

func ArtifactKey(consultationID, capability, fingerprint string) string {
	return fmt.Sprintf("artifacts/%s/%s/%s.json", consultationID, capability, fingerprint)
}

func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("blobstore: invalid key %q", key)
	}
	return nil
}

// FileStore keeps objects under a local directory.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(key string) string {
	return filepath.Join(f.dir, filepath.FromSlash(key))
}

// Put writes through a temp file and rename so readers never see a partial object.
func (f *FileStore) Put(_ context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	p := f.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), p)
}

func (f *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (f *FileStore) Delete(_ context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	err := os.Remove(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (f *FileStore) DeletePrefix(_ context.Context, prefix string) error {
	if err := validKey(prefix); err != nil {
		return err
	}
	p := f.path(prefix)
	if strings.HasSuffix(prefix, "/") {
		return os.RemoveAll(p)
	}
	matches, err := filepath.Glob(p + "*")
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.RemoveAll(m); err != nil {
			return err
		}
	}
	return nil
}

// NewFromConfig builds the configured backend wrapped in at-rest encryption.
func NewFromConfig(cnf *config.Configuration) (Store, error) {
	var inner Store
	var err error
	switch cnf.Storage.Backend {
	case "s3":
		inner, err = NewS3Store(S3Options{
			Bucket:          cnf.Storage.S3BucketName,
			Region:          cnf.Storage.S3Region,
			Endpoint:        cnf.Storage.S3Endpoint,
			AccessKeyID:     cnf.Storage.AwsAccessKeyId,
			SecretAccessKey: cnf.Storage.AwsSecretAccessKey,
		})
	default:
		inner, err = NewFileStore(cnf.Storage.Dir)
	}
	if err != nil {
		return nil, err
	}
	return NewSealedStore(inner, cnf.Storage.EncryptionKey)
}
