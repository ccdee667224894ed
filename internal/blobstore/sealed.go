package blobstore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"

	"github.com/carenote/carenote/internal/apierror"
)

// ErrMissingKey is returned by every SealedStore operation when no encryption
// key is configured. Nothing is written in that case.
var ErrMissingKey = apierror.NewAPIError(apierror.ErrFatalConfig, "storage encryption key is not configured", nil)

// SealedStore encrypts objects with AES-256-GCM before they reach inner.
// Stored layout is nonce || ciphertext.
type SealedStore struct {
	inner Store
	aead  cipher.AEAD
}

// NewSealedStore accepts an empty key; the store then refuses all reads and writes.
func NewSealedStore(inner Store, keyHex string) (*SealedStore, error) {
	s := &SealedStore{inner: inner}
	if keyHex == "" {
		return s, nil
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil || len(key) != 32 {
		return nil, errors.New("blobstore: encryption key must be 32 bytes hex encoded")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	s.aead, err = cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SealedStore) Put(ctx context.Context, key string, data []byte) error {
	if s.aead == nil {
		return ErrMissingKey
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}
	// The key is bound as additional data so objects cannot be swapped.
	sealed := s.aead.Seal(nonce, nonce, data, []byte(key))
	return s.inner.Put(ctx, key, sealed)
}

func (s *SealedStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.aead == nil {
		return nil, ErrMissingKey
	}
	sealed, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	n := s.aead.NonceSize()
	if len(sealed) < n {
		return nil, errors.New("blobstore: sealed object is truncated")
	}
	return s.aead.Open(nil, sealed[:n], sealed[n:], []byte(key))
}

func (s *SealedStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

func (s *SealedStore) DeletePrefix(ctx context.Context, prefix string) error {
	return s.inner.DeletePrefix(ctx, prefix)
}
