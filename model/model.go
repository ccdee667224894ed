package model

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// GenerateUUIDWithSuffix generates a UUID with a given module name as a suffix.
// This is useful for creating unique identifiers with context-specific prefixes.
func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	return fmt.Sprintf("%s_%s", module, id.String())
}

// CanonicalJSON renders v as JSON with object keys sorted at every depth, so two
// semantically equal inputs produce identical bytes.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// Fingerprint identifies one unit of work: a capability applied to a canonical input
// for a consultation. Equal fingerprints mean the external call may be skipped.
func Fingerprint(consultationID string, capability Capability, input interface{}) (string, error) {
	canonical, err := CanonicalJSON(input)
	if err != nil {
		return "", fmt.Errorf("canonicalizing %s input: %w", capability, err)
	}

	h := sha256.New()
	h.Write([]byte(consultationID))
	h.Write([]byte{0})
	h.Write([]byte(capability))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the hex encoded SHA-256 of data. Chunk and manifest hashes use it.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

const cursorPrefix = "seq:"

// EncodeCursor turns a change-log sequence into the opaque cursor handed to devices.
func EncodeCursor(seq int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.FormatInt(seq, 10)))
}

// DecodeCursor reverses EncodeCursor. An empty cursor means "from the beginning".
func DecodeCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor: %w", err)
	}
	s := string(raw)
	if !strings.HasPrefix(s, cursorPrefix) {
		return 0, fmt.Errorf("invalid cursor %q", cursor)
	}
	seq, err := strconv.ParseInt(strings.TrimPrefix(s, cursorPrefix), 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("invalid cursor %q", cursor)
	}
	return seq, nil
}
