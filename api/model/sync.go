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

package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/carenote/carenote/model"
)

type SyncOperation struct {
	OperationID     string              `json:"operation_id"`
	Kind            model.OperationKind `json:"kind"`
	EntityID        string              `json:"entity_id"`
	BaseVersion     int64               `json:"base_version"`
	Payload         json.RawMessage     `json:"payload"`
	ClientTimestamp time.Time           `json:"client_timestamp"`
}

type SyncRequest struct {
	DeviceID   string          `json:"device_id"`
	Cursor     string          `json:"cursor"`
	Operations []SyncOperation `json:"operations"`
}

func operationKind(value interface{}) error {
	kind, _ := value.(model.OperationKind)
	if !kind.Valid() {
		return fmt.Errorf("unknown operation kind %q", kind)
	}
	return nil
}

func jsonObject(value interface{}) error {
	raw, _ := value.(json.RawMessage)
	if len(raw) == 0 {
		return nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return errors.New("must be a JSON object")
	}
	return nil
}

func (o SyncOperation) Validate() error {
	return validation.ValidateStruct(&o,
		validation.Field(&o.OperationID, validation.Required, validation.Length(1, 128)),
		validation.Field(&o.Kind, validation.Required, validation.By(operationKind)),
		validation.Field(&o.EntityID, validation.Required),
		validation.Field(&o.BaseVersion, validation.Min(int64(0))),
		validation.Field(&o.Payload, validation.Required, validation.By(jsonObject)),
	)
}

// ValidateSyncRequest checks the envelope and every operation in it. A batch
// larger than maxOperations is rejected as a whole.
func (r *SyncRequest) ValidateSyncRequest(maxOperations int) error {
	rules := []validation.Rule{}
	if maxOperations > 0 {
		rules = append(rules, validation.Length(0, maxOperations))
	}
	return validation.ValidateStruct(r,
		validation.Field(&r.DeviceID, validation.Required),
		validation.Field(&r.Operations, rules...),
	)
}

func (r *SyncRequest) ToEnvelope() model.SyncEnvelope {
	ops := make([]model.SyncOperation, len(r.Operations))
	for i, op := range r.Operations {
		ops[i] = model.SyncOperation{
			OperationID:     op.OperationID,
			Kind:            op.Kind,
			EntityID:        op.EntityID,
			BaseVersion:     op.BaseVersion,
			Payload:         op.Payload,
			ClientTimestamp: op.ClientTimestamp,
		}
	}
	return model.SyncEnvelope{DeviceID: r.DeviceID, Cursor: r.Cursor, Operations: ops}
}
