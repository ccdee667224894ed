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
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/carenote/carenote/model"
)

type ResolveConflict struct {
	Resolution string                `json:"resolution"`
	Note       *model.StructuredNote `json:"note"`
	ResolvedBy string                `json:"resolved_by"`
}

func (r *ResolveConflict) ValidateResolveConflict() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Resolution, validation.Required,
			validation.In(model.ResolutionKeepExisting, model.ResolutionTakeIncoming, model.ResolutionMerged)),
		validation.Field(&r.ResolvedBy, validation.Required),
		validation.Field(&r.Note, validation.When(r.Resolution == model.ResolutionMerged, validation.Required.Error("a merged resolution needs the merged note"))),
	)
}

type CancelConsultation struct {
	DeviceID string `json:"device_id"`
}

func (c *CancelConsultation) ValidateCancelConsultation() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.DeviceID, validation.Required),
	)
}
