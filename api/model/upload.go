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
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/carenote/carenote/model"
)

type StartUpload struct {
	ConsultationID string                 `json:"consultation_id"`
	PatientID      string                 `json:"patient_id"`
	DeviceID       string                 `json:"device_id"`
	TotalBytes     int64                  `json:"total_bytes"`
	ManifestHash   string                 `json:"manifest_hash"`
	ContentType    string                 `json:"content_type"`
	LanguageCode   string                 `json:"language_code"`
	Metadata       map[string]interface{} `json:"metadata"`
	RecordedAt     time.Time              `json:"recorded_at"`
}

func (s *StartUpload) ValidateStartUpload() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.PatientID, validation.When(s.ConsultationID == "", validation.Required.Error("patient_id or consultation_id is required"))),
		validation.Field(&s.DeviceID, validation.Required),
		validation.Field(&s.TotalBytes, validation.Required, validation.Min(int64(1))),
		validation.Field(&s.ManifestHash, validation.Required, sha256Hex),
		validation.Field(&s.LanguageCode, languageTag),
	)
}

func (s *StartUpload) ToUploadSession() model.UploadSession {
	contentType := s.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return model.UploadSession{
		ConsultationID: s.ConsultationID,
		PatientID:      s.PatientID,
		DeviceID:       s.DeviceID,
		TotalBytes:     s.TotalBytes,
		ManifestHash:   s.ManifestHash,
		ContentType:    contentType,
		LanguageCode:   s.LanguageCode,
		Metadata:       s.Metadata,
		RecordedAt:     s.RecordedAt,
	}
}
