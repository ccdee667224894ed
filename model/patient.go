package model

import "time"

type Demographics struct {
	GivenName         string `json:"given_name"`
	FamilyName        string `json:"family_name"`
	DateOfBirth       string `json:"date_of_birth,omitempty"`
	Sex               string `json:"sex,omitempty"`
	Phone             string `json:"phone,omitempty"`
	Address           string `json:"address,omitempty"`
	PreferredLanguage string `json:"preferred_language,omitempty"`
}

type Patient struct {
	PatientID             string       `json:"patient_id"`
	Demographics          Demographics `json:"demographics"`
	Version               int64        `json:"version"`
	DemographicsUpdatedAt time.Time    `json:"demographics_updated_at"`
	OriginDeviceID        string       `json:"origin_device_id"`
	CreatedAt             time.Time    `json:"created_at"`
	UpdatedAt             time.Time    `json:"updated_at"`
}
