// Package records serves patient records to holders of an access token.
package records

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrUnauthorized is returned when an access token does not cover the
// requested patient or resource.
var ErrUnauthorized = errors.New("access token does not cover this resource")

// Prescription maps to the prescription table.
type Prescription struct {
	ID           uuid.UUID `db:"id" json:"id"`
	PatientID    uuid.UUID `db:"patient_id" json:"patient_id"`
	Medication   string    `db:"medication" json:"medication"`
	Dosage       string    `db:"dosage" json:"dosage"`
	PrescribedBy string    `db:"prescribed_by" json:"prescribed_by,omitempty"`
	PrescribedAt time.Time `db:"prescribed_at" json:"prescribed_at"`
}

// HealthMetric maps to the health_metric table.
type HealthMetric struct {
	ID         uuid.UUID `db:"id" json:"id"`
	PatientID  uuid.UUID `db:"patient_id" json:"patient_id"`
	Kind       string    `db:"kind" json:"kind"`
	Value      float64   `db:"value" json:"value"`
	Unit       string    `db:"unit" json:"unit"`
	RecordedAt time.Time `db:"recorded_at" json:"recorded_at"`
}
