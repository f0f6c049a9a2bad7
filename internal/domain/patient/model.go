package patient

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TypeBloodPressure is the observation type the critical-condition rule reads.
const TypeBloodPressure = "Blood Pressure"

const maxAge = 150

// Patient is a clinical-data record. ClinicalData is append-only and kept in
// arrival order; CriticalCondition only ever goes from false to true.
type Patient struct {
	ID                uuid.UUID     `db:"id" json:"id"`
	Name              string        `db:"name" json:"name"`
	Age               int           `db:"age" json:"age"`
	ClinicalData      []Observation `db:"clinical_data" json:"clinicalData"`
	CriticalCondition bool          `db:"critical_condition" json:"criticalCondition"`
	CreatedAt         time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time     `db:"updated_at" json:"updatedAt"`
}

// Observation is one timestamped measurement embedded in a Patient.
type Observation struct {
	ID    uuid.UUID `json:"id"`
	Date  time.Time `json:"date"`
	Type  string    `json:"type"`
	Value string    `json:"value"`
}

// normalize guarantees an empty, non-nil observation slice so records always
// serialize clinicalData as [].
func (p *Patient) normalize() {
	if p.ClinicalData == nil {
		p.ClinicalData = []Observation{}
	}
}

// CreatePatientInput is the create-patient request body. Pointers distinguish
// absent fields from zero values.
type CreatePatientInput struct {
	Name *string `json:"name"`
	Age  *int    `json:"age"`
}

func (in CreatePatientInput) Validate() error {
	verr := &ValidationError{}
	switch {
	case in.Name == nil:
		verr.Add("name", "is required")
	case strings.TrimSpace(*in.Name) == "":
		verr.Add("name", "must not be blank")
	}
	switch {
	case in.Age == nil:
		verr.Add("age", "is required")
	case *in.Age < 0 || *in.Age > maxAge:
		verr.Add("age", "must be between 0 and 150")
	}
	return verr.OrNil()
}

// ObservationInput is the add-observation request body. Date defaults to the
// server clock when omitted.
type ObservationInput struct {
	Date  *time.Time `json:"date"`
	Type  string     `json:"type"`
	Value string     `json:"value"`
}

func (in ObservationInput) Validate() error {
	verr := &ValidationError{}
	if strings.TrimSpace(in.Type) == "" {
		verr.Add("type", "is required")
	}
	if strings.TrimSpace(in.Value) == "" {
		verr.Add("value", "is required")
	}
	if in.Date != nil && in.Date.IsZero() {
		verr.Add("date", "must be a valid timestamp")
	}
	return verr.OrNil()
}
