package patient

import (
	"context"

	"github.com/google/uuid"
)

// PatientRepository is the patient store. Implementations translate driver
// failures into ErrNotFound, *ValidationError and ErrStoreUnavailable.
type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	// ListCritical returns every patient flagged critical, oldest first.
	ListCritical(ctx context.Context) ([]*Patient, error)
	CountCritical(ctx context.Context) (int, error)
	// Save overwrites the mutable fields of an existing patient.
	Save(ctx context.Context, p *Patient) error
	// AppendObservation appends o and ORs critical into the stored flag in a
	// single write, returning the updated patient.
	AppendObservation(ctx context.Context, id uuid.UUID, o Observation, critical bool) (*Patient, error)
}
