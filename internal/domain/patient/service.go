package patient

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AppendMode selects how AddObservation persists a new observation.
type AppendMode int

const (
	// AppendAtomic appends and updates the flag in one store write.
	AppendAtomic AppendMode = iota
	// AppendOverwrite loads the patient, appends in memory and saves the
	// whole record back. Concurrent writers to one patient may lose updates.
	AppendOverwrite
)

func (m AppendMode) String() string {
	if m == AppendOverwrite {
		return "overwrite"
	}
	return "atomic"
}

type Service struct {
	patients PatientRepository
	rule     CriticalRule
	mode     AppendMode
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(patients PatientRepository, logger zerolog.Logger) *Service {
	return &Service{
		patients: patients,
		logger:   logger.With().Str("component", "patient").Logger(),
		now:      time.Now,
	}
}

// SetAppendMode switches between atomic and read-modify-write persistence.
func (s *Service) SetAppendMode(m AppendMode) {
	s.mode = m
}

// SetBPParseMode sets how blood-pressure values are parsed.
func (s *Service) SetBPParseMode(m ParseMode) {
	s.rule.Mode = m
}

func (s *Service) CreatePatient(ctx context.Context, in CreatePatientInput) (*Patient, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	p := &Patient{
		Name:         strings.TrimSpace(*in.Name),
		Age:          *in.Age,
		ClinicalData: []Observation{},
	}
	if err := s.patients.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) GetPatient(ctx context.Context, rawID string) (*Patient, error) {
	id, err := ParseID(rawID)
	if err != nil {
		return nil, err
	}
	return s.patients.GetByID(ctx, id)
}

func (s *Service) ListCriticalPatients(ctx context.Context) ([]*Patient, error) {
	return s.patients.ListCritical(ctx)
}

// CriticalCensus returns how many patients are currently flagged critical.
func (s *Service) CriticalCensus(ctx context.Context) (int, error) {
	return s.patients.CountCritical(ctx)
}

// AddObservation records one observation for a patient and raises the
// critical flag when a blood-pressure reading crosses the threshold. The flag
// is never cleared. An unknown patient yields ErrNotFound and nothing is
// written.
func (s *Service) AddObservation(ctx context.Context, rawID string, in ObservationInput) (*Patient, error) {
	id, err := ParseID(rawID)
	if err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	o := Observation{
		ID:    uuid.New(),
		Type:  in.Type,
		Value: in.Value,
	}
	if in.Date != nil {
		o.Date = in.Date.UTC()
	} else {
		o.Date = s.now().UTC()
	}

	verdict, err := s.rule.Evaluate(o)
	if err != nil {
		return nil, err
	}

	var p *Patient
	if s.mode == AppendOverwrite {
		p, err = s.appendAndSave(ctx, id, o, verdict.Critical)
	} else {
		p, err = s.patients.AppendObservation(ctx, id, o, verdict.Critical)
	}
	if err != nil {
		return nil, err
	}

	if verdict.Critical {
		s.logger.Warn().
			Str("patient_id", p.ID.String()).
			Int64("systolic", verdict.Systolic).
			Int("threshold", SystolicThreshold).
			Msg("blood pressure reading flagged patient as critical")
	}
	return p, nil
}

func (s *Service) appendAndSave(ctx context.Context, id uuid.UUID, o Observation, critical bool) (*Patient, error) {
	p, err := s.patients.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	p.ClinicalData = append(p.ClinicalData, o)
	if critical {
		p.CriticalCondition = true
	}
	if err := s.patients.Save(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}
