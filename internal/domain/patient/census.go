package patient

import (
	"context"
	"fmt"
)

// CensusJob returns a job that logs how many patients are flagged critical.
func (s *Service) CensusJob() func(ctx context.Context) error {
	return func(ctx context.Context) error {
		n, err := s.CriticalCensus(ctx)
		if err != nil {
			return fmt.Errorf("critical census: %w", err)
		}
		s.logger.Info().Int("critical_patients", n).Msg("critical census")
		return nil
	}
}
