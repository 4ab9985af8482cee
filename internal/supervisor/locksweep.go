package supervisor

import (
	"context"

	"github.com/maschq/masc/internal/logger"
)

// sweepLocks evicts expired Lock records (spec §4.3's lock TTL sweeper).
func (s *Supervisor) sweepLocks(ctx context.Context) error {
	evicted, err := s.engine.SweepExpiredLocks(ctx)
	if err != nil {
		return err
	}
	if evicted > 0 {
		logger.Logger.Infow("swept expired locks", "evicted", evicted)
	}
	return nil
}
