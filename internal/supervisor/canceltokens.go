package supervisor

import (
	"context"

	"github.com/maschq/masc/internal/logger"
)

// sweepCancelTokens evicts cancellation tokens older than CancelTokenMaxAge
// (spec §4.3).
func (s *Supervisor) sweepCancelTokens(ctx context.Context) error {
	evicted := s.tokens.SweepOlderThan(ctx, s.cfg.CancelTokenMaxAge)
	if evicted > 0 {
		logger.Logger.Infow("swept expired cancellation tokens", "evicted", evicted)
	}
	return nil
}
