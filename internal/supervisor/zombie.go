package supervisor

import (
	"context"

	"github.com/maschq/masc/internal/logger"
	"github.com/maschq/masc/internal/room"
)

// reapZombies lists every agent and reaps any whose last_seen exceeds
// ZombieThreshold (spec §4.3). Agents already inactive are skipped so a
// reaped agent isn't repeatedly audited every tick.
func (s *Supervisor) reapZombies(ctx context.Context) error {
	agents, err := s.engine.GetAgents(ctx)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	for _, a := range agents {
		if a.Status == room.AgentInactive {
			continue
		}
		if now.Sub(a.LastSeen) < s.cfg.ZombieThreshold {
			continue
		}
		if err := s.engine.ReapZombie(ctx, a.Name); err != nil {
			logger.Logger.Warnw("failed to reap zombie agent", "agent", a.Name, "err", err)
			continue
		}
		logger.Logger.Infow("reaped zombie agent", "agent", a.Name, "idle", now.Sub(a.LastSeen).String())
	}
	return nil
}
