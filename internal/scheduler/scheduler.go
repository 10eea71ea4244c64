package scheduler

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"curbkey/internal/domain"
	"curbkey/internal/engine"
)

// Scheduler promotes due SCHEDULED requests to REQUESTED. Multiple
// processes can tick against the same database; the claim discipline in
// the repo guarantees each request is promoted exactly once.
type Scheduler struct {
	Engine engine.Engine
	Log    zerolog.Logger

	workerID string
}

func New(eng engine.Engine, log zerolog.Logger) *Scheduler {
	host, _ := os.Hostname()
	return NewWorker(eng, log, fmt.Sprintf("%s-%d", host, os.Getpid()))
}

// NewWorker is New with an explicit worker id, for running several
// schedulers against the same database.
func NewWorker(eng engine.Engine, log zerolog.Logger, workerID string) *Scheduler {
	return &Scheduler{Engine: eng, Log: log, workerID: workerID}
}

// Tick claims one batch of due requests and promotes each in its own
// transaction. One bad row never blocks the rest of the batch. Returns
// how many requests were actually flipped.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	cfg := s.Engine.Config
	now := s.Engine.Now()
	stale := time.Duration(cfg.Scheduler.StaleClaimSeconds) * time.Second
	ids, err := s.Engine.Repo.ClaimDueScheduled(ctx,
		domain.FormatTime(now), domain.FormatTime(now.Add(-stale)), s.workerID, cfg.Scheduler.BatchSize)
	if err != nil {
		return 0, err
	}

	flipped := 0
	for _, id := range ids {
		promoted, err := s.Engine.Promote(ctx, id)
		if err != nil {
			s.Log.Error().Str("request_id", id).Err(err).Msg("promote failed")
			continue
		}
		if !promoted {
			// Claim was won but the row moved on underneath us, usually a
			// cancel racing the tick. Release so a later pass is not
			// blocked until the claim goes stale.
			if err := s.Engine.Repo.ReleaseClaim(ctx, id); err != nil {
				s.Log.Error().Str("request_id", id).Err(err).Msg("release claim failed")
			}
			continue
		}
		flipped++
	}
	if flipped > 0 {
		s.Log.Info().Int("promoted", flipped).Int("claimed", len(ids)).Msg("scheduler tick")
	}
	return flipped, nil
}
