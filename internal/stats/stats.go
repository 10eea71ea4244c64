package stats

import (
	"context"
	"sort"
	"time"

	"curbkey/internal/config"
	"curbkey/internal/domain"
	"curbkey/internal/repo"
)

// Service computes exit statistics and the pickup exit recommendation.
type Service struct {
	Repo   repo.Repo
	Config *config.Config
	Now    func() time.Time
}

func New(r repo.Repo, cfg *config.Config) *Service {
	return &Service{Repo: r, Config: cfg, Now: time.Now}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// ExitStats scores every active exit of a venue. The score is the mean
// request-to-ready duration over the window plus a fixed penalty per
// queued request. Exits with no samples score a zero mean, so a fresh
// exit is not penalized for being unproven.
func (s *Service) ExitStats(ctx context.Context, venueID string) ([]domain.ExitStat, error) {
	exits, err := s.Repo.ListExits(ctx, venueID, true)
	if err != nil {
		return nil, err
	}
	windowStart := domain.FormatTime(s.now().Add(-time.Duration(s.Config.Recommend.WindowHours) * time.Hour))
	maxSec := s.Config.Recommend.MaxReadySec
	penalty := s.Config.Recommend.QueuePenaltySec

	var res []domain.ExitStat
	for _, ex := range exits {
		durations, err := s.Repo.ReadyDurations(ctx, ex.ID, windowStart, maxSec)
		if err != nil {
			return nil, err
		}
		queue, err := s.Repo.QueueLength(ctx, ex.ID)
		if err != nil {
			return nil, err
		}
		mean := 0.0
		if len(durations) > 0 {
			var sum float64
			for _, d := range durations {
				sum += d
			}
			mean = sum / float64(len(durations))
		}
		res = append(res, domain.ExitStat{
			ExitID:       ex.ID,
			Code:         ex.Code,
			QueueLength:  queue,
			MeanReadySec: mean,
			SampleCount:  len(durations),
			Score:        mean + penalty*float64(queue),
		})
	}
	return res, nil
}

// VenueMetrics summarizes retrieval throughput for the staff dashboard:
// in-flight count plus the average wait from request to car-at-exit and
// from request to drive-away, over the venue's whole history.
func (s *Service) VenueMetrics(ctx context.Context, venueID string) (domain.VenueMetrics, error) {
	var m domain.VenueMetrics
	active, err := s.Repo.ActiveVenueRequestCount(ctx, venueID)
	if err != nil {
		return m, err
	}
	m.ActiveRequests = active
	samples, err := s.Repo.VenueDurationSamples(ctx, venueID)
	if err != nil {
		return m, err
	}
	var readySum, pickupSum float64
	for _, sample := range samples {
		requested, err := domain.ParseTime(sample.RequestedAt)
		if err != nil {
			continue
		}
		if sample.ReadyAt != nil {
			if ready, err := domain.ParseTime(*sample.ReadyAt); err == nil {
				readySum += ready.Sub(requested).Seconds()
				m.ReadySamples++
			}
		}
		if sample.ClosedAt != nil {
			if closed, err := domain.ParseTime(*sample.ClosedAt); err == nil {
				pickupSum += closed.Sub(requested).Seconds()
				m.PickupSamples++
			}
		}
	}
	if m.ReadySamples > 0 {
		m.AvgReadySeconds = readySum / float64(m.ReadySamples)
	}
	if m.PickupSamples > 0 {
		m.AvgPickupSeconds = pickupSum / float64(m.PickupSamples)
	}
	return m, nil
}

// Recommend returns the venue's exits ranked best first. Ties break on
// the lexicographically lowest exit ID so the ranking is deterministic.
func (s *Service) Recommend(ctx context.Context, venueID string) ([]domain.ExitStat, error) {
	stats, err := s.ExitStats(ctx, venueID)
	if err != nil {
		return nil, err
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Score != stats[j].Score {
			return stats[i].Score < stats[j].Score
		}
		return stats[i].ExitID < stats[j].ExitID
	})
	return stats, nil
}
