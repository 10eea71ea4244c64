package notify

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"curbkey/internal/config"
	"curbkey/internal/domain"
	"curbkey/internal/repo"
)

// Service owns the durable notification outbox. Rows are enqueued inside
// the lifecycle transaction that caused them and delivered at least once
// afterwards, either immediately best-effort or by the background drain.
type Service struct {
	DB       *sql.DB
	Repo     repo.Repo
	Provider Provider
	Config   *config.Config
	Now      func() time.Time
	Log      zerolog.Logger
}

func NewService(db *sql.DB, cfg *config.Config, provider Provider, log zerolog.Logger) *Service {
	return &Service{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Provider: provider,
		Config:   cfg,
		Now:      time.Now,
		Log:      log,
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// EnqueueTx fans a message out to every active subscription on the
// ticket, writing PENDING rows in the caller's transaction. A ticket
// with no subscriptions queues nothing. A non-zero eventID links each
// row to the ledger entry that caused it.
func (s *Service) EnqueueTx(ctx context.Context, tx *sql.Tx, ticketID, requestID string, eventID int64, body string) ([]int64, error) {
	subs, err := s.Repo.ListActiveSubscriptionsTx(ctx, tx, ticketID)
	if err != nil {
		return nil, err
	}
	now := domain.FormatTime(s.now())
	var evID *int64
	if eventID > 0 {
		evID = &eventID
	}
	item := domain.OutboxItem{
		TicketID:  ticketID,
		RequestID: requestID,
		EventID:   evID,
		Body:      body,
		CreatedAt: now,
	}
	var ids []int64
	for _, sub := range subs {
		item.Channel = sub.Channel
		item.Target = sub.Target
		id, err := s.Repo.InsertOutboxTx(ctx, tx, item)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Service) staleBefore(now time.Time) string {
	stale := s.Config.Outbox.StaleClaimSeconds
	if stale <= 0 {
		stale = 300
	}
	return domain.FormatTime(now.Add(-time.Duration(stale) * time.Second))
}

// DeliverByID attempts immediate delivery of one freshly enqueued row.
// The row is claimed first, so a concurrent drain cannot double-send it.
func (s *Service) DeliverByID(ctx context.Context, id int64) error {
	now := s.now()
	res, err := s.DB.ExecContext(ctx,
		`UPDATE notification_outbox SET claimed_at=? WHERE id=? AND state=? AND (claimed_at IS NULL OR claimed_at<?)`,
		domain.FormatTime(now), id, domain.OutboxPending, s.staleBefore(now))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil
	}
	it, err := s.Repo.GetOutboxItem(ctx, id)
	if err != nil {
		return err
	}
	s.deliver(ctx, it)
	return nil
}

func (s *Service) deliver(ctx context.Context, it domain.OutboxItem) bool {
	ref, err := s.Provider.Send(ctx, it.Channel, it.Target, it.Body)
	if err != nil {
		s.Log.Warn().Int64("outbox_id", it.ID).Str("channel", it.Channel).Err(err).Msg("notification delivery failed")
		if merr := s.Repo.MarkOutboxFailed(ctx, it.ID, err.Error()); merr != nil {
			s.Log.Error().Int64("outbox_id", it.ID).Err(merr).Msg("mark outbox failed")
		}
		return false
	}
	if err := s.Repo.MarkOutboxSent(ctx, it.ID, domain.FormatTime(s.now()), ref); err != nil {
		s.Log.Error().Int64("outbox_id", it.ID).Err(err).Msg("mark outbox sent")
		return false
	}
	return true
}

// Drain claims up to limit rows in the given state and delivers them.
// State may be PENDING or FAILED; FAILED re-runs rows an operator wants
// resent without waiting for Retry. Returns how many were sent and how
// many ended up FAILED.
func (s *Service) Drain(ctx context.Context, state string, limit int) (sent, failed int, err error) {
	switch state {
	case "":
		state = domain.OutboxPending
	case domain.OutboxPending, domain.OutboxFailed:
	default:
		return 0, 0, fmt.Errorf("drain state %s not allowed", state)
	}
	if limit <= 0 {
		limit = s.Config.Outbox.DrainLimit
	}
	now := s.now()
	items, err := s.Repo.ClaimOutbox(ctx, state, domain.FormatTime(now), s.staleBefore(now), limit)
	if err != nil {
		return 0, 0, err
	}
	for _, it := range items {
		if s.deliver(ctx, it) {
			sent++
		} else {
			failed++
		}
	}
	return sent, failed, nil
}

// Retry flips FAILED rows older than the cutoff back to PENDING. Zero
// arguments fall back to the configured values. Rows that exhausted
// max_retries stay FAILED as dead letters.
func (s *Service) Retry(ctx context.Context, olderThanSeconds, limit int) (int, error) {
	if olderThanSeconds <= 0 {
		olderThanSeconds = s.Config.Outbox.RetryOlderThan
	}
	if limit <= 0 {
		limit = s.Config.Outbox.DrainLimit
	}
	cutoff := domain.FormatTime(s.now().Add(-time.Duration(olderThanSeconds) * time.Second))
	return s.Repo.ResetFailedOutbox(ctx, cutoff, s.Config.Outbox.MaxRetries, limit)
}
