package repo

import (
	"context"
	"database/sql"

	"curbkey/internal/domain"
)

const outboxColumns = `id,ticket_id,request_id,event_id,channel,target,body,state,retry_count,last_error,provider_ref,claimed_at,created_at,delivered_at`

func scanOutbox(scan func(dest ...any) error) (domain.OutboxItem, error) {
	var it domain.OutboxItem
	var eventID sql.NullInt64
	var lastError, providerRef, claimedAt, deliveredAt sql.NullString
	err := scan(&it.ID, &it.TicketID, &it.RequestID, &eventID, &it.Channel, &it.Target, &it.Body, &it.State,
		&it.RetryCount, &lastError, &providerRef, &claimedAt, &it.CreatedAt, &deliveredAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	if eventID.Valid {
		id := eventID.Int64
		it.EventID = &id
	}
	it.LastError = strPtr(lastError)
	it.ProviderRef = strPtr(providerRef)
	it.ClaimedAt = strPtr(claimedAt)
	it.DeliveredAt = strPtr(deliveredAt)
	return it, nil
}

// InsertOutboxTx writes a pending notification inside the lifecycle
// transaction, so the row commits or rolls back with the status change.
func (r Repo) InsertOutboxTx(ctx context.Context, tx *sql.Tx, it domain.OutboxItem) (int64, error) {
	var eventID any
	if it.EventID != nil {
		eventID = *it.EventID
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO notification_outbox(ticket_id,request_id,event_id,channel,target,body,state,retry_count,created_at) VALUES (?,?,?,?,?,?,?,0,?)`,
		it.TicketID, it.RequestID, eventID, it.Channel, it.Target, it.Body, domain.OutboxPending, it.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetOutboxItem(ctx context.Context, id int64) (domain.OutboxItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM notification_outbox WHERE id=?`, id)
	return scanOutbox(row.Scan)
}

type OutboxFilters struct {
	TicketID  string
	RequestID string
	State     string
	Limit     int
}

func (r Repo) ListOutbox(ctx context.Context, f OutboxFilters) ([]domain.OutboxItem, error) {
	query := `SELECT ` + outboxColumns + ` FROM notification_outbox WHERE 1=1`
	var args []any
	if f.TicketID != "" {
		query += ` AND ticket_id=?`
		args = append(args, f.TicketID)
	}
	if f.RequestID != "" {
		query += ` AND request_id=?`
		args = append(args, f.RequestID)
	}
	if f.State != "" {
		query += ` AND state=?`
		args = append(args, f.State)
	}
	query += ` ORDER BY id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutboxItem
	for rows.Next() {
		it, err := scanOutbox(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// ClaimOutbox stamps claimed_at on up to limit rows in the given state
// and returns the ones it won, oldest first. Same conditional-update
// claim discipline as the request scheduler.
func (r Repo) ClaimOutbox(ctx context.Context, state, now, staleBefore string, limit int) ([]domain.OutboxItem, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id FROM notification_outbox WHERE state=? AND (claimed_at IS NULL OR claimed_at<?) ORDER BY id LIMIT ?`,
		state, staleBefore, limit)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var claimed []domain.OutboxItem
	for _, id := range ids {
		res, err := r.DB.ExecContext(ctx,
			`UPDATE notification_outbox SET claimed_at=? WHERE id=? AND state=? AND (claimed_at IS NULL OR claimed_at<?)`,
			now, id, state, staleBefore)
		if err != nil {
			return claimed, err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue
		}
		it, err := r.GetOutboxItem(ctx, id)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, it)
	}
	return claimed, nil
}

func (r Repo) MarkOutboxSent(ctx context.Context, id int64, deliveredAt, providerRef string) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE notification_outbox SET state=?, delivered_at=?, provider_ref=?, claimed_at=NULL, last_error=NULL WHERE id=?`,
		domain.OutboxSent, deliveredAt, nullable(providerRef), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkOutboxFailed(ctx context.Context, id int64, lastError string) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE notification_outbox SET state=?, last_error=?, claimed_at=NULL WHERE id=?`,
		domain.OutboxFailed, lastError, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetFailedOutbox flips FAILED rows older than the cutoff back to
// PENDING so the next drain retries them, counting the retry and
// clearing the stale error. Rows at or past maxRetries are left alone
// as dead letters.
func (r Repo) ResetFailedOutbox(ctx context.Context, olderThan string, maxRetries, limit int) (int, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE notification_outbox SET state=?, retry_count=retry_count+1, last_error=NULL, claimed_at=NULL WHERE id IN (
			SELECT id FROM notification_outbox WHERE state=? AND retry_count<? AND created_at<=? ORDER BY id LIMIT ?
		)`,
		domain.OutboxPending, domain.OutboxFailed, maxRetries, olderThan, limit)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// OutboxCounts reports row counts by state.
func (r Repo) OutboxCounts(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM notification_outbox GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}
