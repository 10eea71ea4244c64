package repo

import (
	"context"
	"database/sql"
	"strings"

	"curbkey/internal/domain"
)

const requestColumns = `id,ticket_id,exit_id,zone_id,status,scheduled_for,requested_at,ready_at,closed_at,assigned_to,assigned_at,delivered_by,delivered_at,idempotency_key,claimed_by,claimed_at,created_at,updated_at`

func scanRequest(scan func(dest ...any) error) (domain.Request, error) {
	var rq domain.Request
	var zoneID, scheduledFor, requestedAt, readyAt, closedAt, assignedTo, assignedAt, deliveredBy, deliveredAt, idemKey, claimedBy, claimedAt sql.NullString
	err := scan(&rq.ID, &rq.TicketID, &rq.ExitID, &zoneID, &rq.Status, &scheduledFor, &requestedAt, &readyAt, &closedAt,
		&assignedTo, &assignedAt, &deliveredBy, &deliveredAt, &idemKey, &claimedBy, &claimedAt, &rq.CreatedAt, &rq.UpdatedAt)
	if err == sql.ErrNoRows {
		return rq, ErrNotFound
	}
	if err != nil {
		return rq, err
	}
	rq.ZoneID = strPtr(zoneID)
	rq.ScheduledFor = strPtr(scheduledFor)
	rq.RequestedAt = strPtr(requestedAt)
	rq.ReadyAt = strPtr(readyAt)
	rq.ClosedAt = strPtr(closedAt)
	rq.AssignedTo = strPtr(assignedTo)
	rq.AssignedAt = strPtr(assignedAt)
	rq.DeliveredBy = strPtr(deliveredBy)
	rq.DeliveredAt = strPtr(deliveredAt)
	rq.IdempotencyKey = strPtr(idemKey)
	rq.ClaimedBy = strPtr(claimedBy)
	rq.ClaimedAt = strPtr(claimedAt)
	return rq, nil
}

func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, rq domain.Request) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO requests(`+requestColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rq.ID, rq.TicketID, rq.ExitID, nullableStringPtr(rq.ZoneID), rq.Status, nullableStringPtr(rq.ScheduledFor), nullableStringPtr(rq.RequestedAt),
		nullableStringPtr(rq.ReadyAt), nullableStringPtr(rq.ClosedAt), nullableStringPtr(rq.AssignedTo),
		nullableStringPtr(rq.AssignedAt), nullableStringPtr(rq.DeliveredBy), nullableStringPtr(rq.DeliveredAt),
		nullableStringPtr(rq.IdempotencyKey), nullableStringPtr(rq.ClaimedBy), nullableStringPtr(rq.ClaimedAt),
		rq.CreatedAt, rq.UpdatedAt)
	return err
}

func (r Repo) UpdateRequest(ctx context.Context, tx *sql.Tx, rq domain.Request) error {
	res, err := tx.ExecContext(ctx, `UPDATE requests SET exit_id=?, status=?, scheduled_for=?, requested_at=?, ready_at=?, closed_at=?, assigned_to=?, assigned_at=?, delivered_by=?, delivered_at=?, claimed_by=?, claimed_at=?, updated_at=? WHERE id=?`,
		rq.ExitID, rq.Status, nullableStringPtr(rq.ScheduledFor), nullableStringPtr(rq.RequestedAt),
		nullableStringPtr(rq.ReadyAt), nullableStringPtr(rq.ClosedAt), nullableStringPtr(rq.AssignedTo),
		nullableStringPtr(rq.AssignedAt), nullableStringPtr(rq.DeliveredBy), nullableStringPtr(rq.DeliveredAt),
		nullableStringPtr(rq.ClaimedBy), nullableStringPtr(rq.ClaimedAt), rq.UpdatedAt, rq.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.Request, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id)
	return scanRequest(row.Scan)
}

func (r Repo) GetRequestTx(ctx context.Context, tx *sql.Tx, id string) (domain.Request, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id)
	return scanRequest(row.Scan)
}

// ActiveRequestForTicket finds the single in-flight request for a ticket,
// if any. SCHEDULED through READY count as in flight.
func (r Repo) ActiveRequestForTicket(ctx context.Context, tx *sql.Tx, ticketID string) (domain.Request, error) {
	placeholders := strings.Repeat("?,", len(domain.ActiveStatuses))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{ticketID}
	for _, s := range domain.ActiveStatuses {
		args = append(args, s)
	}
	row := tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE ticket_id=? AND status IN (`+placeholders+`) LIMIT 1`, args...)
	return scanRequest(row.Scan)
}

// RequestByIdempotencyKey resolves a previously created request for the
// same ticket and key, regardless of its current status.
func (r Repo) RequestByIdempotencyKey(ctx context.Context, tx *sql.Tx, ticketID, key string) (domain.Request, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE ticket_id=? AND idempotency_key=?`, ticketID, key)
	return scanRequest(row.Scan)
}

type RequestFilters struct {
	TicketID        string
	ExitID          string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListRequests(ctx context.Context, f RequestFilters) ([]domain.Request, error) {
	var clauses []string
	var args []any
	if f.TicketID != "" {
		clauses = append(clauses, "ticket_id=?")
		args = append(args, f.TicketID)
	}
	if f.ExitID != "" {
		clauses = append(clauses, "exit_id=?")
		args = append(args, f.ExitID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + requestColumns + ` FROM requests ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Request
	for rows.Next() {
		rq, err := scanRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rq)
	}
	return res, rows.Err()
}

// ClaimDueScheduled stamps a claim on due SCHEDULED rows and returns the
// IDs it won. SQLite has no SKIP LOCKED, so the claim is a conditional
// UPDATE per row: losing a race means zero rows affected, which is a skip,
// not an error. Rows whose earlier claim went stale are fair game again.
func (r Repo) ClaimDueScheduled(ctx context.Context, now, staleBefore, claimedBy string, limit int) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id FROM requests WHERE status=? AND scheduled_for IS NOT NULL AND scheduled_for<=? AND (claimed_at IS NULL OR claimed_at<?) ORDER BY scheduled_for LIMIT ?`,
		domain.StatusScheduled, now, staleBefore, limit)
	if err != nil {
		return nil, err
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var claimed []string
	for _, id := range candidates {
		res, err := r.DB.ExecContext(ctx,
			`UPDATE requests SET claimed_by=?, claimed_at=? WHERE id=? AND status=? AND (claimed_at IS NULL OR claimed_at<?)`,
			claimedBy, now, id, domain.StatusScheduled, staleBefore)
		if err != nil {
			return claimed, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			claimed = append(claimed, id)
		}
	}
	return claimed, nil
}

// ReleaseClaim clears the claim columns after a promotion attempt that did
// not change the row's status.
func (r Repo) ReleaseClaim(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE requests SET claimed_by=NULL, claimed_at=NULL WHERE id=?`, id)
	return err
}

// QueueLength counts in-flight requests targeting an exit. Used by the
// recommendation scoring.
func (r Repo) QueueLength(ctx context.Context, exitID string) (int, error) {
	placeholders := strings.Repeat("?,", len(domain.ActiveStatuses))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{exitID}
	for _, s := range domain.ActiveStatuses {
		args = append(args, s)
	}
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM requests WHERE exit_id=? AND status IN (`+placeholders+`)`, args...).Scan(&n)
	return n, err
}

// ActiveVenueRequestCount counts in-flight requests across a venue.
func (r Repo) ActiveVenueRequestCount(ctx context.Context, venueID string) (int, error) {
	placeholders := strings.Repeat("?,", len(domain.ActiveStatuses))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{venueID}
	for _, s := range domain.ActiveStatuses {
		args = append(args, s)
	}
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM requests r JOIN tickets t ON r.ticket_id=t.id WHERE t.venue_id=? AND r.status IN (`+placeholders+`)`,
		args...).Scan(&n)
	return n, err
}

// DurationSample holds the lifecycle timestamps of one request, for the
// venue metrics averages.
type DurationSample struct {
	RequestedAt string
	ReadyAt     *string
	ClosedAt    *string
}

// VenueDurationSamples returns the timestamps of every request in the
// venue that made it past REQUESTED.
func (r Repo) VenueDurationSamples(ctx context.Context, venueID string) ([]DurationSample, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT r.requested_at, r.ready_at, r.closed_at FROM requests r JOIN tickets t ON r.ticket_id=t.id
		 WHERE t.venue_id=? AND r.requested_at IS NOT NULL`, venueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []DurationSample
	for rows.Next() {
		var s DurationSample
		var readyAt, closedAt sql.NullString
		if err := rows.Scan(&s.RequestedAt, &readyAt, &closedAt); err != nil {
			return nil, err
		}
		s.ReadyAt = strPtr(readyAt)
		s.ClosedAt = strPtr(closedAt)
		res = append(res, s)
	}
	return res, rows.Err()
}

// ReadyDurations returns (requested_at, ready_at) second deltas for
// requests at the exit whose request time falls inside the window.
// Samples over maxSeconds are dropped as outliers rather than averaged.
func (r Repo) ReadyDurations(ctx context.Context, exitID, windowStart string, maxSeconds int) ([]float64, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT requested_at, ready_at FROM requests WHERE exit_id=? AND requested_at IS NOT NULL AND ready_at IS NOT NULL AND requested_at>=?`,
		exitID, windowStart)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []float64
	for rows.Next() {
		var requestedAt, readyAt string
		if err := rows.Scan(&requestedAt, &readyAt); err != nil {
			return nil, err
		}
		requested, err := domain.ParseTime(requestedAt)
		if err != nil {
			continue
		}
		ready, err := domain.ParseTime(readyAt)
		if err != nil {
			continue
		}
		d := ready.Sub(requested).Seconds()
		if d < 0 || d > float64(maxSeconds) {
			continue
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
