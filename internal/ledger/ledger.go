package ledger

import (
	"context"
	"database/sql"
	"time"

	"curbkey/internal/domain"
	"curbkey/internal/repo"
)

// Store appends and reads the status event ledger. Rows are append-only;
// nothing ever updates or deletes them.
type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append writes one ledger row inside the caller's transaction and returns
// its ID, so a status change and its ledger entry commit together.
func (s Store) Append(ctx context.Context, tx *sql.Tx, requestID string, fromStatus *string, toStatus, actorID, note string) (int64, error) {
	if s.Now == nil {
		s.Now = time.Now
	}
	ts := domain.FormatTime(s.Now())
	res, err := tx.ExecContext(ctx,
		`INSERT INTO status_events(request_id,ticket_id,from_status,to_status,actor_id,note,ts)
		 VALUES (?,(SELECT ticket_id FROM requests WHERE id=?),?,?,?,?,?)`,
		requestID, requestID, nullableStringPtr(fromStatus), toStatus, actorID, note, ts)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func scanEvent(scan func(dest ...any) error) (domain.StatusEvent, error) {
	var ev domain.StatusEvent
	var fromStatus sql.NullString
	err := scan(&ev.ID, &ev.RequestID, &ev.TicketID, &fromStatus, &ev.ToStatus, &ev.ActorID, &ev.Note, &ev.TS)
	if err == sql.ErrNoRows {
		return ev, repo.ErrNotFound
	}
	if err != nil {
		return ev, err
	}
	if fromStatus.Valid {
		f := fromStatus.String
		ev.FromStatus = &f
	}
	return ev, nil
}

// History returns the full ledger for a request in append order.
func (s Store) History(ctx context.Context, requestID string) ([]domain.StatusEvent, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,request_id,ticket_id,from_status,to_status,actor_id,note,ts FROM status_events WHERE request_id=? ORDER BY id`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatusEvent
	for rows.Next() {
		ev, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// EventsAfter returns up to limit events for a request with IDs greater
// than the cursor, in ascending order. The live feed polls with this.
func (s Store) EventsAfter(ctx context.Context, requestID string, cursor int64, limit int) ([]domain.StatusEvent, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,request_id,ticket_id,from_status,to_status,actor_id,note,ts FROM status_events WHERE request_id=? AND id>? ORDER BY id LIMIT ?`,
		requestID, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatusEvent
	for rows.Next() {
		ev, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// LastEventTime returns the timestamp of a request's most recent ledger
// entry, if any. The cancel cooldown measures against it, so it runs in
// the caller's transaction.
func (s Store) LastEventTime(ctx context.Context, tx *sql.Tx, requestID string) (string, bool, error) {
	var ts string
	err := tx.QueryRowContext(ctx,
		`SELECT ts FROM status_events WHERE request_id=? ORDER BY id DESC LIMIT 1`, requestID).Scan(&ts)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return ts, true, nil
}

// CountReschedules counts the reschedule entries a request has accrued,
// used to enforce the per-request cap. Runs inside the caller's
// transaction so concurrent reschedules cannot both slip under the cap.
func (s Store) CountReschedules(ctx context.Context, tx *sql.Tx, requestID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM status_events WHERE request_id=? AND note LIKE 'Rescheduled%'`, requestID).Scan(&n)
	return n, err
}

// LastRescheduleTime returns the timestamp of the most recent reschedule
// entry for a request, if any. Used for the reschedule cooldown.
func (s Store) LastRescheduleTime(ctx context.Context, tx *sql.Tx, requestID string) (string, bool, error) {
	var ts string
	err := tx.QueryRowContext(ctx,
		`SELECT ts FROM status_events WHERE request_id=? AND note LIKE 'Rescheduled%' ORDER BY id DESC LIMIT 1`, requestID).Scan(&ts)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return ts, true, nil
}

// TailVenue returns the most recent events across a venue's tickets,
// newest first. The staff audit view reads this.
func (s Store) TailVenue(ctx context.Context, venueID string, limit int) ([]domain.StatusEvent, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT e.id,e.request_id,e.ticket_id,e.from_status,e.to_status,e.actor_id,e.note,e.ts
		 FROM status_events e JOIN tickets t ON e.ticket_id=t.id
		 WHERE t.venue_id=? ORDER BY e.id DESC LIMIT ?`, venueID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatusEvent
	for rows.Next() {
		ev, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// Tail returns the most recent events across all requests, newest first.
func (s Store) Tail(ctx context.Context, limit int) ([]domain.StatusEvent, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,request_id,ticket_id,from_status,to_status,actor_id,note,ts FROM status_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatusEvent
	for rows.Next() {
		ev, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}
