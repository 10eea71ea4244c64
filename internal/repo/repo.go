package repo

import (
	"context"
	"database/sql"
	"errors"

	"curbkey/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func (r Repo) InsertVenue(ctx context.Context, v domain.Venue) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO venues(id,name,timezone,created_at) VALUES (?,?,?,?)`,
		v.ID, v.Name, v.Timezone, v.CreatedAt)
	return err
}

func (r Repo) GetVenue(ctx context.Context, id string) (domain.Venue, error) {
	var v domain.Venue
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,timezone,created_at FROM venues WHERE id=?`, id).
		Scan(&v.ID, &v.Name, &v.Timezone, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	return v, err
}

func (r Repo) ListVenues(ctx context.Context) ([]domain.Venue, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,timezone,created_at FROM venues ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Venue
	for rows.Next() {
		var v domain.Venue
		if err := rows.Scan(&v.ID, &v.Name, &v.Timezone, &v.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) InsertZone(ctx context.Context, z domain.Zone) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO zones(id,venue_id,label,default_exit_id) VALUES (?,?,?,?)`,
		z.ID, z.VenueID, z.Label, z.DefaultExitID)
	return err
}

func (r Repo) GetZone(ctx context.Context, id string) (domain.Zone, error) {
	var z domain.Zone
	err := r.DB.QueryRowContext(ctx, `SELECT id,venue_id,label,default_exit_id FROM zones WHERE id=?`, id).
		Scan(&z.ID, &z.VenueID, &z.Label, &z.DefaultExitID)
	if err == sql.ErrNoRows {
		return z, ErrNotFound
	}
	return z, err
}

func (r Repo) ListZones(ctx context.Context, venueID string) ([]domain.Zone, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,venue_id,label,default_exit_id FROM zones WHERE venue_id=? ORDER BY label`, venueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Zone
	for rows.Next() {
		var z domain.Zone
		if err := rows.Scan(&z.ID, &z.VenueID, &z.Label, &z.DefaultExitID); err != nil {
			return nil, err
		}
		res = append(res, z)
	}
	return res, rows.Err()
}

func (r Repo) InsertExit(ctx context.Context, e domain.Exit) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO exits(id,venue_id,code,name,active) VALUES (?,?,?,?,?)`,
		e.ID, e.VenueID, e.Code, e.Name, boolInt(e.Active))
	return err
}

func (r Repo) GetExit(ctx context.Context, id string) (domain.Exit, error) {
	return scanExit(r.DB.QueryRowContext(ctx, `SELECT id,venue_id,code,name,active FROM exits WHERE id=?`, id))
}

func (r Repo) GetExitTx(ctx context.Context, tx *sql.Tx, id string) (domain.Exit, error) {
	return scanExit(tx.QueryRowContext(ctx, `SELECT id,venue_id,code,name,active FROM exits WHERE id=?`, id))
}

func (r Repo) GetExitByCode(ctx context.Context, venueID, code string) (domain.Exit, error) {
	return scanExit(r.DB.QueryRowContext(ctx, `SELECT id,venue_id,code,name,active FROM exits WHERE venue_id=? AND code=?`, venueID, code))
}

func scanExit(row *sql.Row) (domain.Exit, error) {
	var e domain.Exit
	var active int
	err := row.Scan(&e.ID, &e.VenueID, &e.Code, &e.Name, &active)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	e.Active = active != 0
	return e, err
}

func (r Repo) ListExits(ctx context.Context, venueID string, activeOnly bool) ([]domain.Exit, error) {
	query := `SELECT id,venue_id,code,name,active FROM exits WHERE venue_id=?`
	if activeOnly {
		query += ` AND active=1`
	}
	query += ` ORDER BY code`
	rows, err := r.DB.QueryContext(ctx, query, venueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Exit
	for rows.Next() {
		var e domain.Exit
		var active int
		if err := rows.Scan(&e.ID, &e.VenueID, &e.Code, &e.Name, &active); err != nil {
			return nil, err
		}
		e.Active = active != 0
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) SetExitActive(ctx context.Context, id string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE exits SET active=? WHERE id=?`, boolInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const ticketColumns = `id,venue_id,zone_id,token,plate_hint,vehicle_description,claim_code,claim_expires,created_at,closed_at`

func (r Repo) InsertTicket(ctx context.Context, t domain.Ticket) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tickets(`+ticketColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.VenueID, nullableStringPtr(t.ZoneID), t.Token, t.PlateHint, t.VehicleDescription,
		t.ClaimCode, t.ClaimExpires, t.CreatedAt, nullableStringPtr(t.ClosedAt))
	return err
}

func (r Repo) GetTicket(ctx context.Context, id string) (domain.Ticket, error) {
	return scanTicket(r.DB.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id=?`, id))
}

// GetTicketByToken resolves the opaque token guests carry in their link.
func (r Repo) GetTicketByToken(ctx context.Context, token string) (domain.Ticket, error) {
	return scanTicket(r.DB.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE token=?`, token))
}

func (r Repo) GetTicketByClaimCode(ctx context.Context, code string) (domain.Ticket, error) {
	return scanTicket(r.DB.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE claim_code=?`, code))
}

// UpdateTicketDetails overwrites the guest-editable vehicle fields.
func (r Repo) UpdateTicketDetails(ctx context.Context, id, plateHint, vehicleDescription string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tickets SET plate_hint=?, vehicle_description=? WHERE id=?`,
		plateHint, vehicleDescription, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CloseTicketTx stamps the ticket's closed timestamp unless one is
// already set.
func (r Repo) CloseTicketTx(ctx context.Context, tx *sql.Tx, id, closedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE tickets SET closed_at=? WHERE id=? AND closed_at IS NULL`, closedAt, id)
	return err
}

func scanTicket(row *sql.Row) (domain.Ticket, error) {
	var t domain.Ticket
	var zoneID, token, closedAt sql.NullString
	err := row.Scan(&t.ID, &t.VenueID, &zoneID, &token, &t.PlateHint, &t.VehicleDescription,
		&t.ClaimCode, &t.ClaimExpires, &t.CreatedAt, &closedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	t.ZoneID = strPtr(zoneID)
	t.Token = token.String
	t.ClosedAt = strPtr(closedAt)
	return t, err
}

// InsertSubscription registers a target. Re-subscribing the same
// channel/target pair reactivates the existing row instead of erroring.
func (r Repo) InsertSubscription(ctx context.Context, s domain.Subscription) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO notification_subscriptions(id,ticket_id,channel,target,is_active,created_at) VALUES (?,?,?,?,?,?)
		 ON CONFLICT(ticket_id,channel,target) DO UPDATE SET is_active=excluded.is_active`,
		s.ID, s.TicketID, s.Channel, s.Target, boolInt(s.IsActive), s.CreatedAt)
	return err
}

// GetSubscriptionByTarget finds the subscription row owning a
// channel/target pair on a ticket.
func (r Repo) GetSubscriptionByTarget(ctx context.Context, ticketID, channel, target string) (domain.Subscription, error) {
	var s domain.Subscription
	var active int
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,ticket_id,channel,target,is_active,created_at FROM notification_subscriptions WHERE ticket_id=? AND channel=? AND target=?`,
		ticketID, channel, target).Scan(&s.ID, &s.TicketID, &s.Channel, &s.Target, &active, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.Subscription{}, ErrNotFound
	}
	if err != nil {
		return domain.Subscription{}, err
	}
	s.IsActive = active != 0
	return s, nil
}

// SetSubscriptionActive mutes or reactivates one subscription on a
// ticket. Rows are kept so re-subscribing keeps the original identity.
func (r Repo) SetSubscriptionActive(ctx context.Context, ticketID, subscriptionID string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notification_subscriptions SET is_active=? WHERE id=? AND ticket_id=?`,
		boolInt(active), subscriptionID, ticketID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListSubscriptions(ctx context.Context, ticketID string) ([]domain.Subscription, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ticket_id,channel,target,is_active,created_at FROM notification_subscriptions WHERE ticket_id=? ORDER BY created_at`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

// ListActiveSubscriptionsTx returns the subscriptions notification
// fan-out targets, inside the lifecycle transaction.
func (r Repo) ListActiveSubscriptionsTx(ctx context.Context, tx *sql.Tx, ticketID string) ([]domain.Subscription, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id,ticket_id,channel,target,is_active,created_at FROM notification_subscriptions WHERE ticket_id=? AND is_active=1 ORDER BY created_at`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

func collectSubscriptions(rows *sql.Rows) ([]domain.Subscription, error) {
	var res []domain.Subscription
	for rows.Next() {
		var s domain.Subscription
		var active int
		if err := rows.Scan(&s.ID, &s.TicketID, &s.Channel, &s.Target, &active, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.IsActive = active != 0
		res = append(res, s)
	}
	return res, rows.Err()
}

// PurgeVenueData deletes every ticket of a venue together with all rows
// hanging off those tickets, in one transaction. The venue, its zones,
// and its exits survive. Returns the number of tickets removed.
func (r Repo) PurgeVenueData(ctx context.Context, venueID string) (int, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM tips WHERE request_id IN (SELECT r.id FROM requests r JOIN tickets t ON r.ticket_id=t.id WHERE t.venue_id=?)`,
		`DELETE FROM notification_outbox WHERE ticket_id IN (SELECT id FROM tickets WHERE venue_id=?)`,
		`DELETE FROM status_events WHERE ticket_id IN (SELECT id FROM tickets WHERE venue_id=?)`,
		`DELETE FROM notification_subscriptions WHERE ticket_id IN (SELECT id FROM tickets WHERE venue_id=?)`,
		`DELETE FROM requests WHERE ticket_id IN (SELECT id FROM tickets WHERE venue_id=?)`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q, venueID); err != nil {
			return 0, err
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tickets WHERE venue_id=?`, venueID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), tx.Commit()
}

func (r Repo) InsertTip(ctx context.Context, t domain.Tip) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tips(id,request_id,amount_cents,currency,created_at) VALUES (?,?,?,?,?)`,
		t.ID, t.RequestID, t.AmountCents, t.Currency, t.CreatedAt)
	return err
}

func (r Repo) ListTips(ctx context.Context, requestID string) ([]domain.Tip, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,request_id,amount_cents,currency,created_at FROM tips WHERE request_id=? ORDER BY created_at`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Tip
	for rows.Next() {
		var t domain.Tip
		if err := rows.Scan(&t.ID, &t.RequestID, &t.AmountCents, &t.Currency, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
