package engine

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"curbkey/internal/config"
	"curbkey/internal/domain"
	"curbkey/internal/ledger"
	"curbkey/internal/notify"
	"curbkey/internal/repo"
	"curbkey/internal/stats"
)

// ActorScheduler is the actor recorded on transitions the background
// scheduler performs.
const ActorScheduler = "scheduler"

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger ledger.Store
	Notify *notify.Service
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, svc *notify.Service) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Ledger: ledger.Store{DB: db},
		Notify: svc,
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func newID() string {
	return uuid.NewString()
}

func newClaimCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:8]
}

// deliverAfterCommit pushes freshly enqueued outbox rows out immediately.
// Failures are fine; the background drain picks the rows up later.
func (e Engine) deliverAfterCommit(ctx context.Context, ids []int64) {
	if e.Notify == nil {
		return
	}
	for _, id := range ids {
		_ = e.Notify.DeliverByID(ctx, id)
	}
}

// CreateVenue registers a venue.
func (e Engine) CreateVenue(ctx context.Context, id, name, timezone string) (domain.Venue, error) {
	if name == "" {
		return domain.Venue{}, validationf("venue name is required")
	}
	if id == "" {
		id = newID()
	}
	if timezone == "" {
		timezone = "UTC"
	}
	v := domain.Venue{ID: id, Name: name, Timezone: timezone, CreatedAt: domain.FormatTime(e.now())}
	if err := e.Repo.InsertVenue(ctx, v); err != nil {
		return domain.Venue{}, err
	}
	return v, nil
}

// CreateZone adds a parking zone to a venue. A non-empty defaultExitCode
// names the exit requests from this zone fall back to when the guest
// picks none.
func (e Engine) CreateZone(ctx context.Context, venueID, label, defaultExitCode string) (domain.Zone, error) {
	if label == "" {
		return domain.Zone{}, validationf("zone label is required")
	}
	if _, err := e.Repo.GetVenue(ctx, venueID); err != nil {
		return domain.Zone{}, err
	}
	z := domain.Zone{ID: newID(), VenueID: venueID, Label: label}
	if defaultExitCode != "" {
		ex, err := e.Repo.GetExitByCode(ctx, venueID, defaultExitCode)
		if err != nil {
			if err == repo.ErrNotFound {
				return domain.Zone{}, validationf("unknown exit %s", defaultExitCode)
			}
			return domain.Zone{}, err
		}
		z.DefaultExitID = &ex.ID
	}
	if err := e.Repo.InsertZone(ctx, z); err != nil {
		return domain.Zone{}, err
	}
	return z, nil
}

// CreateExit adds a pickup exit to a venue.
func (e Engine) CreateExit(ctx context.Context, venueID, code, name string) (domain.Exit, error) {
	if code == "" {
		return domain.Exit{}, validationf("exit code is required")
	}
	if _, err := e.Repo.GetVenue(ctx, venueID); err != nil {
		return domain.Exit{}, err
	}
	ex := domain.Exit{ID: newID(), VenueID: venueID, Code: code, Name: name, Active: true}
	if err := e.Repo.InsertExit(ctx, ex); err != nil {
		return domain.Exit{}, err
	}
	return ex, nil
}

// TicketCreateOptions are parameters for issuing a ticket.
type TicketCreateOptions struct {
	VenueID            string
	ZoneID             string
	PlateHint          string
	VehicleDescription string
}

// CreateTicket issues a ticket with a fresh claim code.
func (e Engine) CreateTicket(ctx context.Context, opts TicketCreateOptions) (domain.Ticket, error) {
	if _, err := e.Repo.GetVenue(ctx, opts.VenueID); err != nil {
		return domain.Ticket{}, err
	}
	var zoneID *string
	if opts.ZoneID != "" {
		z, err := e.Repo.GetZone(ctx, opts.ZoneID)
		if err != nil {
			return domain.Ticket{}, err
		}
		if z.VenueID != opts.VenueID {
			return domain.Ticket{}, validationf("zone %s not in venue %s", opts.ZoneID, opts.VenueID)
		}
		zoneID = &opts.ZoneID
	}
	now := e.now()
	t := domain.Ticket{
		ID:                 newID(),
		VenueID:            opts.VenueID,
		ZoneID:             zoneID,
		Token:              newID(),
		PlateHint:          opts.PlateHint,
		VehicleDescription: opts.VehicleDescription,
		ClaimCode:          newClaimCode(),
		ClaimExpires:       domain.FormatTime(now.Add(time.Duration(e.Config.Claim.CodeExpiryHours) * time.Hour)),
		CreatedAt:          domain.FormatTime(now),
	}
	if err := e.Repo.InsertTicket(ctx, t); err != nil {
		return domain.Ticket{}, err
	}
	return t, nil
}

// TicketByToken resolves the opaque token from a guest link.
func (e Engine) TicketByToken(ctx context.Context, token string) (domain.Ticket, error) {
	if token == "" {
		return domain.Ticket{}, repo.ErrNotFound
	}
	return e.Repo.GetTicketByToken(ctx, token)
}

// UpdateTicketDetails patches the guest-editable vehicle fields. A nil
// field keeps whatever the ticket already has.
func (e Engine) UpdateTicketDetails(ctx context.Context, ticketID string, plateHint, vehicleDescription *string) (domain.Ticket, error) {
	t, err := e.Repo.GetTicket(ctx, ticketID)
	if err != nil {
		return domain.Ticket{}, err
	}
	if plateHint != nil {
		t.PlateHint = *plateHint
	}
	if vehicleDescription != nil {
		t.VehicleDescription = *vehicleDescription
	}
	if err := e.Repo.UpdateTicketDetails(ctx, t.ID, t.PlateHint, t.VehicleDescription); err != nil {
		return domain.Ticket{}, err
	}
	return t, nil
}

// ClaimTicket resolves a claim code to its ticket. Expired codes look the
// same as unknown ones to the caller.
func (e Engine) ClaimTicket(ctx context.Context, code string) (domain.Ticket, error) {
	t, err := e.Repo.GetTicketByClaimCode(ctx, code)
	if err != nil {
		return domain.Ticket{}, err
	}
	expires, err := domain.ParseTime(t.ClaimExpires)
	if err != nil {
		return domain.Ticket{}, err
	}
	if e.now().After(expires) {
		return domain.Ticket{}, repo.ErrNotFound
	}
	return t, nil
}

// Subscribe registers a notification target for a ticket.
func (e Engine) Subscribe(ctx context.Context, ticketID, channel, target string) (domain.Subscription, error) {
	switch channel {
	case domain.ChannelStub, domain.ChannelEmail, domain.ChannelSMS, domain.ChannelWhatsApp:
	default:
		return domain.Subscription{}, validationf("unknown channel %s", channel)
	}
	if target == "" {
		return domain.Subscription{}, validationf("target is required")
	}
	if _, err := e.Repo.GetTicket(ctx, ticketID); err != nil {
		return domain.Subscription{}, err
	}
	s := domain.Subscription{
		ID:        newID(),
		TicketID:  ticketID,
		Channel:   channel,
		Target:    target,
		IsActive:  true,
		CreatedAt: domain.FormatTime(e.now()),
	}
	if err := e.Repo.InsertSubscription(ctx, s); err != nil {
		return domain.Subscription{}, err
	}
	// re-subscribing keeps the original row, so hand back what the
	// database actually holds
	return e.Repo.GetSubscriptionByTarget(ctx, ticketID, channel, target)
}

// Unsubscribe mutes a notification target without deleting the row.
func (e Engine) Unsubscribe(ctx context.Context, ticketID, subscriptionID string) error {
	return e.Repo.SetSubscriptionActive(ctx, ticketID, subscriptionID, false)
}

// ResetVenue purges every ticket of a venue along with its requests,
// events, subscriptions, outbox rows, and tips. Demo installs call this
// between runs; the venue's exits and zones stay.
func (e Engine) ResetVenue(ctx context.Context, venueID string) (int, error) {
	if _, err := e.Repo.GetVenue(ctx, venueID); err != nil {
		return 0, err
	}
	return e.Repo.PurgeVenueData(ctx, venueID)
}

// RequestCreateOptions are parameters for opening a retrieval request.
// Auto picks the recommended exit instead of ExitCode. ZoneID targets a
// zone's default exit when no exit is named; with neither set, the
// ticket's own zone is tried. ScheduledFor is an absolute activation
// time and takes precedence over DelayMinutes.
type RequestCreateOptions struct {
	TicketID       string
	ExitCode       string
	ZoneID         string
	Auto           bool
	DelayMinutes   int
	ScheduledFor   string
	IdempotencyKey string
	ActorID        string
}

// CreateRequest opens a retrieval request for a ticket. A zero delay
// starts it as REQUESTED immediately; a positive delay defers it as
// SCHEDULED. Replaying the same idempotency key returns the original
// request with idempotent=true instead of erroring.
func (e Engine) CreateRequest(ctx context.Context, opts RequestCreateOptions) (domain.Request, bool, error) {
	delayMinutes := opts.DelayMinutes
	if delayMinutes < 0 {
		return domain.Request{}, false, validationf("delay_minutes must not be negative")
	}
	if opts.ScheduledFor != "" {
		at, err := parseScheduleTime(opts.ScheduledFor)
		if err != nil {
			return domain.Request{}, false, validationf("invalid scheduled_for timestamp")
		}
		until := at.Sub(e.now())
		if until <= 0 {
			return domain.Request{}, false, validationf("scheduled_for must be in the future")
		}
		delayMinutes = int((until + time.Minute - 1) / time.Minute)
	}
	if delayMinutes > e.Config.Lifecycle.MaxDelayMinutes {
		return domain.Request{}, false, validationf("delay_minutes exceeds maximum of %d", e.Config.Lifecycle.MaxDelayMinutes)
	}
	t, err := e.Repo.GetTicket(ctx, opts.TicketID)
	if err != nil {
		return domain.Request{}, false, err
	}
	var ex domain.Exit
	var zoneID *string
	switch {
	case opts.Auto:
		ex, err = e.recommendExit(ctx, t.VenueID)
		if err != nil {
			return domain.Request{}, false, err
		}
	case opts.ExitCode != "":
		ex, err = e.Repo.GetExitByCode(ctx, t.VenueID, opts.ExitCode)
		if err != nil {
			if err == repo.ErrNotFound {
				return domain.Request{}, false, validationf("unknown exit %s", opts.ExitCode)
			}
			return domain.Request{}, false, err
		}
		if !ex.Active {
			return domain.Request{}, false, validationf("exit %s is not active", opts.ExitCode)
		}
	case opts.ZoneID != "":
		ex, err = e.zoneDefaultExit(ctx, t.VenueID, opts.ZoneID)
		if err != nil {
			return domain.Request{}, false, err
		}
		zoneID = &opts.ZoneID
	case t.ZoneID != nil:
		// fall back to the default exit of the ticket's parking zone
		ex, err = e.zoneDefaultExit(ctx, t.VenueID, *t.ZoneID)
		if err != nil {
			return domain.Request{}, false, err
		}
		zoneID = t.ZoneID
	default:
		return domain.Request{}, false, validationf("exit_code or zone_id is required for tickets without a zone")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, false, err
	}
	defer tx.Rollback()

	if opts.IdempotencyKey != "" {
		existing, err := e.Repo.RequestByIdempotencyKey(ctx, tx, opts.TicketID, opts.IdempotencyKey)
		if err == nil {
			return existing, true, nil
		}
		if err != repo.ErrNotFound {
			return domain.Request{}, false, err
		}
	}
	// a ticket carries at most one retrieval in flight; asking again
	// hands the existing one back instead of erroring
	active, err := e.Repo.ActiveRequestForTicket(ctx, tx, opts.TicketID)
	if err == nil {
		return active, true, nil
	}
	if err != repo.ErrNotFound {
		return domain.Request{}, false, err
	}

	now := e.now()
	nowStr := domain.FormatTime(now)
	rq := domain.Request{
		ID:        newID(),
		TicketID:  opts.TicketID,
		ExitID:    ex.ID,
		ZoneID:    zoneID,
		CreatedAt: nowStr,
		UpdatedAt: nowStr,
	}
	if opts.IdempotencyKey != "" {
		rq.IdempotencyKey = &opts.IdempotencyKey
	}

	var note string
	if delayMinutes > 0 {
		rq.Status = domain.StatusScheduled
		sched := domain.FormatTime(now.Add(time.Duration(delayMinutes) * time.Minute))
		if opts.ScheduledFor != "" {
			at, _ := parseScheduleTime(opts.ScheduledFor)
			sched = domain.FormatTime(at)
		}
		rq.ScheduledFor = &sched
		note = scheduleNote(delayMinutes, ex.Code)
	} else {
		rq.Status = domain.StatusRequested
		rq.RequestedAt = &nowStr
		note = requestNote(ex.Code)
	}

	if err := e.Repo.InsertRequest(ctx, tx, rq); err != nil {
		return domain.Request{}, false, err
	}
	evID, err := e.appendLedger(ctx, tx, rq.ID, nil, rq.Status, opts.ActorID, note)
	if err != nil {
		return domain.Request{}, false, err
	}
	// deferred requests notify on promotion, not at creation
	var ids []int64
	if rq.Status == domain.StatusRequested {
		ids, err = e.Notify.EnqueueTx(ctx, tx, rq.TicketID, rq.ID, evID, notify.Render(notify.KindRequested, ex.Code, 0))
		if err != nil {
			return domain.Request{}, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, false, err
	}
	e.deliverAfterCommit(ctx, ids)
	return rq, false, nil
}

// parseScheduleTime accepts the canonical storage layout or RFC3339,
// which is what API callers naturally send.
func parseScheduleTime(s string) (time.Time, error) {
	if t, err := domain.ParseTime(s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func (e Engine) zoneDefaultExit(ctx context.Context, venueID, zoneID string) (domain.Exit, error) {
	z, err := e.Repo.GetZone(ctx, zoneID)
	if err != nil {
		return domain.Exit{}, err
	}
	if z.VenueID != venueID {
		return domain.Exit{}, validationf("zone %s not in venue %s", zoneID, venueID)
	}
	if z.DefaultExitID == nil {
		return domain.Exit{}, validationf("zone %s has no default exit, pick one", z.Label)
	}
	ex, err := e.Repo.GetExit(ctx, *z.DefaultExitID)
	if err != nil {
		return domain.Exit{}, err
	}
	if !ex.Active {
		return domain.Exit{}, validationf("exit %s is not active", ex.Code)
	}
	return ex, nil
}

// recommendExit delegates exit choice to the recommendation scoring.
func (e Engine) recommendExit(ctx context.Context, venueID string) (domain.Exit, error) {
	svc := stats.Service{Repo: e.Repo, Config: e.Config, Now: e.Now}
	ranked, err := svc.Recommend(ctx, venueID)
	if err != nil {
		return domain.Exit{}, err
	}
	if len(ranked) == 0 {
		return domain.Exit{}, validationf("venue has no active exits")
	}
	return e.Repo.GetExit(ctx, ranked[0].ExitID)
}

func (e Engine) appendLedger(ctx context.Context, tx *sql.Tx, requestID string, from *string, to, actorID, note string) (int64, error) {
	w := e.Ledger
	w.Now = e.Now
	return w.Append(ctx, tx, requestID, from, to, actorID, note)
}

// Promote moves one due SCHEDULED request to REQUESTED. Returns false
// without error when the request turned out not to be promotable, which
// happens when another worker got there first or a guest canceled it
// between claim and promotion.
func (e Engine) Promote(ctx context.Context, requestID string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	rq, err := e.Repo.GetRequestTx(ctx, tx, requestID)
	if err != nil {
		return false, err
	}
	if rq.Status != domain.StatusScheduled || rq.ScheduledFor == nil {
		return false, nil
	}
	now := e.now()
	due, err := domain.ParseTime(*rq.ScheduledFor)
	if err != nil {
		return false, err
	}
	if due.After(now) {
		return false, nil
	}

	nowStr := domain.FormatTime(now)
	from := rq.Status
	rq.Status = domain.StatusRequested
	rq.RequestedAt = &nowStr
	rq.ClaimedBy = nil
	rq.ClaimedAt = nil
	rq.UpdatedAt = nowStr
	if err := e.Repo.UpdateRequest(ctx, tx, rq); err != nil {
		return false, err
	}
	evID, err := e.appendLedger(ctx, tx, rq.ID, &from, rq.Status, ActorScheduler, "Auto-triggered from schedule")
	if err != nil {
		return false, err
	}
	ids, err := e.Notify.EnqueueTx(ctx, tx, rq.TicketID, rq.ID, evID, notify.Render(notify.KindPromoted, "", 0))
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	e.deliverAfterCommit(ctx, ids)
	return true, nil
}

// Reschedule moves a SCHEDULED request's start time. Guarded three ways:
// not within the lead-time window before the current start, not past the
// per-request cap, and not inside the cooldown after the last reschedule.
func (e Engine) Reschedule(ctx context.Context, requestID string, delayMinutes int, actorID string) (domain.Request, error) {
	if delayMinutes <= 0 {
		return domain.Request{}, validationf("delay_minutes must be positive")
	}
	if delayMinutes > e.Config.Lifecycle.MaxDelayMinutes {
		return domain.Request{}, validationf("delay_minutes exceeds maximum of %d", e.Config.Lifecycle.MaxDelayMinutes)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()

	rq, err := e.Repo.GetRequestTx(ctx, tx, requestID)
	if err != nil {
		return domain.Request{}, err
	}
	if rq.Status != domain.StatusScheduled || rq.ScheduledFor == nil {
		return domain.Request{}, StateConflictError{Msg: "only scheduled requests can be rescheduled", RequestID: rq.ID}
	}
	now := e.now()
	current, err := domain.ParseTime(*rq.ScheduledFor)
	if err != nil {
		return domain.Request{}, err
	}
	minAhead := time.Duration(e.Config.Lifecycle.RescheduleMinSecondsAhead) * time.Second
	if current.Sub(now) < minAhead {
		return domain.Request{}, StateConflictError{Msg: "too close to scheduled start to reschedule", RequestID: rq.ID}
	}
	n, err := e.Ledger.CountReschedules(ctx, tx, rq.ID)
	if err != nil {
		return domain.Request{}, err
	}
	if n >= e.Config.Lifecycle.RescheduleMaxPerRequest {
		return domain.Request{}, StateConflictError{Msg: "reschedule limit reached", RequestID: rq.ID}
	}
	if ts, ok, err := e.Ledger.LastRescheduleTime(ctx, tx, rq.ID); err != nil {
		return domain.Request{}, err
	} else if ok {
		last, err := domain.ParseTime(ts)
		if err != nil {
			return domain.Request{}, err
		}
		cooldown := time.Duration(e.Config.Lifecycle.RescheduleCooldownSeconds) * time.Second
		if elapsed := now.Sub(last); elapsed < cooldown {
			return domain.Request{}, CooldownError{
				Msg:          "rescheduling too fast, slow down",
				RetryAfterMS: (cooldown - elapsed).Milliseconds(),
			}
		}
	}

	nowStr := domain.FormatTime(now)
	sched := domain.FormatTime(now.Add(time.Duration(delayMinutes) * time.Minute))
	rq.ScheduledFor = &sched
	rq.UpdatedAt = nowStr
	if err := e.Repo.UpdateRequest(ctx, tx, rq); err != nil {
		return domain.Request{}, err
	}
	evID, err := e.appendLedger(ctx, tx, rq.ID, &rq.Status, rq.Status, actorID, rescheduleNote(delayMinutes))
	if err != nil {
		return domain.Request{}, err
	}
	ex, err := e.Repo.GetExitTx(ctx, tx, rq.ExitID)
	if err != nil {
		return domain.Request{}, err
	}
	ids, err := e.Notify.EnqueueTx(ctx, tx, rq.TicketID, rq.ID, evID, notify.Render(notify.KindScheduled, ex.Code, delayMinutes))
	if err != nil {
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	e.deliverAfterCommit(ctx, ids)
	return rq, nil
}

// Cancel withdraws a SCHEDULED request. Guarded twice: not right before
// the scheduled start, and not within the cooldown after the request's
// last ledger entry. Once a request is REQUESTED a valet may already be
// walking, so it runs to completion.
func (e Engine) Cancel(ctx context.Context, requestID, actorID string) (domain.Request, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()

	rq, err := e.Repo.GetRequestTx(ctx, tx, requestID)
	if err != nil {
		return domain.Request{}, err
	}
	if !domain.CanTransition(rq.Status, domain.StatusCanceled) {
		return domain.Request{}, InvalidTransitionError{From: rq.Status, To: domain.StatusCanceled}
	}
	now := e.now()
	if rq.Status == domain.StatusScheduled && rq.ScheduledFor != nil {
		due, err := domain.ParseTime(*rq.ScheduledFor)
		if err != nil {
			return domain.Request{}, err
		}
		minAhead := time.Duration(e.Config.Lifecycle.CancelMinSecondsAhead) * time.Second
		if due.Sub(now) < minAhead {
			return domain.Request{}, StateConflictError{Msg: "too close to scheduled start to cancel", RequestID: rq.ID}
		}
	}
	if ts, ok, err := e.Ledger.LastEventTime(ctx, tx, rq.ID); err != nil {
		return domain.Request{}, err
	} else if ok {
		last, err := domain.ParseTime(ts)
		if err != nil {
			return domain.Request{}, err
		}
		cooldown := time.Duration(e.Config.Lifecycle.CancelCooldownSeconds) * time.Second
		if elapsed := now.Sub(last); elapsed < cooldown {
			return domain.Request{}, CooldownError{
				Msg:          "canceling too soon after the last change, slow down",
				RetryAfterMS: (cooldown - elapsed).Milliseconds(),
			}
		}
	}

	nowStr := domain.FormatTime(now)
	from := rq.Status
	rq.Status = domain.StatusCanceled
	rq.ClaimedBy = nil
	rq.ClaimedAt = nil
	rq.UpdatedAt = nowStr
	if err := e.Repo.UpdateRequest(ctx, tx, rq); err != nil {
		return domain.Request{}, err
	}
	evID, err := e.appendLedger(ctx, tx, rq.ID, &from, rq.Status, actorID, "Canceled by guest")
	if err != nil {
		return domain.Request{}, err
	}
	ids, err := e.Notify.EnqueueTx(ctx, tx, rq.TicketID, rq.ID, evID, notify.RenderStatus(domain.StatusCanceled))
	if err != nil {
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	e.deliverAfterCommit(ctx, ids)
	return rq, nil
}

// Assign hands a REQUESTED request to a valet. Losing an assignment race
// reports who holds it; re-asserting the same assignee is a no-op.
func (e Engine) Assign(ctx context.Context, requestID, assignee, actorID string) (domain.Request, error) {
	if assignee == "" {
		return domain.Request{}, validationf("assignee is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()

	rq, err := e.Repo.GetRequestTx(ctx, tx, requestID)
	if err != nil {
		return domain.Request{}, err
	}
	if rq.AssignedTo != nil {
		if *rq.AssignedTo == assignee {
			return rq, nil
		}
		return domain.Request{}, AssignConflictError{RequestID: rq.ID, AssignedTo: *rq.AssignedTo}
	}
	if !domain.CanTransition(rq.Status, domain.StatusAssigned) {
		return domain.Request{}, InvalidTransitionError{From: rq.Status, To: domain.StatusAssigned}
	}

	nowStr := domain.FormatTime(e.now())
	from := rq.Status
	rq.Status = domain.StatusAssigned
	rq.AssignedTo = &assignee
	rq.AssignedAt = &nowStr
	rq.UpdatedAt = nowStr
	if err := e.Repo.UpdateRequest(ctx, tx, rq); err != nil {
		return domain.Request{}, err
	}
	if _, err := e.appendLedger(ctx, tx, rq.ID, &from, rq.Status, actorID, assignNote(assignee)); err != nil {
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	return rq, nil
}

// Advance performs the valet-side transitions: ASSIGNED to RETRIEVING,
// RETRIEVING to READY, and READY to PICKED_UP. A pickup cascades straight
// to CLOSED in the same transaction, leaving two ledger entries.
func (e Engine) Advance(ctx context.Context, requestID, toStatus, actorID string) (domain.Request, error) {
	switch toStatus {
	case domain.StatusRetrieving, domain.StatusReady, domain.StatusPickedUp:
	default:
		return domain.Request{}, validationf("cannot advance to %s", toStatus)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()

	rq, err := e.Repo.GetRequestTx(ctx, tx, requestID)
	if err != nil {
		return domain.Request{}, err
	}
	if !domain.CanTransition(rq.Status, toStatus) {
		return domain.Request{}, InvalidTransitionError{From: rq.Status, To: toStatus}
	}

	now := e.now()
	nowStr := domain.FormatTime(now)
	from := rq.Status
	rq.Status = toStatus
	rq.UpdatedAt = nowStr

	var ids []int64
	switch toStatus {
	case domain.StatusReady:
		rq.ReadyAt = &nowStr
		if rq.DeliveredBy == nil {
			rq.DeliveredBy = &actorID
			rq.DeliveredAt = &nowStr
		}
		if err := e.Repo.UpdateRequest(ctx, tx, rq); err != nil {
			return domain.Request{}, err
		}
		evID, err := e.appendLedger(ctx, tx, rq.ID, &from, rq.Status, actorID, "")
		if err != nil {
			return domain.Request{}, err
		}
		ex, err := e.Repo.GetExitTx(ctx, tx, rq.ExitID)
		if err != nil {
			return domain.Request{}, err
		}
		ids, err = e.Notify.EnqueueTx(ctx, tx, rq.TicketID, rq.ID, evID, notify.Render(notify.KindReady, ex.Code, 0))
		if err != nil {
			return domain.Request{}, err
		}
	case domain.StatusPickedUp:
		if _, err := e.appendLedger(ctx, tx, rq.ID, &from, domain.StatusPickedUp, actorID, ""); err != nil {
			return domain.Request{}, err
		}
		pickedUp := domain.StatusPickedUp
		rq.Status = domain.StatusClosed
		rq.ClosedAt = &nowStr
		if rq.DeliveredBy == nil {
			rq.DeliveredBy = &actorID
			rq.DeliveredAt = &nowStr
		}
		if err := e.Repo.UpdateRequest(ctx, tx, rq); err != nil {
			return domain.Request{}, err
		}
		evID, err := e.appendLedger(ctx, tx, rq.ID, &pickedUp, domain.StatusClosed, actorID, "Auto-closed after pickup")
		if err != nil {
			return domain.Request{}, err
		}
		if err := e.Repo.CloseTicketTx(ctx, tx, rq.TicketID, nowStr); err != nil {
			return domain.Request{}, err
		}
		ids, err = e.Notify.EnqueueTx(ctx, tx, rq.TicketID, rq.ID, evID, notify.Render(notify.KindClosed, "", 0))
		if err != nil {
			return domain.Request{}, err
		}
	default:
		if err := e.Repo.UpdateRequest(ctx, tx, rq); err != nil {
			return domain.Request{}, err
		}
		if _, err := e.appendLedger(ctx, tx, rq.ID, &from, rq.Status, actorID, ""); err != nil {
			return domain.Request{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	e.deliverAfterCommit(ctx, ids)
	return rq, nil
}

// RecordTip records a gratuity against a delivered request.
func (e Engine) RecordTip(ctx context.Context, requestID string, amountCents int, currency string) (domain.Tip, error) {
	if amountCents <= 0 {
		return domain.Tip{}, validationf("amount_cents must be positive")
	}
	if currency == "" {
		currency = "USD"
	}
	rq, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return domain.Tip{}, err
	}
	if rq.Status != domain.StatusClosed {
		return domain.Tip{}, StateConflictError{Msg: "tips can only be recorded on closed requests", RequestID: rq.ID}
	}
	tip := domain.Tip{
		ID:          newID(),
		RequestID:   requestID,
		AmountCents: amountCents,
		Currency:    currency,
		CreatedAt:   domain.FormatTime(e.now()),
	}
	if err := e.Repo.InsertTip(ctx, tip); err != nil {
		return domain.Tip{}, err
	}
	return tip, nil
}
