package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"curbkey/internal/config"
	"curbkey/internal/db"
	"curbkey/internal/domain"
	"curbkey/internal/engine"
	"curbkey/internal/migrate"
	"curbkey/internal/notify"
	"curbkey/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	clock  time.Time

	venueID  string
	ticketID string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("venue-1")
	env := &testEnv{
		Ctx:   context.Background(),
		clock: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	svc := notify.NewService(conn, cfg, notify.StubProvider{Log: zerolog.Nop()}, zerolog.Nop())
	svc.Now = func() time.Time { return env.clock }
	eng := engine.New(conn, cfg, svc)
	eng.Now = func() time.Time { return env.clock }
	env.Engine = eng

	v, err := eng.CreateVenue(env.Ctx, "venue-1", "Test Garage", "UTC")
	if err != nil {
		t.Fatalf("create venue: %v", err)
	}
	env.venueID = v.ID
	for _, code := range []string{"A", "B"} {
		if _, err := eng.CreateExit(env.Ctx, v.ID, code, "Exit "+code); err != nil {
			t.Fatalf("create exit %s: %v", code, err)
		}
	}
	tk, err := eng.CreateTicket(env.Ctx, engine.TicketCreateOptions{VenueID: v.ID})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	env.ticketID = tk.ID
	return env
}

func (env *testEnv) advance(d time.Duration) {
	env.clock = env.clock.Add(d)
}

func (env *testEnv) newTicket(t *testing.T) string {
	t.Helper()
	tk, err := env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{VenueID: env.venueID})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	return tk.ID
}

func TestCreateRequestImmediate(t *testing.T) {
	env := newTestEnv(t)
	rq, idem, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		TicketID: env.ticketID, ExitCode: "A", ActorID: "guest",
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if idem {
		t.Fatalf("fresh create flagged idempotent")
	}
	if rq.Status != domain.StatusRequested {
		t.Fatalf("status = %s, want REQUESTED", rq.Status)
	}
	if rq.RequestedAt == nil {
		t.Fatalf("requested_at not stamped")
	}
	events, err := env.Engine.Ledger.History(env.Ctx, rq.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(events) != 1 || events[0].ToStatus != domain.StatusRequested {
		t.Fatalf("unexpected ledger: %+v", events)
	}
	if events[0].Note != "Requested at exit A" {
		t.Fatalf("note = %q", events[0].Note)
	}
}

func TestCreateRequestScheduled(t *testing.T) {
	env := newTestEnv(t)
	rq, _, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		TicketID: env.ticketID, ExitCode: "B", DelayMinutes: 30, ActorID: "guest",
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if rq.Status != domain.StatusScheduled {
		t.Fatalf("status = %s, want SCHEDULED", rq.Status)
	}
	if rq.ScheduledFor == nil {
		t.Fatalf("scheduled_for not set")
	}
	due, err := domain.ParseTime(*rq.ScheduledFor)
	if err != nil {
		t.Fatalf("parse scheduled_for: %v", err)
	}
	if want := env.clock.Add(30 * time.Minute); !due.Equal(want) {
		t.Fatalf("scheduled_for = %v, want %v", due, want)
	}
	// the guest hears nothing until the schedule fires
	items, err := env.Engine.Repo.ListOutbox(env.Ctx, repo.OutboxFilters{RequestID: rq.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("deferred create queued %d notifications", len(items))
	}
}

func TestCreateRequestDelayBounds(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		TicketID: env.ticketID, ExitCode: "A", DelayMinutes: 121, ActorID: "guest",
	}); err == nil {
		t.Fatalf("expected validation error for delay over max")
	}
	if _, _, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		TicketID: env.ticketID, ExitCode: "A", DelayMinutes: -1, ActorID: "guest",
	}); err == nil {
		t.Fatalf("expected validation error for negative delay")
	}
}

func TestCreateRequestAbsoluteSchedule(t *testing.T) {
	env := newTestEnv(t)
	at := env.clock.Add(45 * time.Minute)
	rq, _, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		TicketID: env.ticketID, ExitCode: "A", ScheduledFor: at.Format(time.RFC3339), ActorID: "guest",
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if rq.Status != domain.StatusScheduled {
		t.Fatalf("status = %s, want SCHEDULED", rq.Status)
	}
	due, _ := domain.ParseTime(*rq.ScheduledFor)
	if !due.Equal(at) {
		t.Fatalf("scheduled_for = %v, want %v", due, at)
	}

	// past timestamps and far-future timestamps are rejected
	other := env.newTicket(t)
	if _, _, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		TicketID: other, ExitCode: "A", ScheduledFor: env.clock.Add(-time.Minute).Format(time.RFC3339), ActorID: "guest",
	}); err == nil {
		t.Fatalf("expected rejection of past scheduled_for")
	}
	if _, _, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		TicketID: other, ExitCode: "A", ScheduledFor: env.clock.Add(3 * time.Hour).Format(time.RFC3339), ActorID: "guest",
	}); err == nil {
		t.Fatalf("expected rejection of scheduled_for beyond max delay")
	}
}

func TestCreateRequestAutoExit(t *testing.T) {
	env := newTestEnv(t)
	// no history anywhere, so the lexicographically lowest exit id wins
	rq, _, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		TicketID: env.ticketID, Auto: true, ActorID: "guest",
	})
	if err != nil {
		t.Fatalf("auto create: %v", err)
	}
	if rq.ExitID == "" {
		t.Fatalf("auto selection picked no exit")
	}
}

func TestCreateRequestZoneDefaultExit(t *testing.T) {
	env := newTestEnv(t)
	zone, err := env.Engine.CreateZone(env.Ctx, env.venueID, "P1", "B")
	if err != nil {
		t.Fatalf("create zone: %v", err)
	}
	tk, err := env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{
		VenueID: env.venueID, ZoneID: zone.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	rq, _, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		TicketID: tk.ID, ActorID: "guest",
	})
	if err != nil {
		t.Fatalf("create request via zone default: %v", err)
	}
	if zone.DefaultExitID == nil || rq.ExitID != *zone.DefaultExitID {
		t.Fatalf("exit = %s, want zone default %v", rq.ExitID, zone.DefaultExitID)
	}
	if rq.ZoneID == nil || *rq.ZoneID != zone.ID {
		t.Fatalf("zone reference = %v, want %s", rq.ZoneID, zone.ID)
	}

	// naming the zone directly works for a zone-less ticket
	rq, _, err = env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		TicketID: env.ticketID, ZoneID: zone.ID, ActorID: "guest",
	})
	if err != nil {
		t.Fatalf("create request via explicit zone: %v", err)
	}
	if rq.ExitID != *zone.DefaultExitID {
		t.Fatalf("exit = %s, want zone default %s", rq.ExitID, *zone.DefaultExitID)
	}

	// with no exit, zone, or ticket zone there is nothing to resolve
	third := env.newTicket(t)
	if _, _, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		TicketID: third, ActorID: "guest",
	}); err == nil {
		t.Fatalf("expected rejection without exit or zone default")
	}
}

func TestCreateRequestIdempotentReplay(t *testing.T) {
	env := newTestEnv(t)
	first, idem, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		TicketID: env.ticketID, ExitCode: "A", IdempotencyKey: "key-1", ActorID: "guest",
	})
	if err != nil || idem {
		t.Fatalf("first create: idem=%v err=%v", idem, err)
	}
	replay, idem, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		TicketID: env.ticketID, ExitCode: "A", IdempotencyKey: "key-1", ActorID: "guest",
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !idem {
		t.Fatalf("replay not flagged idempotent")
	}
	if replay.ID != first.ID {
		t.Fatalf("replay returned different request: %s vs %s", replay.ID, first.ID)
	}
}

func TestCreateRequestActiveReplay(t *testing.T) {
	env := newTestEnv(t)
	first, _, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		TicketID: env.ticketID, ExitCode: "A", ActorID: "guest",
	})
	if err != nil {
		t.Fatal(err)
	}
	// asking again without a key hands the in-flight request back
	replay, idem, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		TicketID: env.ticketID, ExitCode: "B", ActorID: "guest",
	})
	if err != nil {
		t.Fatalf("keyless repeat: %v", err)
	}
	if !idem {
		t.Fatalf("keyless repeat not flagged idempotent")
	}
	if replay.ID != first.ID {
		t.Fatalf("repeat returned different request: %s vs %s", replay.ID, first.ID)
	}
	events, err := env.Engine.Ledger.History(env.Ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("repeat appended ledger entries: %d", len(events))
	}
}

func TestCreateRequestInactiveExit(t *testing.T) {
	env := newTestEnv(t)
	exits, err := env.Engine.Repo.ListExits(env.Ctx, env.venueID, false)
	if err != nil {
		t.Fatal(err)
	}
	var exitA domain.Exit
	for _, ex := range exits {
		if ex.Code == "A" {
			exitA = ex
		}
	}
	if err := env.Engine.Repo.SetExitActive(env.Ctx, exitA.ID, false); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		TicketID: env.ticketID, ExitCode: "A", ActorID: "guest",
	}); err == nil {
		t.Fatalf("expected rejection of inactive exit")
	}
}

func TestPromoteDueRequest(t *testing.T) {
	env := newTestEnv(t)
	rq, _, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		TicketID: env.ticketID, ExitCode: "A", DelayMinutes: 1, ActorID: "guest",
	})
	if err != nil {
		t.Fatal(err)
	}
	// not due yet
	promoted, err := env.Engine.Promote(env.Ctx, rq.ID)
	if err != nil || promoted {
		t.Fatalf("early promote: promoted=%v err=%v", promoted, err)
	}
	env.advance(61 * time.Second)
	promoted, err = env.Engine.Promote(env.Ctx, rq.ID)
	if err != nil || !promoted {
		t.Fatalf("due promote: promoted=%v err=%v", promoted, err)
	}
	got, err := env.Engine.Repo.GetRequest(env.Ctx, rq.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusRequested || got.RequestedAt == nil {
		t.Fatalf("after promote: %+v", got)
	}
	events, _ := env.Engine.Ledger.History(env.Ctx, rq.ID)
	last := events[len(events)-1]
	if last.ActorID != engine.ActorScheduler || last.Note != "Auto-triggered from schedule" {
		t.Fatalf("promotion ledger entry: %+v", last)
	}
	// a second promote is a no-op
	promoted, err = env.Engine.Promote(env.Ctx, rq.ID)
	if err != nil || promoted {
		t.Fatalf("repeat promote: promoted=%v err=%v", promoted, err)
	}
}

func TestRescheduleGuards(t *testing.T) {
	env := newTestEnv(t)
	rq, _, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		TicketID: env.ticketID, ExitCode: "A", DelayMinutes: 10, ActorID: "guest",
	})
	if err != nil {
		t.Fatal(err)
	}

	// first reschedule is fine
	if _, err := env.Engine.Reschedule(env.Ctx, rq.ID, 15, "guest"); err != nil {
		t.Fatalf("reschedule 1: %v", err)
	}
	// a second one inside the cooldown is throttled
	_, err = env.Engine.Reschedule(env.Ctx, rq.ID, 20, "guest")
	var cd engine.CooldownError
	if !errors.As(err, &cd) {
		t.Fatalf("expected CooldownError, got %v", err)
	}
	if cd.RetryAfterMS <= 0 {
		t.Fatalf("cooldown retry_after_ms = %d", cd.RetryAfterMS)
	}
	// after the cooldown two more succeed, filling the cap of three
	env.advance(11 * time.Second)
	if _, err := env.Engine.Reschedule(env.Ctx, rq.ID, 20, "guest"); err != nil {
		t.Fatalf("reschedule 2: %v", err)
	}
	env.advance(11 * time.Second)
	if _, err := env.Engine.Reschedule(env.Ctx, rq.ID, 25, "guest"); err != nil {
		t.Fatalf("reschedule 3: %v", err)
	}
	env.advance(11 * time.Second)
	_, err = env.Engine.Reschedule(env.Ctx, rq.ID, 30, "guest")
	var sc engine.StateConflictError
	if !errors.As(err, &sc) {
		t.Fatalf("expected cap StateConflictError, got %v", err)
	}
}

func TestRescheduleTooCloseToStart(t *testing.T) {
	env := newTestEnv(t)
	rq, _, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		TicketID: env.ticketID, ExitCode: "A", DelayMinutes: 1, ActorID: "guest",
	})
	if err != nil {
		t.Fatal(err)
	}
	env.advance(40 * time.Second) // 20s before the scheduled start
	_, err = env.Engine.Reschedule(env.Ctx, rq.ID, 10, "guest")
	var sc engine.StateConflictError
	if !errors.As(err, &sc) {
		t.Fatalf("expected lead-time StateConflictError, got %v", err)
	}
}

func TestRescheduleNonScheduled(t *testing.T) {
	env := newTestEnv(t)
	rq, _, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		TicketID: env.ticketID, ExitCode: "A", ActorID: "guest",
	})
	if err != nil {
		t.Fatal(err)
	}
	var sc engine.StateConflictError
	if _, err := env.Engine.Reschedule(env.Ctx, rq.ID, 10, "guest"); !errors.As(err, &sc) {
		t.Fatalf("expected StateConflictError for REQUESTED, got %v", err)
	}
}

func TestCancelGuards(t *testing.T) {
	env := newTestEnv(t)
	rq, _, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		TicketID: env.ticketID, ExitCode: "A", DelayMinutes: 1, ActorID: "guest",
	})
	if err != nil {
		t.Fatal(err)
	}
	env.advance(55 * time.Second) // 5s before start, inside the cancel window
	_, err = env.Engine.Cancel(env.Ctx, rq.ID, "guest")
	var sc engine.StateConflictError
	if !errors.As(err, &sc) {
		t.Fatalf("expected lead-time StateConflictError, got %v", err)
	}
}

func TestCancelScheduled(t *testing.T) {
	env := newTestEnv(t)
	rq, _, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		TicketID: env.ticketID, ExitCode: "A", DelayMinutes: 30, ActorID: "guest",
	})
	if err != nil {
		t.Fatal(err)
	}
	env.advance(11 * time.Second)
	got, err := env.Engine.Cancel(env.Ctx, rq.ID, "guest")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != domain.StatusCanceled {
		t.Fatalf("status = %s", got.Status)
	}
	// the ticket frees up for a new request
	if _, _, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		TicketID: env.ticketID, ExitCode: "B", ActorID: "guest",
	}); err != nil {
		t.Fatalf("create after cancel: %v", err)
	}
}

func TestCancelCooldown(t *testing.T) {
	env := newTestEnv(t)
	rq, _, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		TicketID: env.ticketID, ExitCode: "A", DelayMinutes: 30, ActorID: "guest",
	})
	if err != nil {
		t.Fatal(err)
	}
	env.advance(2 * time.Second)
	_, err = env.Engine.Cancel(env.Ctx, rq.ID, "guest")
	var cd engine.CooldownError
	if !errors.As(err, &cd) {
		t.Fatalf("expected CooldownError right after creation, got %v", err)
	}
	if cd.RetryAfterMS <= 0 {
		t.Fatalf("cooldown retry_after_ms = %d", cd.RetryAfterMS)
	}
	env.advance(9 * time.Second)
	got, err := env.Engine.Cancel(env.Ctx, rq.ID, "guest")
	if err != nil {
		t.Fatalf("cancel after cooldown: %v", err)
	}
	if got.Status != domain.StatusCanceled {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestCancelRequestedRejected(t *testing.T) {
	env := newTestEnv(t)
	rq, _, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		TicketID: env.ticketID, ExitCode: "A", ActorID: "guest",
	})
	if err != nil {
		t.Fatal(err)
	}
	env.advance(11 * time.Second)
	// once the car is being fetched the guest can no longer back out
	_, err = env.Engine.Cancel(env.Ctx, rq.ID, "guest")
	var te engine.InvalidTransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if te.From != domain.StatusRequested || te.To != domain.StatusCanceled {
		t.Fatalf("transition error = %+v", te)
	}
}

func TestCancelReadyRejected(t *testing.T) {
	env := newTestEnv(t)
	rq := fullRetrieval(t, env, domain.StatusReady)
	_, err := env.Engine.Cancel(env.Ctx, rq.ID, "guest")
	var te engine.InvalidTransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if te.From != domain.StatusReady || te.To != domain.StatusCanceled {
		t.Fatalf("transition error = %+v", te)
	}
}

// fullRetrieval drives a fresh request up to the given status.
func fullRetrieval(t *testing.T, env *testEnv, until string) domain.Request {
	t.Helper()
	rq, _, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		TicketID: env.ticketID, ExitCode: "A", ActorID: "guest",
	})
	if err != nil {
		t.Fatal(err)
	}
	if until == domain.StatusRequested {
		return rq
	}
	if rq, err = env.Engine.Assign(env.Ctx, rq.ID, "valet-7", "valet-7"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if until == domain.StatusAssigned {
		return rq
	}
	for _, status := range []string{domain.StatusRetrieving, domain.StatusReady, domain.StatusPickedUp} {
		if rq, err = env.Engine.Advance(env.Ctx, rq.ID, status, "valet-7"); err != nil {
			t.Fatalf("advance to %s: %v", status, err)
		}
		if status == until {
			return rq
		}
	}
	return rq
}

func TestAssignConflict(t *testing.T) {
	env := newTestEnv(t)
	rq := fullRetrieval(t, env, domain.StatusAssigned)

	// re-asserting the same assignee is a no-op
	again, err := env.Engine.Assign(env.Ctx, rq.ID, "valet-7", "valet-7")
	if err != nil {
		t.Fatalf("same-assignee re-assign: %v", err)
	}
	if again.AssignedTo == nil || *again.AssignedTo != "valet-7" {
		t.Fatalf("assignee = %v", again.AssignedTo)
	}
	// a different valet loses and learns who holds it
	_, err = env.Engine.Assign(env.Ctx, rq.ID, "valet-9", "valet-9")
	var ac engine.AssignConflictError
	if !errors.As(err, &ac) {
		t.Fatalf("expected AssignConflictError, got %v", err)
	}
	if ac.AssignedTo != "valet-7" {
		t.Fatalf("conflict names %s, want valet-7", ac.AssignedTo)
	}
}

func TestAdvanceSkipsAssignment(t *testing.T) {
	env := newTestEnv(t)
	rq := fullRetrieval(t, env, domain.StatusRequested)
	// a valet can start fetching without claiming the request first
	got, err := env.Engine.Advance(env.Ctx, rq.ID, domain.StatusRetrieving, "valet-7")
	if err != nil {
		t.Fatalf("advance REQUESTED to RETRIEVING: %v", err)
	}
	if got.Status != domain.StatusRetrieving {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestAdvanceValidatesTarget(t *testing.T) {
	env := newTestEnv(t)
	rq := fullRetrieval(t, env, domain.StatusRequested)
	if _, err := env.Engine.Advance(env.Ctx, rq.ID, domain.StatusClosed, "valet-7"); err == nil {
		t.Fatalf("expected rejection of direct CLOSED advance")
	}
	_, err := env.Engine.Advance(env.Ctx, rq.ID, domain.StatusReady, "valet-7")
	var te engine.InvalidTransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected InvalidTransitionError for REQUESTED->READY, got %v", err)
	}
}

func TestPickupCascadesToClosed(t *testing.T) {
	env := newTestEnv(t)
	rq := fullRetrieval(t, env, domain.StatusPickedUp)
	if rq.Status != domain.StatusClosed {
		t.Fatalf("status = %s, want CLOSED after pickup cascade", rq.Status)
	}
	if rq.ClosedAt == nil || rq.DeliveredBy == nil || *rq.DeliveredBy != "valet-7" {
		t.Fatalf("close stamps missing: %+v", rq)
	}
	events, err := env.Engine.Ledger.History(env.Ctx, rq.ID)
	if err != nil {
		t.Fatal(err)
	}
	n := len(events)
	if n < 2 {
		t.Fatalf("ledger too short: %d", n)
	}
	if events[n-2].ToStatus != domain.StatusPickedUp || events[n-1].ToStatus != domain.StatusClosed {
		t.Fatalf("cascade ledger tail: %s then %s", events[n-2].ToStatus, events[n-1].ToStatus)
	}
	if events[n-1].Note != "Auto-closed after pickup" {
		t.Fatalf("close note = %q", events[n-1].Note)
	}
	tk, err := env.Engine.Repo.GetTicket(env.Ctx, rq.TicketID)
	if err != nil {
		t.Fatal(err)
	}
	if tk.ClosedAt == nil {
		t.Fatalf("ticket closed_at not stamped")
	}
}

func TestTipOnlyOnClosed(t *testing.T) {
	env := newTestEnv(t)
	rq := fullRetrieval(t, env, domain.StatusReady)
	_, err := env.Engine.RecordTip(env.Ctx, rq.ID, 500, "")
	var sc engine.StateConflictError
	if !errors.As(err, &sc) {
		t.Fatalf("expected StateConflictError on READY tip, got %v", err)
	}
	rq, err = env.Engine.Advance(env.Ctx, rq.ID, domain.StatusPickedUp, "valet-7")
	if err != nil {
		t.Fatal(err)
	}
	tip, err := env.Engine.RecordTip(env.Ctx, rq.ID, 500, "")
	if err != nil {
		t.Fatalf("tip: %v", err)
	}
	if tip.Currency != "USD" || tip.AmountCents != 500 {
		t.Fatalf("tip = %+v", tip)
	}
}

func TestClaimTicketExpiry(t *testing.T) {
	env := newTestEnv(t)
	tk, err := env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{VenueID: env.venueID})
	if err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.ClaimTicket(env.Ctx, tk.ClaimCode)
	if err != nil || got.ID != tk.ID {
		t.Fatalf("claim: %v", err)
	}
	env.advance(7 * time.Hour)
	if _, err := env.Engine.ClaimTicket(env.Ctx, tk.ClaimCode); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expired claim: %v, want ErrNotFound", err)
	}
}

func TestOutboxRowPerTransition(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Subscribe(env.Ctx, env.ticketID, domain.ChannelStub, "app"); err != nil {
		t.Fatal(err)
	}
	rq := fullRetrieval(t, env, domain.StatusPickedUp)
	items, err := env.Engine.Repo.ListOutbox(env.Ctx, repo.OutboxFilters{RequestID: rq.ID})
	if err != nil {
		t.Fatal(err)
	}
	// create, READY, and the CLOSED cascade notify; ASSIGNED and
	// RETRIEVING stay quiet
	if len(items) != 3 {
		t.Fatalf("outbox rows = %d, want 3", len(items))
	}
	for _, it := range items {
		if it.State != domain.OutboxSent {
			t.Fatalf("row %d state = %s (stub delivery should succeed)", it.ID, it.State)
		}
	}
}
