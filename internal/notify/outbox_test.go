package notify_test

import (
	"context"
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
	Svc    *notify.Service
	Ctx    context.Context
	clock  time.Time

	ticketID string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
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
	env.Svc = notify.NewService(conn, cfg, notify.StubProvider{Log: zerolog.Nop()}, zerolog.Nop())
	env.Svc.Now = func() time.Time { return env.clock }
	eng := engine.New(conn, cfg, env.Svc)
	eng.Now = func() time.Time { return env.clock }
	env.Engine = eng

	v, err := eng.CreateVenue(env.Ctx, "venue-1", "Test Garage", "UTC")
	if err != nil {
		t.Fatalf("create venue: %v", err)
	}
	if _, err := eng.CreateExit(env.Ctx, v.ID, "A", "Exit A"); err != nil {
		t.Fatalf("create exit: %v", err)
	}
	tk, err := eng.CreateTicket(env.Ctx, engine.TicketCreateOptions{VenueID: v.ID})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	env.ticketID = tk.ID
	return env
}

func (env *testEnv) request(t *testing.T) domain.Request {
	t.Helper()
	rq, _, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		TicketID: env.ticketID, ExitCode: "A", ActorID: "guest",
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	return rq
}

func (env *testEnv) subscribeStub(t *testing.T) domain.Subscription {
	t.Helper()
	s, err := env.Engine.Subscribe(env.Ctx, env.ticketID, domain.ChannelStub, "app")
	if err != nil {
		t.Fatalf("subscribe stub: %v", err)
	}
	return s
}

func (env *testEnv) outbox(t *testing.T, requestID string) []domain.OutboxItem {
	t.Helper()
	items, err := env.Svc.Repo.ListOutbox(env.Ctx, repo.OutboxFilters{RequestID: requestID})
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	return items
}

func TestNoSubscriptionsQueuesNothing(t *testing.T) {
	env := newTestEnv(t)
	rq := env.request(t)
	if items := env.outbox(t, rq.ID); len(items) != 0 {
		t.Fatalf("rows = %d, want none without subscriptions", len(items))
	}
}

func TestStubSubscriptionDeliversOnCommit(t *testing.T) {
	env := newTestEnv(t)
	env.subscribeStub(t)
	rq := env.request(t)
	items := env.outbox(t, rq.ID)
	if len(items) != 1 {
		t.Fatalf("rows = %d, want 1", len(items))
	}
	it := items[0]
	if it.Channel != domain.ChannelStub || it.Target != "app" {
		t.Fatalf("row = %s/%s", it.Channel, it.Target)
	}
	if it.Body != "CurbKey: Request received. We'll notify you when your car is ready." {
		t.Fatalf("body = %q", it.Body)
	}
	if it.State != domain.OutboxSent || it.DeliveredAt == nil {
		t.Fatalf("stub row not delivered after commit: %+v", it)
	}
	if it.TicketID != env.ticketID {
		t.Fatalf("ticket_id = %s, want %s", it.TicketID, env.ticketID)
	}
	if it.EventID == nil {
		t.Fatal("row not linked to a status event")
	}
	if it.ProviderRef == nil || *it.ProviderRef == "" {
		t.Fatalf("provider ref missing: %+v", it)
	}
}

func TestMutedSubscriptionSkipped(t *testing.T) {
	env := newTestEnv(t)
	s := env.subscribeStub(t)
	if _, err := env.Engine.Subscribe(env.Ctx, env.ticketID, domain.ChannelEmail, "guest@example.com"); err != nil {
		t.Fatalf("subscribe email: %v", err)
	}
	if err := env.Engine.Unsubscribe(env.Ctx, env.ticketID, s.ID); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	rq := env.request(t)
	items := env.outbox(t, rq.ID)
	if len(items) != 1 {
		t.Fatalf("rows = %d, want only the email row", len(items))
	}
	if items[0].Channel != domain.ChannelEmail {
		t.Fatalf("muted channel still fanned out: %s", items[0].Channel)
	}
}

func TestResubscribeReactivates(t *testing.T) {
	env := newTestEnv(t)
	s := env.subscribeStub(t)
	if err := env.Engine.Unsubscribe(env.Ctx, env.ticketID, s.ID); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	again, err := env.Engine.Subscribe(env.Ctx, env.ticketID, domain.ChannelStub, "app")
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	if again.ID != s.ID {
		t.Fatalf("resubscribe minted a new row: %s vs %s", again.ID, s.ID)
	}
	if !again.IsActive {
		t.Fatalf("resubscribe left the row muted")
	}
	rq := env.request(t)
	if items := env.outbox(t, rq.ID); len(items) != 1 {
		t.Fatalf("rows = %d after reactivation, want 1", len(items))
	}
}

func TestFanOutToSubscriptions(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Subscribe(env.Ctx, env.ticketID, domain.ChannelStub, "app"); err != nil {
		t.Fatalf("subscribe stub: %v", err)
	}
	if _, err := env.Engine.Subscribe(env.Ctx, env.ticketID, domain.ChannelEmail, "guest@example.com"); err != nil {
		t.Fatalf("subscribe email: %v", err)
	}
	rq := env.request(t)
	items := env.outbox(t, rq.ID)
	if len(items) != 2 {
		t.Fatalf("rows = %d, want 2", len(items))
	}
	byChannel := map[string]domain.OutboxItem{}
	for _, it := range items {
		byChannel[it.Channel] = it
	}
	// the stub channel delivers right away, email has no gateway
	if got := byChannel[domain.ChannelStub]; got.State != domain.OutboxSent {
		t.Fatalf("stub row state = %s", got.State)
	}
	email := byChannel[domain.ChannelEmail]
	if email.State != domain.OutboxFailed || email.RetryCount != 0 || email.LastError == nil {
		t.Fatalf("email row = %+v", email)
	}
}

func TestDrainDeliversPending(t *testing.T) {
	env := newTestEnv(t)
	env.subscribeStub(t)
	rq := env.request(t)

	// reset the already-sent row so the drain has work to do
	if _, err := env.Svc.DB.Exec(
		`UPDATE notification_outbox SET state='PENDING', delivered_at=NULL, claimed_at=NULL WHERE request_id=?`, rq.ID); err != nil {
		t.Fatal(err)
	}
	sent, failed, err := env.Svc.Drain(env.Ctx, "", 0)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if sent != 1 || failed != 0 {
		t.Fatalf("drain sent=%d failed=%d", sent, failed)
	}
	// empty follow-up pass
	sent, failed, err = env.Svc.Drain(env.Ctx, "", 0)
	if err != nil || sent != 0 || failed != 0 {
		t.Fatalf("repeat drain sent=%d failed=%d err=%v", sent, failed, err)
	}
}

func TestDrainFailedState(t *testing.T) {
	env := newTestEnv(t)
	env.subscribeStub(t)
	rq := env.request(t)

	// park the delivered row in FAILED as if an operator wants it resent
	if _, err := env.Svc.DB.Exec(
		`UPDATE notification_outbox SET state='FAILED', delivered_at=NULL, claimed_at=NULL, last_error='gateway timeout' WHERE request_id=?`, rq.ID); err != nil {
		t.Fatal(err)
	}
	// a default drain only touches PENDING rows
	sent, failed, err := env.Svc.Drain(env.Ctx, "", 0)
	if err != nil || sent != 0 || failed != 0 {
		t.Fatalf("pending drain sent=%d failed=%d err=%v", sent, failed, err)
	}
	sent, failed, err = env.Svc.Drain(env.Ctx, domain.OutboxFailed, 0)
	if err != nil {
		t.Fatalf("drain failed state: %v", err)
	}
	if sent != 1 || failed != 0 {
		t.Fatalf("failed drain sent=%d failed=%d", sent, failed)
	}
	items := env.outbox(t, rq.ID)
	if items[0].State != domain.OutboxSent {
		t.Fatalf("state after drain = %s", items[0].State)
	}

	if _, _, err := env.Svc.Drain(env.Ctx, "SENT", 0); err == nil {
		t.Fatal("drain accepted SENT state")
	}
}

func TestRetryFlipsFailedBackToPending(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Subscribe(env.Ctx, env.ticketID, domain.ChannelEmail, "guest@example.com"); err != nil {
		t.Fatal(err)
	}
	rq := env.request(t)
	items := env.outbox(t, rq.ID)
	if len(items) != 1 || items[0].State != domain.OutboxFailed {
		t.Fatalf("setup rows: %+v", items)
	}
	if items[0].RetryCount != 0 || items[0].LastError == nil {
		t.Fatalf("failed row before retry: %+v", items[0])
	}

	// too fresh to retry
	n, err := env.Svc.Retry(env.Ctx, 0, 0)
	if err != nil || n != 0 {
		t.Fatalf("early retry: n=%d err=%v", n, err)
	}
	env.clock = env.clock.Add(31 * time.Second)
	n, err = env.Svc.Retry(env.Ctx, 0, 0)
	if err != nil || n != 1 {
		t.Fatalf("retry: n=%d err=%v", n, err)
	}
	items = env.outbox(t, rq.ID)
	if items[0].State != domain.OutboxPending {
		t.Fatalf("state after retry = %s", items[0].State)
	}
	if items[0].RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", items[0].RetryCount)
	}
	if items[0].LastError != nil {
		t.Fatalf("last_error kept across retry: %q", *items[0].LastError)
	}
}

func TestRetryLeavesDeadLetters(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Subscribe(env.Ctx, env.ticketID, domain.ChannelEmail, "guest@example.com"); err != nil {
		t.Fatal(err)
	}
	rq := env.request(t)
	if _, err := env.Svc.DB.Exec(
		`UPDATE notification_outbox SET retry_count=5 WHERE request_id=?`, rq.ID); err != nil {
		t.Fatal(err)
	}
	env.clock = env.clock.Add(time.Minute)
	n, err := env.Svc.Retry(env.Ctx, 0, 0)
	if err != nil || n != 0 {
		t.Fatalf("dead letter retried: n=%d err=%v", n, err)
	}
	items := env.outbox(t, rq.ID)
	if items[0].State != domain.OutboxFailed {
		t.Fatalf("dead letter state = %s", items[0].State)
	}
}

func TestDeliverByIDSkipsHandledRows(t *testing.T) {
	env := newTestEnv(t)
	env.subscribeStub(t)
	rq := env.request(t)
	items := env.outbox(t, rq.ID)
	it := items[0]
	if it.State != domain.OutboxSent {
		t.Fatalf("setup state = %s", it.State)
	}
	delivered := *it.DeliveredAt
	env.clock = env.clock.Add(time.Minute)
	if err := env.Svc.DeliverByID(env.Ctx, it.ID); err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	items = env.outbox(t, rq.ID)
	if items[0].DeliveredAt == nil || *items[0].DeliveredAt != delivered {
		t.Fatalf("sent row was redelivered: %+v", items[0])
	}
}
