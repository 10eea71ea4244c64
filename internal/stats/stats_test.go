package stats_test

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
	"curbkey/internal/stats"
)

type testEnv struct {
	Engine engine.Engine
	Svc    *stats.Service
	Cfg    *config.Config
	Ctx    context.Context
	clock  time.Time

	venueID string
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
		Cfg:   cfg,
		Ctx:   context.Background(),
		clock: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	notifySvc := notify.NewService(conn, cfg, notify.StubProvider{Log: zerolog.Nop()}, zerolog.Nop())
	notifySvc.Now = func() time.Time { return env.clock }
	eng := engine.New(conn, cfg, notifySvc)
	eng.Now = func() time.Time { return env.clock }
	env.Engine = eng
	env.Svc = stats.New(eng.Repo, cfg)
	env.Svc.Now = func() time.Time { return env.clock }

	v, err := eng.CreateVenue(env.Ctx, "venue-1", "Test Garage", "UTC")
	if err != nil {
		t.Fatalf("create venue: %v", err)
	}
	env.venueID = v.ID
	return env
}

func (env *testEnv) addExit(t *testing.T, code string) {
	t.Helper()
	if _, err := env.Engine.CreateExit(env.Ctx, env.venueID, code, "Exit "+code); err != nil {
		t.Fatalf("create exit %s: %v", code, err)
	}
}

// closedRetrieval records one finished retrieval at the exit whose
// request-to-ready time is exactly dur.
func (env *testEnv) closedRetrieval(t *testing.T, exitCode string, dur time.Duration) {
	t.Helper()
	tk, err := env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{VenueID: env.venueID})
	if err != nil {
		t.Fatal(err)
	}
	rq, _, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		TicketID: tk.ID, ExitCode: exitCode, ActorID: "guest",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Assign(env.Ctx, rq.ID, "valet-7", "valet-7"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Advance(env.Ctx, rq.ID, domain.StatusRetrieving, "valet-7"); err != nil {
		t.Fatal(err)
	}
	env.clock = env.clock.Add(dur)
	if _, err := env.Engine.Advance(env.Ctx, rq.ID, domain.StatusReady, "valet-7"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Advance(env.Ctx, rq.ID, domain.StatusPickedUp, "valet-7"); err != nil {
		t.Fatal(err)
	}
}

// queuedRetrieval leaves one in-flight request at the exit.
func (env *testEnv) queuedRetrieval(t *testing.T, exitCode string) {
	t.Helper()
	tk, err := env.Engine.CreateTicket(env.Ctx, engine.TicketCreateOptions{VenueID: env.venueID})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		TicketID: tk.ID, ExitCode: exitCode, ActorID: "guest",
	}); err != nil {
		t.Fatal(err)
	}
}

func statByCode(t *testing.T, ranked []domain.ExitStat, code string) domain.ExitStat {
	t.Helper()
	for _, st := range ranked {
		if st.Code == code {
			return st
		}
	}
	t.Fatalf("no stat for exit %s", code)
	return domain.ExitStat{}
}

func TestRecommendBalancesSpeedAndQueue(t *testing.T) {
	env := newTestEnv(t)
	env.addExit(t, "A")
	env.addExit(t, "B")

	env.closedRetrieval(t, "A", 300*time.Second)
	env.closedRetrieval(t, "B", 600*time.Second)
	env.queuedRetrieval(t, "A")
	env.queuedRetrieval(t, "A")

	ranked, err := env.Svc.Recommend(env.Ctx, env.venueID)
	if err != nil {
		t.Fatalf("recommend: %v", err)
	}
	a := statByCode(t, ranked, "A")
	b := statByCode(t, ranked, "B")
	if a.MeanReadySec != 300 || a.QueueLength != 2 || a.Score != 360 {
		t.Fatalf("exit A stat = %+v", a)
	}
	if b.MeanReadySec != 600 || b.QueueLength != 0 || b.Score != 600 {
		t.Fatalf("exit B stat = %+v", b)
	}
	if ranked[0].Code != "A" {
		t.Fatalf("winner = %s, want A", ranked[0].Code)
	}

	// a steep queue penalty flips the ranking toward the empty exit
	env.Cfg.Recommend.QueuePenaltySec = 200
	ranked, err = env.Svc.Recommend(env.Ctx, env.venueID)
	if err != nil {
		t.Fatal(err)
	}
	if ranked[0].Code != "B" {
		t.Fatalf("winner with penalty 200 = %s, want B", ranked[0].Code)
	}
}

func TestStatsDropOutlierSamples(t *testing.T) {
	env := newTestEnv(t)
	env.addExit(t, "A")
	env.closedRetrieval(t, "A", 300*time.Second)
	env.closedRetrieval(t, "A", 2000*time.Second) // past max_ready_seconds

	ranked, err := env.Svc.Recommend(env.Ctx, env.venueID)
	if err != nil {
		t.Fatal(err)
	}
	a := statByCode(t, ranked, "A")
	if a.SampleCount != 1 || a.MeanReadySec != 300 {
		t.Fatalf("stat with outlier = %+v", a)
	}
}

func TestStatsIgnoreSamplesOutsideWindow(t *testing.T) {
	env := newTestEnv(t)
	env.addExit(t, "A")
	env.closedRetrieval(t, "A", 300*time.Second)
	env.clock = env.clock.Add(25 * time.Hour)

	ranked, err := env.Svc.Recommend(env.Ctx, env.venueID)
	if err != nil {
		t.Fatal(err)
	}
	a := statByCode(t, ranked, "A")
	if a.SampleCount != 0 || a.MeanReadySec != 0 {
		t.Fatalf("stale sample counted: %+v", a)
	}
}

func TestFreshExitScoresZero(t *testing.T) {
	env := newTestEnv(t)
	env.addExit(t, "A")
	env.addExit(t, "B")
	env.closedRetrieval(t, "A", 120*time.Second)

	ranked, err := env.Svc.Recommend(env.Ctx, env.venueID)
	if err != nil {
		t.Fatal(err)
	}
	// B has never served anyone and wins on its zero mean
	if ranked[0].Code != "B" || ranked[0].Score != 0 {
		t.Fatalf("ranked[0] = %+v", ranked[0])
	}
}

func TestRecommendDeterministicOnTies(t *testing.T) {
	env := newTestEnv(t)
	env.addExit(t, "A")
	env.addExit(t, "B")
	env.addExit(t, "C")

	ranked, err := env.Svc.Recommend(env.Ctx, env.venueID)
	if err != nil {
		t.Fatal(err)
	}
	if len(ranked) != 3 {
		t.Fatalf("ranked %d exits", len(ranked))
	}
	for i := 1; i < len(ranked); i++ {
		if ranked[i-1].ExitID > ranked[i].ExitID {
			t.Fatalf("tied exits not ordered by id: %s before %s", ranked[i-1].ExitID, ranked[i].ExitID)
		}
	}
	again, err := env.Svc.Recommend(env.Ctx, env.venueID)
	if err != nil {
		t.Fatal(err)
	}
	for i := range ranked {
		if ranked[i].ExitID != again[i].ExitID {
			t.Fatalf("ranking not stable at %d", i)
		}
	}
}
