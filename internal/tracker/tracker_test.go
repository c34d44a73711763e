package tracker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"propline/internal/config"
	"propline/internal/db"
	"propline/internal/domain"
	"propline/internal/engine"
	"propline/internal/migrate"
	"propline/internal/tracker"
	"propline/internal/transport"
)

type testEnv struct {
	Tracker tracker.Tracker
	Engine  engine.Engine
	Sent    *transport.Recorder
	Ctx     context.Context
	Clock   *time.Time
}

func newTestEnv(t *testing.T) testEnv {
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
	cfg := config.Default("proj-1")
	sent := &transport.Recorder{}
	clock := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	ctx := context.Background()

	eng := engine.New(conn, cfg, sent)
	eng.Now = func() time.Time { return clock }
	if _, err := eng.CreateProject(ctx, engine.ProjectCreateOptions{
		ID:            "proj-1",
		ClientName:    "Acme Corp",
		SalesRepEmail: "rep@company.com",
		ActorID:       "tester",
	}); err != nil {
		t.Fatalf("create project: %v", err)
	}

	trk := tracker.New(conn, cfg, sent)
	trk.Now = func() time.Time { return clock }
	return testEnv{Tracker: trk, Engine: eng, Sent: sent, Ctx: ctx, Clock: &clock}
}

func request(t *testing.T, env testEnv, resource string, critical bool) domain.ValidationRequest {
	t.Helper()
	v, err := env.Tracker.Request(env.Ctx, tracker.RequestOptions{
		ProjectID:  "proj-1",
		ResourceID: resource,
		Question:   "available for April?",
		Critical:   critical,
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("request %s: %v", resource, err)
	}
	return v
}

func TestRequestIsPendingWithFixedTimeout(t *testing.T) {
	env := newTestEnv(t)
	v := request(t, env, "alice@company.com", false)
	if v.Status != domain.ValidationPending {
		t.Fatalf("status = %s, want pending", v.Status)
	}
	wantTimeout := env.Clock.Add(env.Tracker.Config.ValidationTimeout()).Format(time.RFC3339)
	if v.TimeoutAt != wantTimeout {
		t.Fatalf("timeout_at = %s, want %s", v.TimeoutAt, wantTimeout)
	}
	out, ok := env.Sent.Last()
	if !ok || out.Recipient != "alice@company.com" || out.CorrelationKey != v.CorrelationKey {
		t.Fatalf("outbound = %+v", out)
	}
}

func TestStatusBoundedWait(t *testing.T) {
	env := newTestEnv(t)
	a := request(t, env, "alice@company.com", false)
	b := request(t, env, "bob@company.com", false)
	request(t, env, "carol@company.com", false)

	if _, err := env.Tracker.RecordResponse(env.Ctx, a.ID, "yes", "alice@company.com"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Tracker.RecordResponse(env.Ctx, b.ID, "yes", "bob@company.com"); err != nil {
		t.Fatal(err)
	}

	agg, err := env.Tracker.Status(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if agg.AllResolved || agg.Proceed {
		t.Fatalf("batch should still block: %+v", agg)
	}

	// One non-critical straggler stops blocking once the window elapses.
	*env.Clock = env.Clock.Add(env.Tracker.Config.ProceedWindow() + time.Hour)
	agg, err = env.Tracker.Status(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if !agg.Proceed {
		t.Fatalf("window elapsed, want proceed: %+v", agg)
	}
	if len(agg.Assumed) != 1 || agg.Assumed[0] != "carol@company.com" {
		t.Fatalf("assumed = %v, want carol only", agg.Assumed)
	}
}

func TestStatusCriticalPendingBlocks(t *testing.T) {
	env := newTestEnv(t)
	request(t, env, "legal@company.com", true)
	*env.Clock = env.Clock.Add(env.Tracker.Config.ProceedWindow() + time.Hour)

	agg, err := env.Tracker.Status(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if agg.Proceed {
		t.Fatalf("pending critical must block past the window: %+v", agg)
	}
	if _, err := env.Tracker.ProceedWithAssumptions(env.Ctx, "proj-1", "tester"); !errors.Is(err, tracker.ErrNotReady) {
		t.Fatalf("err = %v, want not ready", err)
	}

	// Once the critical request times out it no longer blocks.
	*env.Clock = env.Clock.Add(env.Tracker.Config.ValidationTimeout())
	if _, err := env.Tracker.SweepTimeouts(env.Ctx, "sweeper"); err != nil {
		t.Fatal(err)
	}
	agg, err = env.Tracker.Status(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if !agg.Proceed {
		t.Fatalf("timed-out critical should unblock: %+v", agg)
	}
}

func TestStatusEmptyBatchProceeds(t *testing.T) {
	env := newTestEnv(t)
	agg, err := env.Tracker.Status(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if !agg.Proceed || !agg.AllResolved {
		t.Fatalf("empty batch = %+v, want proceed", agg)
	}
}

func TestProceedWithAssumptionsRecordsStageData(t *testing.T) {
	env := newTestEnv(t)
	a := request(t, env, "alice@company.com", false)
	request(t, env, "bob@company.com", false)
	if _, err := env.Tracker.RecordResponse(env.Ctx, a.ID, "yes", "alice@company.com"); err != nil {
		t.Fatal(err)
	}
	*env.Clock = env.Clock.Add(env.Tracker.Config.ProceedWindow() + time.Hour)

	agg, err := env.Tracker.ProceedWithAssumptions(env.Ctx, "proj-1", "tester")
	if err != nil {
		t.Fatalf("proceed: %v", err)
	}
	if len(agg.Assumed) != 1 || agg.Assumed[0] != "bob@company.com" {
		t.Fatalf("assumed = %v", agg.Assumed)
	}
	p, err := env.Tracker.Repo.GetProject(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	assumed, ok := p.StageData["assumed_validations"].([]any)
	if !ok || len(assumed) != 1 || assumed[0] != "bob@company.com" {
		t.Fatalf("stage data assumed_validations = %v", p.StageData["assumed_validations"])
	}
}

func TestStatusTimedOutStaysAssumed(t *testing.T) {
	env := newTestEnv(t)
	a := request(t, env, "alice@company.com", false)
	b := request(t, env, "bob@company.com", false)
	request(t, env, "carol@company.com", false)
	if _, err := env.Tracker.RecordResponse(env.Ctx, a.ID, "yes", "alice@company.com"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Tracker.RecordResponse(env.Ctx, b.ID, "yes", "bob@company.com"); err != nil {
		t.Fatal(err)
	}
	*env.Clock = env.Clock.Add(env.Tracker.Config.ValidationTimeout() + time.Minute)
	if _, err := env.Tracker.SweepTimeouts(env.Ctx, "sweeper"); err != nil {
		t.Fatal(err)
	}

	agg, err := env.Tracker.Status(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if agg.AllResolved {
		t.Fatalf("a timed-out request was never answered: %+v", agg)
	}
	if !agg.Proceed {
		t.Fatalf("nothing pending, want proceed: %+v", agg)
	}
	if len(agg.Assumed) != 1 || agg.Assumed[0] != "carol@company.com" {
		t.Fatalf("assumed = %v, want carol only", agg.Assumed)
	}

	// Proceeding keeps the record of what was never confirmed.
	if _, err := env.Tracker.ProceedWithAssumptions(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatal(err)
	}
	p, err := env.Tracker.Repo.GetProject(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	assumed, ok := p.StageData["assumed_validations"].([]any)
	if !ok || len(assumed) != 1 || assumed[0] != "carol@company.com" {
		t.Fatalf("stage data assumed_validations = %v", p.StageData["assumed_validations"])
	}
}

func TestRequestRejectsClosedProject(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CancelProject(env.Ctx, "proj-1", "client went silent", "tester"); err != nil {
		t.Fatal(err)
	}
	sentBefore := len(env.Sent.Sent)
	_, err := env.Tracker.Request(env.Ctx, tracker.RequestOptions{
		ProjectID:  "proj-1",
		ResourceID: "alice@company.com",
		Question:   "available for April?",
		ActorID:    "tester",
	})
	if !errors.Is(err, engine.ErrProjectClosed) {
		t.Fatalf("err = %v, want project closed", err)
	}
	if len(env.Sent.Sent) != sentBefore {
		t.Fatal("request against closed project still sent an ask")
	}
}

func TestSweepTimeoutsIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	v := request(t, env, "alice@company.com", false)
	*env.Clock = env.Clock.Add(env.Tracker.Config.ValidationTimeout() + time.Minute)

	timedOut, err := env.Tracker.SweepTimeouts(env.Ctx, "sweeper")
	if err != nil {
		t.Fatal(err)
	}
	if len(timedOut) != 1 || timedOut[0].ID != v.ID {
		t.Fatalf("timed out = %+v", timedOut)
	}
	again, err := env.Tracker.SweepTimeouts(env.Ctx, "sweeper")
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Fatalf("second sweep flipped %d requests, want 0", len(again))
	}
	n, err := env.Tracker.Repo.CountAuditByAction(env.Ctx, "validation.timed_out", v.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("timeout audit entries = %d, want 1", n)
	}
}

func TestLateResponseKeepsStatus(t *testing.T) {
	env := newTestEnv(t)
	v := request(t, env, "alice@company.com", false)
	*env.Clock = env.Clock.Add(env.Tracker.Config.ValidationTimeout() + time.Minute)
	if _, err := env.Tracker.SweepTimeouts(env.Ctx, "sweeper"); err != nil {
		t.Fatal(err)
	}

	got, err := env.Tracker.RecordResponse(env.Ctx, v.ID, "sorry, yes", "alice@company.com")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ValidationTimedOut {
		t.Fatalf("status = %s, late reply must not reopen", got.Status)
	}
	if got.ResponseText == nil || *got.ResponseText != "sorry, yes" {
		t.Fatalf("response text = %v, want recorded", got.ResponseText)
	}
	n, err := env.Tracker.Repo.CountAuditByAction(env.Ctx, "validation.late_response", v.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("late response audit entries = %d, want 1", n)
	}
}
