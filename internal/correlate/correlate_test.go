package correlate_test

import (
	"context"
	"testing"
	"time"

	"propline/internal/config"
	"propline/internal/correlate"
	"propline/internal/db"
	"propline/internal/domain"
	"propline/internal/engine"
	"propline/internal/migrate"
	"propline/internal/tracker"
	"propline/internal/transport"
)

type testEnv struct {
	Engine  engine.Engine
	Tracker tracker.Tracker
	Index   correlate.Index
	Sent    *transport.Recorder
	Ctx     context.Context
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
	now := func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	eng := engine.New(conn, cfg, sent)
	eng.Now = now
	trk := tracker.New(conn, cfg, sent)
	trk.Now = now
	idx := correlate.New(eng, trk)
	idx.Now = now

	if _, err := eng.CreateProject(ctx, engine.ProjectCreateOptions{
		ID:            "proj-1",
		ClientName:    "Acme Corp",
		SalesRepEmail: "rep@company.com",
		ActorID:       "tester",
	}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return testEnv{Engine: eng, Tracker: trk, Index: idx, Sent: sent, Ctx: ctx}
}

func TestIngestRoutesContinuationReply(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.AdvanceStage(env.Ctx, "proj-1", domain.StageIntake, domain.StageBrief, "tester"); err != nil {
		t.Fatal(err)
	}
	cont, err := env.Engine.Suspend(env.Ctx, engine.SuspendOptions{
		ProjectID: "proj-1",
		Stage:     domain.StageBrief,
		Awaiting:  "brief_approval",
		ResumeTo:  domain.StageBriefDone,
		Recipient: "rep@company.com",
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := env.Index.Ingest(env.Ctx, correlate.Inbound{
		ExternalID: "msg-1",
		ThreadRef:  cont.CorrelationKey,
		Sender:     "rep@company.com",
		Body:       "approved",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Kind != correlate.KindContinuation || res.ContinuationID != cont.ID {
		t.Fatalf("resolution = %+v", res)
	}
	p, err := env.Engine.Repo.GetProject(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Stage != domain.StageBriefDone {
		t.Fatalf("stage = %s, want brief_done after resume", p.Stage)
	}
}

func TestIngestDuplicateExternalID(t *testing.T) {
	env := newTestEnv(t)
	pid := "proj-1"
	first := correlate.Inbound{ExternalID: "msg-1", ProjectID: pid, Sender: "someone@acme.com", Body: "hi"}
	if _, err := env.Index.Ingest(env.Ctx, first); err != nil {
		t.Fatal(err)
	}
	res, err := env.Index.Ingest(env.Ctx, first)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != correlate.KindDuplicate {
		t.Fatalf("kind = %s, want duplicate", res.Kind)
	}
	if res.ProjectID != pid {
		t.Fatalf("duplicate should report prior routing, got %+v", res)
	}
}

func TestIngestRoutesValidationResponse(t *testing.T) {
	env := newTestEnv(t)
	v, err := env.Tracker.Request(env.Ctx, tracker.RequestOptions{
		ProjectID:  "proj-1",
		ResourceID: "alice@company.com",
		Question:   "available?",
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := env.Index.Ingest(env.Ctx, correlate.Inbound{
		ExternalID: "msg-2",
		ThreadRef:  v.CorrelationKey,
		Sender:     "alice@company.com",
		Body:       "yes, available",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != correlate.KindValidation || res.ValidationID != v.ID {
		t.Fatalf("resolution = %+v", res)
	}
	got, err := env.Tracker.Repo.GetValidation(env.Ctx, v.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ValidationResponded {
		t.Fatalf("status = %s, want responded", got.Status)
	}
	if got.ResponseText == nil || *got.ResponseText != "yes, available" {
		t.Fatalf("response text = %v", got.ResponseText)
	}
}

func TestIngestConsumedContinuationIsUnclassified(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.AdvanceStage(env.Ctx, "proj-1", domain.StageIntake, domain.StageBrief, "tester"); err != nil {
		t.Fatal(err)
	}
	cont, err := env.Engine.Suspend(env.Ctx, engine.SuspendOptions{
		ProjectID: "proj-1",
		Stage:     domain.StageBrief,
		Awaiting:  "brief_approval",
		ResumeTo:  domain.StageBriefDone,
		Recipient: "rep@company.com",
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Index.Ingest(env.Ctx, correlate.Inbound{
		ExternalID: "msg-1", ThreadRef: cont.CorrelationKey, Sender: "rep@company.com", Body: "ok",
	}); err != nil {
		t.Fatal(err)
	}
	res, err := env.Index.Ingest(env.Ctx, correlate.Inbound{
		ExternalID: "msg-2", ThreadRef: cont.CorrelationKey, Sender: "rep@company.com", Body: "ok again",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != correlate.KindUnclassified {
		t.Fatalf("second reply on consumed thread = %+v", res)
	}
}

func TestIngestReplyAfterStageMovedOn(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.AdvanceStage(env.Ctx, "proj-1", domain.StageIntake, domain.StageBrief, "tester"); err != nil {
		t.Fatal(err)
	}
	cont, err := env.Engine.Suspend(env.Ctx, engine.SuspendOptions{
		ProjectID: "proj-1",
		Stage:     domain.StageBrief,
		Awaiting:  "clarification",
		Recipient: "client@acme.com",
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	// The operator advances without waiting for the clarification.
	if _, err := env.Engine.AdvanceStage(env.Ctx, "proj-1", domain.StageBrief, domain.StageBriefDone, "tester"); err != nil {
		t.Fatal(err)
	}

	res, err := env.Index.Ingest(env.Ctx, correlate.Inbound{
		ExternalID: "msg-late", ThreadRef: cont.CorrelationKey, Sender: "client@acme.com", Body: "here it is",
	})
	if err != nil {
		t.Fatalf("ingest after advance: %v", err)
	}
	if res.Kind != correlate.KindUnclassified {
		t.Fatalf("late reply = %+v, want unclassified", res)
	}
	p, err := env.Engine.Repo.GetProject(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Stage != domain.StageBriefDone {
		t.Fatalf("stage = %s, late reply must not move the project", p.Stage)
	}
	// Nothing jams the retry path: the message settles as unclassified on
	// every pass instead of erroring out of the sweep.
	results, err := env.Index.Reprocess(env.Ctx)
	if err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if len(results) != 1 || results[0].Kind != correlate.KindUnclassified {
		t.Fatalf("reprocess = %+v, want unclassified", results)
	}
}

func TestIngestProjectHintAttaches(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Index.Ingest(env.Ctx, correlate.Inbound{
		ExternalID: "msg-3",
		Sender:     "someone@acme.com",
		Subject:    "fwd: budget numbers",
		Body:       "see attached",
		ProjectID:  "proj-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != correlate.KindProject || res.ProjectID != "proj-1" {
		t.Fatalf("resolution = %+v", res)
	}
	m, err := env.Index.Repo.GetMessage(env.Ctx, "msg-3")
	if err != nil {
		t.Fatal(err)
	}
	if !m.Processed || m.ProjectID == nil || *m.ProjectID != "proj-1" {
		t.Fatalf("message = %+v, want processed and attached", m)
	}
}

func TestIngestUnknownIsUnclassified(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Index.Ingest(env.Ctx, correlate.Inbound{
		ExternalID: "msg-4",
		Sender:     "stranger@example.com",
		Body:       "who is this",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != correlate.KindUnclassified {
		t.Fatalf("kind = %s, want unclassified", res.Kind)
	}
	pending, err := env.Index.Repo.ListUnclassified(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ExternalID != "msg-4" {
		t.Fatalf("unclassified queue = %+v", pending)
	}
}

func TestReprocessRoutesAfterTheFact(t *testing.T) {
	env := newTestEnv(t)
	// A message that matched nothing stays in the review queue.
	if _, err := env.Index.Ingest(env.Ctx, correlate.Inbound{
		ExternalID: "msg-5",
		Sender:     "alice@company.com",
		Body:       "yes",
	}); err != nil {
		t.Fatal(err)
	}
	results, err := env.Index.Reprocess(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Kind != correlate.KindUnclassified {
		t.Fatalf("reprocess without new evidence = %+v", results)
	}
}
