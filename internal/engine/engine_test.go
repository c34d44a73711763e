package engine_test

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
	"propline/internal/transport"
)

type testEnv struct {
	Engine engine.Engine
	Sent   *transport.Recorder
	Ctx    context.Context
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
	eng := engine.New(conn, cfg, sent)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.CreateProject(ctx, engine.ProjectCreateOptions{
		ID:            "proj-1",
		ClientName:    "Acme Corp",
		SalesRepEmail: "rep@company.com",
		RFPContent:    "build a thing",
		ActorID:       "tester",
	}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return testEnv{Engine: eng, Sent: sent, Ctx: ctx}
}

func TestCreateProjectStartsAtIntake(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.Repo.GetProject(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if p.Stage != domain.StageIntake {
		t.Fatalf("stage = %s, want intake", p.Stage)
	}
	if p.Participants[domain.RoleSalesRep] != "rep@company.com" {
		t.Fatalf("sales rep = %q", p.Participants[domain.RoleSalesRep])
	}
	if p.StageData["rfp_content"] != "build a thing" {
		t.Fatalf("rfp content missing from stage data: %v", p.StageData)
	}
}

func TestAdvanceStageHappyPath(t *testing.T) {
	env := newTestEnv(t)
	steps := [][2]string{
		{domain.StageIntake, domain.StageBrief},
		{domain.StageBrief, domain.StageBriefDone},
		{domain.StageBriefDone, domain.StageProposal},
		{domain.StageProposal, domain.StageProposalDone},
		{domain.StageProposalDone, domain.StageDrafting},
		{domain.StageDrafting, domain.StageSubmitted},
		{domain.StageSubmitted, domain.StageWon},
	}
	for _, step := range steps {
		p, err := env.Engine.AdvanceStage(env.Ctx, "proj-1", step[0], step[1], "tester")
		if err != nil {
			t.Fatalf("advance %s -> %s: %v", step[0], step[1], err)
		}
		if p.Stage != step[1] {
			t.Fatalf("stage = %s, want %s", p.Stage, step[1])
		}
	}
}

func TestAdvanceStageStaleGuard(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.AdvanceStage(env.Ctx, "proj-1", domain.StageIntake, domain.StageBrief, "tester"); err != nil {
		t.Fatalf("first advance: %v", err)
	}
	// A second actor still holding the intake view loses the race.
	_, err := env.Engine.AdvanceStage(env.Ctx, "proj-1", domain.StageIntake, domain.StageBrief, "other")
	if !errors.Is(err, engine.ErrStaleTransition) {
		t.Fatalf("err = %v, want stale transition", err)
	}
	var ste *engine.StaleTransitionError
	if !errors.As(err, &ste) {
		t.Fatalf("err = %T, want StaleTransitionError", err)
	}
	if ste.Expected != domain.StageIntake || ste.Actual != domain.StageBrief {
		t.Fatalf("stale detail = %+v", ste)
	}
	p, err := env.Engine.Repo.GetProject(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Stage != domain.StageBrief {
		t.Fatalf("stage = %s after lost race, want brief", p.Stage)
	}
}

func TestAdvanceStageRejectsSkips(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.AdvanceStage(env.Ctx, "proj-1", domain.StageIntake, domain.StageDrafting, "tester")
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("err = %v, want invalid transition", err)
	}
}

func TestSuspendResumeAdvances(t *testing.T) {
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
		Subject:   "Please approve the brief",
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if cont.Status != domain.ContinuationLive || cont.Round != 1 {
		t.Fatalf("continuation = %+v", cont)
	}
	out, ok := env.Sent.Last()
	if !ok || out.CorrelationKey != cont.CorrelationKey {
		t.Fatalf("outbound not sent with continuation key: %+v", out)
	}

	p, err := env.Engine.Resume(env.Ctx, cont.ID, "msg-reply-1", "rep@company.com")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if p.Stage != domain.StageBriefDone {
		t.Fatalf("stage after resume = %s, want brief_done", p.Stage)
	}
	if p.StageData["reply_brief_approval"] != "msg-reply-1" {
		t.Fatalf("reply not recorded in stage data: %v", p.StageData)
	}

	// A second reply on the same thread finds the continuation consumed.
	_, err = env.Engine.Resume(env.Ctx, cont.ID, "msg-reply-2", "rep@company.com")
	if !errors.Is(err, engine.ErrContinuationNotLive) {
		t.Fatalf("err = %v, want continuation not live", err)
	}
}

func TestClarificationRoundsBounded(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.AdvanceStage(env.Ctx, "proj-1", domain.StageIntake, domain.StageBrief, "tester"); err != nil {
		t.Fatal(err)
	}
	max := env.Engine.Config.Workflow.MaxClarificationRounds
	for i := 0; i < max; i++ {
		cont, err := env.Engine.Suspend(env.Ctx, engine.SuspendOptions{
			ProjectID: "proj-1",
			Stage:     domain.StageBrief,
			Awaiting:  "clarification",
			Recipient: "client@acme.com",
			ActorID:   "tester",
		})
		if err != nil {
			t.Fatalf("round %d: %v", i+1, err)
		}
		if cont.Round != i+1 {
			t.Fatalf("round = %d, want %d", cont.Round, i+1)
		}
		if cont.ResumeTo != domain.StageBrief {
			t.Fatalf("clarification resume_to = %s, want same stage", cont.ResumeTo)
		}
	}
	_, err := env.Engine.Suspend(env.Ctx, engine.SuspendOptions{
		ProjectID: "proj-1",
		Stage:     domain.StageBrief,
		Awaiting:  "clarification",
		Recipient: "client@acme.com",
		ActorID:   "tester",
	})
	if !errors.Is(err, engine.ErrMaxClarificationRounds) {
		t.Fatalf("err = %v, want max rounds", err)
	}
	n, err := env.Engine.Repo.CountAuditByAction(env.Ctx, "stage.escalated", "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("escalation audit entries = %d, want 1", n)
	}
}

func TestAdvanceStageCancelsAwaitedReply(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.AdvanceStage(env.Ctx, "proj-1", domain.StageIntake, domain.StageBrief, "tester"); err != nil {
		t.Fatal(err)
	}
	cont, err := env.Engine.Suspend(env.Ctx, engine.SuspendOptions{
		ProjectID: "proj-1", Stage: domain.StageBrief, Awaiting: "clarification",
		Recipient: "client@acme.com", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	// The stage moves on without the reply, by operator action.
	if _, err := env.Engine.AdvanceStage(env.Ctx, "proj-1", domain.StageBrief, domain.StageBriefDone, "tester"); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Repo.GetContinuation(env.Ctx, cont.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ContinuationCancelled {
		t.Fatalf("continuation status = %s, want cancelled after advance", got.Status)
	}
	// The reply that eventually arrives cannot resume into the departed stage.
	if _, err := env.Engine.Resume(env.Ctx, cont.ID, "msg-late", "client@acme.com"); !errors.Is(err, engine.ErrContinuationNotLive) {
		t.Fatalf("err = %v, want continuation not live", err)
	}
}

func TestEscalationSendsNothing(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.AdvanceStage(env.Ctx, "proj-1", domain.StageIntake, domain.StageBrief, "tester"); err != nil {
		t.Fatal(err)
	}
	max := env.Engine.Config.Workflow.MaxClarificationRounds
	for i := 0; i < max; i++ {
		if _, err := env.Engine.Suspend(env.Ctx, engine.SuspendOptions{
			ProjectID: "proj-1", Stage: domain.StageBrief, Awaiting: "clarification",
			Recipient: "client@acme.com", ActorID: "tester",
		}); err != nil {
			t.Fatalf("round %d: %v", i+1, err)
		}
	}
	sentBefore := len(env.Sent.Sent)
	_, err := env.Engine.Suspend(env.Ctx, engine.SuspendOptions{
		ProjectID: "proj-1", Stage: domain.StageBrief, Awaiting: "clarification",
		Recipient: "client@acme.com", ActorID: "tester",
	})
	if !errors.Is(err, engine.ErrMaxClarificationRounds) {
		t.Fatalf("err = %v, want max rounds", err)
	}
	if len(env.Sent.Sent) != sentBefore {
		t.Fatalf("over-limit suspend sent %d messages, want 0", len(env.Sent.Sent)-sentBefore)
	}
}

func TestAuditTimestampsFollowClock(t *testing.T) {
	env := newTestEnv(t)
	entries, err := env.Engine.Repo.AuditAfter(env.Ctx, 10, 0, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) == 0 {
		t.Fatal("no audit entries for new project")
	}
	for _, e := range entries {
		if e.TS != "2024-01-01T00:00:00Z" {
			t.Fatalf("entry %s ts = %s, want pinned clock", e.Action, e.TS)
		}
	}
}

func TestResuspendCancelsPriorContinuation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.AdvanceStage(env.Ctx, "proj-1", domain.StageIntake, domain.StageBrief, "tester"); err != nil {
		t.Fatal(err)
	}
	first, err := env.Engine.Suspend(env.Ctx, engine.SuspendOptions{
		ProjectID: "proj-1", Stage: domain.StageBrief, Awaiting: "clarification",
		Recipient: "client@acme.com", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.Suspend(env.Ctx, engine.SuspendOptions{
		ProjectID: "proj-1", Stage: domain.StageBrief, Awaiting: "clarification",
		Recipient: "client@acme.com", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Repo.GetContinuation(env.Ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ContinuationCancelled {
		t.Fatalf("first continuation status = %s, want cancelled", got.Status)
	}
	live, err := env.Engine.Repo.LiveContinuation(env.Ctx, "proj-1", domain.StageBrief)
	if err != nil {
		t.Fatal(err)
	}
	if live.ID != second.ID {
		t.Fatalf("live continuation = %s, want %s", live.ID, second.ID)
	}
}

func TestCancelProjectCascades(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.AdvanceStage(env.Ctx, "proj-1", domain.StageIntake, domain.StageBrief, "tester"); err != nil {
		t.Fatal(err)
	}
	cont, err := env.Engine.Suspend(env.Ctx, engine.SuspendOptions{
		ProjectID: "proj-1", Stage: domain.StageBrief, Awaiting: "clarification",
		Recipient: "client@acme.com", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	p, err := env.Engine.CancelProject(env.Ctx, "proj-1", "client went silent", "tester")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if p.Stage != domain.StageAbandoned {
		t.Fatalf("stage = %s, want abandoned", p.Stage)
	}
	got, err := env.Engine.Repo.GetContinuation(env.Ctx, cont.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ContinuationCancelled {
		t.Fatalf("continuation status = %s, want cancelled", got.Status)
	}
	// Cancelling twice is rejected, the project is closed.
	if _, err := env.Engine.CancelProject(env.Ctx, "proj-1", "again", "tester"); !errors.Is(err, engine.ErrProjectClosed) {
		t.Fatalf("err = %v, want project closed", err)
	}
}

func TestApplyDecision(t *testing.T) {
	env := newTestEnv(t)
	applied, err := env.Engine.ApplyDecision(env.Ctx, "proj-1", engine.Decision{
		Action:  engine.DecisionAdvance,
		ToStage: domain.StageBrief,
	}, "tester")
	if err != nil {
		t.Fatalf("apply advance: %v", err)
	}
	if !applied {
		t.Fatal("advance decision not applied")
	}
	p, err := env.Engine.Repo.GetProject(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Stage != domain.StageBrief {
		t.Fatalf("stage = %s, want brief", p.Stage)
	}
	// Validation requests are not the engine's to execute.
	applied, err = env.Engine.ApplyDecision(env.Ctx, "proj-1", engine.Decision{
		Action:   engine.DecisionRequestValidation,
		Resource: "legal@company.com",
		Question: "contract terms ok?",
	}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Fatal("request_validation should be deferred to the tracker")
	}
}
