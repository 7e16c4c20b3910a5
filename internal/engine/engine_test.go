package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"riverops/internal/config"
	"riverops/internal/db"
	"riverops/internal/domain"
	"riverops/internal/engine"
	"riverops/internal/engine/auth"
	"riverops/internal/migrate"
	"riverops/internal/repo"
	"riverops/internal/workflow"
)

var (
	admin    = domain.Actor{ID: "admin-1", Role: domain.RoleAdmin}
	sup      = domain.Actor{ID: "sup-1", Role: domain.RoleMonitorSupervisor}
	worker   = domain.Actor{ID: "fw-1", Role: domain.RoleFieldWorker}
	reporter = domain.Actor{ID: "patroller-1", Role: domain.RolePatroller, AreaID: "area-1"}
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	seed := []domain.User{
		{ID: "admin-1", Role: domain.RoleAdmin, Active: true},
		{ID: "sup-1", Role: domain.RoleMonitorSupervisor, Active: true},
		{ID: "fw-1", Role: domain.RoleFieldWorker, Active: true},
		{ID: "patroller-1", Role: domain.RolePatroller, AreaID: "area-1", Active: true},
	}
	for _, u := range seed {
		u.CreatedAt = "2026-01-01T00:00:00Z"
		if err := eng.Repo.InsertUser(ctx, u); err != nil {
			t.Fatalf("seed user %s: %v", u.ID, err)
		}
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) report(t *testing.T) domain.WorkOrder {
	t.Helper()
	o, err := env.Engine.CreateManual(env.Ctx, engine.CreateOptions{
		Title:    "debris blocking sluice gate",
		Priority: domain.PriorityNormal,
		AreaID:   "area-1",
	}, reporter)
	if err != nil {
		t.Fatalf("create manual: %v", err)
	}
	return o
}

func (env testEnv) apply(t *testing.T, req engine.ApplyRequest) domain.WorkOrder {
	t.Helper()
	applied, err := env.Engine.ApplyAction(env.Ctx, req)
	if err != nil {
		t.Fatalf("%s: %v", req.Action, err)
	}
	return applied.Order
}

func evidence() *engine.ResultInput {
	return &engine.ResultInput{
		Description: "cleared the debris",
		AfterMedia:  []string{"media/after-1.jpg"},
	}
}

func TestManualLifecycle(t *testing.T) {
	env := newTestEnv(t)
	o := env.report(t)
	if o.WorkflowKind != domain.KindManual || o.Status != domain.StatusPendingDispatch || o.Version != 0 {
		t.Fatalf("fresh order: %+v", o)
	}
	if o.InitialReporterID == nil || *o.InitialReporterID != reporter.ID {
		t.Fatal("reporter not recorded")
	}

	o = env.apply(t, engine.ApplyRequest{OrderID: o.ID, Action: domain.ActionDispatch, Actor: sup, AssigneeID: "fw-1"})
	if o.Status != domain.StatusDispatched || o.Version != 1 {
		t.Fatalf("after dispatch: %s v%d", o.Status, o.Version)
	}
	if o.AssigneeID == nil || *o.AssigneeID != "fw-1" || o.DispatchedAt == nil {
		t.Fatal("dispatch side effects missing")
	}

	o = env.apply(t, engine.ApplyRequest{OrderID: o.ID, Action: domain.ActionStartProcessing, Actor: worker})
	o = env.apply(t, engine.ApplyRequest{OrderID: o.ID, Action: domain.ActionSubmitForReview, Actor: worker, Result: evidence()})
	o = env.apply(t, engine.ApplyRequest{OrderID: o.ID, Action: domain.ActionApproveReview, Actor: sup})
	if o.Status != domain.StatusPendingReporterConfirm {
		t.Fatalf("manual approve must route to reporter confirm, got %s", o.Status)
	}

	o = env.apply(t, engine.ApplyRequest{OrderID: o.ID, Action: domain.ActionReporterConfirm, Actor: reporter})
	if o.Status != domain.StatusCompleted || o.Version != 5 || o.CompletedAt == nil {
		t.Fatalf("after confirm: %s v%d", o.Status, o.Version)
	}

	// History must replay to the stored snapshot.
	entries, err := env.Engine.Repo.ListHistory(env.Ctx, o.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 6 {
		t.Fatalf("history length %d", len(entries))
	}
	status, version, err := workflow.Replay(o.WorkflowKind, entries)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if status != o.Status || version != o.Version {
		t.Fatalf("replay %s v%d vs stored %s v%d", status, version, o.Status, o.Version)
	}

	// Results were stored with the submission.
	results, err := env.Engine.Repo.ListResults(env.Ctx, o.ID)
	if err != nil || len(results) != 1 {
		t.Fatalf("results: %v (%d)", err, len(results))
	}
}

func TestAiLifecycleUsesFinalReview(t *testing.T) {
	env := newTestEnv(t)
	o, err := env.Engine.CreateFromAlarm(env.Ctx, engine.CreateOptions{
		Title:    "camera 12: floating barrel",
		Priority: domain.PriorityUrgent,
		AreaID:   "area-1",
		AlarmID:  "alarm-42",
	}, "ingest-1")
	if err != nil {
		t.Fatalf("create from alarm: %v", err)
	}
	if o.WorkflowKind != domain.KindAiSourced || o.InitialReporterID != nil || o.AlarmID == nil {
		t.Fatalf("ai order: %+v", o)
	}

	o = env.apply(t, engine.ApplyRequest{OrderID: o.ID, Action: domain.ActionDispatch, Actor: sup, AssigneeID: "fw-1"})
	o = env.apply(t, engine.ApplyRequest{OrderID: o.ID, Action: domain.ActionStartProcessing, Actor: worker})
	o = env.apply(t, engine.ApplyRequest{OrderID: o.ID, Action: domain.ActionSubmitForReview, Actor: worker, Result: evidence()})
	o = env.apply(t, engine.ApplyRequest{OrderID: o.ID, Action: domain.ActionApproveReview, Actor: sup})
	if o.Status != domain.StatusPendingFinalReview {
		t.Fatalf("ai approve must route to final review, got %s", o.Status)
	}
	o = env.apply(t, engine.ApplyRequest{OrderID: o.ID, Action: domain.ActionFinalApprove, Actor: admin})
	if o.Status != domain.StatusCompleted || o.FinalReviewerID == nil {
		t.Fatalf("after final approve: %+v", o)
	}
}

func TestDispatchRequiresAssignee(t *testing.T) {
	env := newTestEnv(t)
	o := env.report(t)
	_, err := env.Engine.ApplyAction(env.Ctx, engine.ApplyRequest{OrderID: o.ID, Action: domain.ActionDispatch, Actor: sup})
	if !errors.Is(err, engine.ErrMissingAssignee) {
		t.Fatalf("want ErrMissingAssignee, got %v", err)
	}
	// Nominating a non-worker is a gate denial, and nothing is written.
	_, err = env.Engine.ApplyAction(env.Ctx, engine.ApplyRequest{OrderID: o.ID, Action: domain.ActionDispatch, Actor: sup, AssigneeID: "patroller-1"})
	var denied auth.DeniedError
	if !errors.As(err, &denied) || denied.Reason != auth.ReasonNotFieldWorker {
		t.Fatalf("want not_field_worker denial, got %v", err)
	}
	entries, err := env.Engine.Repo.ListHistory(env.Ctx, o.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("failed dispatch must leave no history, got %d entries", len(entries))
	}
	got, err := env.Engine.Repo.GetWorkOrder(env.Ctx, o.ID)
	if err != nil || got.Version != 0 || got.Status != domain.StatusPendingDispatch {
		t.Fatalf("order mutated by failed dispatch: %+v", got)
	}
}

func TestSubmitRequiresEvidence(t *testing.T) {
	env := newTestEnv(t)
	o := env.report(t)
	o = env.apply(t, engine.ApplyRequest{OrderID: o.ID, Action: domain.ActionDispatch, Actor: sup, AssigneeID: "fw-1"})
	o = env.apply(t, engine.ApplyRequest{OrderID: o.ID, Action: domain.ActionStartProcessing, Actor: worker})

	for _, r := range []*engine.ResultInput{
		nil,
		{Description: "done"},
		{AfterMedia: []string{"media/x.jpg"}},
	} {
		_, err := env.Engine.ApplyAction(env.Ctx, engine.ApplyRequest{OrderID: o.ID, Action: domain.ActionSubmitForReview, Actor: worker, Result: r})
		if !errors.Is(err, engine.ErrMissingEvidence) {
			t.Fatalf("result %+v: want ErrMissingEvidence, got %v", r, err)
		}
	}
	got, _ := env.Engine.Repo.GetWorkOrder(env.Ctx, o.ID)
	if got.Version != o.Version {
		t.Fatal("failed submit must not bump the version")
	}
}

func TestVersionConflictExactlyOneWriterWins(t *testing.T) {
	env := newTestEnv(t)
	o := env.report(t)
	o = env.apply(t, engine.ApplyRequest{OrderID: o.ID, Action: domain.ActionDispatch, Actor: sup, AssigneeID: "fw-1"})
	o = env.apply(t, engine.ApplyRequest{OrderID: o.ID, Action: domain.ActionStartProcessing, Actor: worker})
	o = env.apply(t, engine.ApplyRequest{OrderID: o.ID, Action: domain.ActionSubmitForReview, Actor: worker, Result: evidence()})
	o = env.apply(t, engine.ApplyRequest{OrderID: o.ID, Action: domain.ActionApproveReview, Actor: sup})

	// Both writers read version 4; the second CAS must lose.
	stale := o
	env.apply(t, engine.ApplyRequest{OrderID: o.ID, Action: domain.ActionReporterConfirm, Actor: reporter})
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	defer tx.Rollback()
	err = env.Engine.Repo.UpdateWorkOrderCAS(env.Ctx, tx, withVersion(stale, domain.StatusCancelled), stale.Version)
	if !errors.Is(err, repo.ErrVersionConflict) {
		t.Fatalf("want ErrVersionConflict, got %v", err)
	}

	got, _ := env.Engine.Repo.GetWorkOrder(env.Ctx, o.ID)
	if got.Status != domain.StatusCompleted || got.Version != 5 {
		t.Fatalf("first writer's state lost: %s v%d", got.Status, got.Version)
	}
}

func withVersion(o domain.WorkOrder, s domain.Status) domain.WorkOrder {
	o.Status = s
	o.Version++
	return o
}

func TestRetryGivesUpOnDomainErrors(t *testing.T) {
	env := newTestEnv(t)
	o := env.report(t)
	// A denial is not retryable; the retry wrapper must return it untouched.
	_, err := env.Engine.ApplyActionRetry(env.Ctx, engine.ApplyRequest{
		OrderID: o.ID, Action: domain.ActionDispatch,
		Actor: domain.Actor{ID: "viewer-1", Role: domain.RoleViewer}, AssigneeID: "fw-1",
	}, 3)
	var denied auth.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("want DeniedError, got %v", err)
	}
}

func TestCancelFromTerminalFails(t *testing.T) {
	env := newTestEnv(t)
	o := env.report(t)
	o = env.apply(t, engine.ApplyRequest{OrderID: o.ID, Action: domain.ActionCancel, Actor: admin})
	if o.Status != domain.StatusCancelled {
		t.Fatalf("after cancel: %s", o.Status)
	}
	_, err := env.Engine.ApplyAction(env.Ctx, engine.ApplyRequest{OrderID: o.ID, Action: domain.ActionCancel, Actor: admin})
	var ite workflow.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("want InvalidTransitionError, got %v", err)
	}
}

func TestReporterRejectLoopsBackThroughReassign(t *testing.T) {
	env := newTestEnv(t)
	o := env.report(t)
	o = env.apply(t, engine.ApplyRequest{OrderID: o.ID, Action: domain.ActionDispatch, Actor: sup, AssigneeID: "fw-1"})
	o = env.apply(t, engine.ApplyRequest{OrderID: o.ID, Action: domain.ActionStartProcessing, Actor: worker})
	o = env.apply(t, engine.ApplyRequest{OrderID: o.ID, Action: domain.ActionSubmitForReview, Actor: worker, Result: evidence()})
	o = env.apply(t, engine.ApplyRequest{OrderID: o.ID, Action: domain.ActionApproveReview, Actor: sup})
	o = env.apply(t, engine.ApplyRequest{OrderID: o.ID, Action: domain.ActionReporterReject, Actor: reporter, Note: "still blocked"})
	if o.Status != domain.StatusConfirmedFailed {
		t.Fatalf("after reporter reject: %s", o.Status)
	}
	o = env.apply(t, engine.ApplyRequest{OrderID: o.ID, Action: domain.ActionReassign, Actor: sup})
	if o.Status != domain.StatusPendingDispatch || o.AssigneeID != nil {
		t.Fatalf("after reassign: %s assignee=%v", o.Status, o.AssigneeID)
	}
	// Round two may pick a different worker via a fresh dispatch.
	o = env.apply(t, engine.ApplyRequest{OrderID: o.ID, Action: domain.ActionDispatch, Actor: sup, AssigneeID: "fw-1"})
	if o.Status != domain.StatusDispatched || o.Version != 7 {
		t.Fatalf("second dispatch: %s v%d", o.Status, o.Version)
	}
}

func TestUnknownOrderIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ApplyAction(env.Ctx, engine.ApplyRequest{OrderID: "nope", Action: domain.ActionCancel, Actor: admin})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestEventsWrittenWithTransitions(t *testing.T) {
	env := newTestEnv(t)
	o := env.report(t)
	env.apply(t, engine.ApplyRequest{OrderID: o.ID, Action: domain.ActionDispatch, Actor: sup, AssigneeID: "fw-1"})
	evts, err := env.Engine.Repo.ListEvents(env.Ctx, o.ID, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 2 {
		t.Fatalf("want create + dispatch events, got %d", len(evts))
	}
	// Events share the clock with the order and history rows they describe.
	for _, evt := range evts {
		if evt.TS != o.CreatedAt {
			t.Fatalf("event %s at %s, order rows at %s", evt.Type, evt.TS, o.CreatedAt)
		}
	}
}
