package workflow_test

import (
	"errors"
	"testing"

	"riverops/internal/domain"
	"riverops/internal/workflow"
)

func TestHappyPathManual(t *testing.T) {
	steps := []struct {
		action domain.Action
		want   domain.Status
	}{
		{domain.ActionDispatch, domain.StatusDispatched},
		{domain.ActionStartProcessing, domain.StatusProcessing},
		{domain.ActionSubmitForReview, domain.StatusPendingReview},
		{domain.ActionApproveReview, domain.StatusPendingReporterConfirm},
		{domain.ActionReporterConfirm, domain.StatusCompleted},
	}
	status := domain.StatusPendingDispatch
	for _, s := range steps {
		next, err := workflow.Next(status, s.action, domain.KindManual, "")
		if err != nil {
			t.Fatalf("%s from %s: %v", s.action, status, err)
		}
		if next != s.want {
			t.Fatalf("%s from %s: got %s want %s", s.action, status, next, s.want)
		}
		status = next
	}
	if !status.Terminal() {
		t.Fatalf("expected terminal status, got %s", status)
	}
}

func TestApproveReviewBranchesOnKind(t *testing.T) {
	next, err := workflow.Next(domain.StatusPendingReview, domain.ActionApproveReview, domain.KindAiSourced, "")
	if err != nil || next != domain.StatusPendingFinalReview {
		t.Fatalf("ai_sourced approve: got %s, %v", next, err)
	}
	next, err = workflow.Next(domain.StatusPendingReview, domain.ActionApproveReview, domain.KindManual, "")
	if err != nil || next != domain.StatusPendingReporterConfirm {
		t.Fatalf("manual approve: got %s, %v", next, err)
	}
}

func TestAiFinalReview(t *testing.T) {
	next, err := workflow.Next(domain.StatusPendingFinalReview, domain.ActionFinalApprove, domain.KindAiSourced, "")
	if err != nil || next != domain.StatusCompleted {
		t.Fatalf("final_approve: got %s, %v", next, err)
	}
	next, err = workflow.Next(domain.StatusPendingFinalReview, domain.ActionFinalReject, domain.KindAiSourced, "")
	if err != nil || next != domain.StatusProcessing {
		t.Fatalf("final_reject: got %s, %v", next, err)
	}
}

func TestReporterRejectAndReassignLoop(t *testing.T) {
	next, err := workflow.Next(domain.StatusPendingReporterConfirm, domain.ActionReporterReject, domain.KindManual, "")
	if err != nil || next != domain.StatusConfirmedFailed {
		t.Fatalf("reporter_reject: got %s, %v", next, err)
	}
	next, err = workflow.Next(domain.StatusConfirmedFailed, domain.ActionReassign, domain.KindManual, "")
	if err != nil || next != domain.StatusPendingDispatch {
		t.Fatalf("reassign: got %s, %v", next, err)
	}
}

func TestTimeoutIntervene(t *testing.T) {
	next, err := workflow.Next(domain.StatusPendingReporterConfirm, domain.ActionTimeoutIntervene, domain.KindManual, domain.InterventionCompleted)
	if err != nil || next != domain.StatusCompleted {
		t.Fatalf("intervene completed: got %s, %v", next, err)
	}
	next, err = workflow.Next(domain.StatusPendingReporterConfirm, domain.ActionTimeoutIntervene, domain.KindManual, domain.InterventionRejected)
	if err != nil || next != domain.StatusPendingDispatch {
		t.Fatalf("intervene rejected: got %s, %v", next, err)
	}
	if _, err := workflow.Next(domain.StatusProcessing, domain.ActionTimeoutIntervene, domain.KindManual, domain.InterventionCompleted); err == nil {
		t.Fatal("intervene outside pending_reporter_confirm must fail")
	}
}

func TestCancelFromEveryStatus(t *testing.T) {
	for _, s := range workflow.Statuses() {
		next, err := workflow.Next(s, domain.ActionCancel, domain.KindManual, "")
		if s.Terminal() {
			if err == nil {
				t.Errorf("cancel from terminal %s must fail", s)
			}
			continue
		}
		if err != nil || next != domain.StatusCancelled {
			t.Errorf("cancel from %s: got %s, %v", s, next, err)
		}
	}
}

// Every (action, status) pair outside the table must return
// InvalidTransitionError, never a silent fallthrough.
func TestInvalidPairsRejected(t *testing.T) {
	valid := map[[2]string]bool{}
	for _, s := range workflow.Statuses() {
		for _, a := range workflow.Actions() {
			for _, kind := range []domain.WorkflowKind{domain.KindManual, domain.KindAiSourced} {
				next, err := workflow.Next(s, a, kind, domain.InterventionCompleted)
				if err == nil {
					valid[[2]string{string(a), string(s)}] = true
					if next == "" {
						t.Errorf("%s from %s: empty next with nil error", a, s)
					}
					continue
				}
				var ite workflow.InvalidTransitionError
				if !errors.As(err, &ite) {
					t.Errorf("%s from %s: unexpected error type %T", a, s, err)
				}
			}
		}
	}
	// Terminal statuses accept nothing at all.
	for _, s := range []domain.Status{domain.StatusCompleted, domain.StatusRejected, domain.StatusCancelled} {
		for _, a := range workflow.Actions() {
			if valid[[2]string{string(a), string(s)}] {
				t.Errorf("%s accepted from terminal %s", a, s)
			}
		}
	}
}

func TestReplayReproducesLifecycle(t *testing.T) {
	entries := []domain.StatusHistoryEntry{
		{Version: 0, ToStatus: domain.StatusPendingDispatch, Action: "create"},
		{Version: 1, ToStatus: domain.StatusDispatched, Action: domain.ActionDispatch},
		{Version: 2, ToStatus: domain.StatusProcessing, Action: domain.ActionStartProcessing},
		{Version: 3, ToStatus: domain.StatusPendingReview, Action: domain.ActionSubmitForReview},
		{Version: 4, ToStatus: domain.StatusPendingReporterConfirm, Action: domain.ActionApproveReview},
		{Version: 5, ToStatus: domain.StatusCompleted, Action: domain.ActionReporterConfirm},
	}
	status, version, err := workflow.Replay(domain.KindManual, entries)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if status != domain.StatusCompleted || version != 5 {
		t.Fatalf("replay: got %s v%d", status, version)
	}
}

func TestReplayInterventionResultInferred(t *testing.T) {
	entries := []domain.StatusHistoryEntry{
		{Version: 0, ToStatus: domain.StatusPendingDispatch, Action: "create"},
		{Version: 1, ToStatus: domain.StatusDispatched, Action: domain.ActionDispatch},
		{Version: 2, ToStatus: domain.StatusProcessing, Action: domain.ActionStartProcessing},
		{Version: 3, ToStatus: domain.StatusPendingReview, Action: domain.ActionSubmitForReview},
		{Version: 4, ToStatus: domain.StatusPendingReporterConfirm, Action: domain.ActionApproveReview},
		{Version: 5, ToStatus: domain.StatusPendingDispatch, Action: domain.ActionTimeoutIntervene},
	}
	status, version, err := workflow.Replay(domain.KindManual, entries)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if status != domain.StatusPendingDispatch || version != 5 {
		t.Fatalf("replay: got %s v%d", status, version)
	}
}

func TestReplayDetectsGapsAndCorruption(t *testing.T) {
	gap := []domain.StatusHistoryEntry{
		{Version: 0, ToStatus: domain.StatusPendingDispatch, Action: "create"},
		{Version: 2, ToStatus: domain.StatusProcessing, Action: domain.ActionStartProcessing},
	}
	if _, _, err := workflow.Replay(domain.KindManual, gap); err == nil {
		t.Fatal("expected gap error")
	}
	corrupt := []domain.StatusHistoryEntry{
		{Version: 0, ToStatus: domain.StatusPendingDispatch, Action: "create"},
		{Version: 1, ToStatus: domain.StatusCompleted, Action: domain.ActionDispatch},
	}
	if _, _, err := workflow.Replay(domain.KindManual, corrupt); err == nil {
		t.Fatal("expected corruption error")
	}
}
