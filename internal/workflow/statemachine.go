// Package workflow owns the canonical workorder transition table. It is pure:
// no I/O, no clock, no knowledge of actors. Whether a given actor may fire a
// transition is the permission gate's job.
package workflow

import (
	"fmt"

	"riverops/internal/domain"
)

// InvalidTransitionError reports an (action, state) pair outside the table.
type InvalidTransitionError struct {
	Action domain.Action
	From   domain.Status
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("action %s is not valid from status %s", e.Action, e.From)
}

type transitionKey struct {
	action domain.Action
	from   domain.Status
}

var transitions = map[transitionKey]domain.Status{
	{domain.ActionDispatch, domain.StatusPendingDispatch}:               domain.StatusDispatched,
	{domain.ActionReject, domain.StatusPendingDispatch}:                 domain.StatusRejected,
	{domain.ActionStartProcessing, domain.StatusDispatched}:             domain.StatusProcessing,
	{domain.ActionSubmitForReview, domain.StatusProcessing}:             domain.StatusPendingReview,
	{domain.ActionRejectReview, domain.StatusPendingReview}:             domain.StatusProcessing,
	{domain.ActionFinalApprove, domain.StatusPendingFinalReview}:        domain.StatusCompleted,
	{domain.ActionFinalReject, domain.StatusPendingFinalReview}:         domain.StatusProcessing,
	{domain.ActionReporterConfirm, domain.StatusPendingReporterConfirm}: domain.StatusCompleted,
	{domain.ActionReporterReject, domain.StatusPendingReporterConfirm}:  domain.StatusConfirmedFailed,
	{domain.ActionReassign, domain.StatusConfirmedFailed}:               domain.StatusPendingDispatch,
}

// Next returns the status an order moves to when action fires from its current
// status. approve_review branches on the order's immutable workflow kind:
// AI-sourced orders have no human reporter, so an administrative final review
// replaces reporter confirmation. timeout_intervene resolves a stalled
// reporter confirmation to the supervisor's recorded result. cancel is legal
// from every non-terminal status.
func Next(status domain.Status, action domain.Action, kind domain.WorkflowKind, result domain.InterventionResult) (domain.Status, error) {
	switch action {
	case domain.ActionCancel:
		if status.Terminal() {
			return "", InvalidTransitionError{Action: action, From: status}
		}
		return domain.StatusCancelled, nil
	case domain.ActionApproveReview:
		if status != domain.StatusPendingReview {
			return "", InvalidTransitionError{Action: action, From: status}
		}
		if kind == domain.KindAiSourced {
			return domain.StatusPendingFinalReview, nil
		}
		return domain.StatusPendingReporterConfirm, nil
	case domain.ActionTimeoutIntervene:
		if status != domain.StatusPendingReporterConfirm {
			return "", InvalidTransitionError{Action: action, From: status}
		}
		if result == domain.InterventionRejected {
			return domain.StatusPendingDispatch, nil
		}
		return domain.StatusCompleted, nil
	}
	to, ok := transitions[transitionKey{action, status}]
	if !ok {
		return "", InvalidTransitionError{Action: action, From: status}
	}
	return to, nil
}

// Replay folds an order's history through the transition table and returns
// the status and version it deterministically reproduces. Entries must be in
// version order; version 0 is the creation entry and seeds the fold. A
// history that the table cannot reproduce is corrupt.
func Replay(kind domain.WorkflowKind, entries []domain.StatusHistoryEntry) (domain.Status, int64, error) {
	status := domain.StatusPendingDispatch
	var version int64
	for _, h := range entries {
		if h.Version == 0 {
			status = h.ToStatus
			continue
		}
		if h.Version != version+1 {
			return "", 0, fmt.Errorf("history gap: version %d follows %d", h.Version, version)
		}
		result := domain.InterventionCompleted
		if h.Action == domain.ActionTimeoutIntervene && h.ToStatus != domain.StatusCompleted {
			result = domain.InterventionRejected
		}
		next, err := Next(status, h.Action, kind, result)
		if err != nil {
			return "", 0, fmt.Errorf("replay version %d: %w", h.Version, err)
		}
		if next != h.ToStatus {
			return "", 0, fmt.Errorf("replay version %d: table yields %s, history says %s", h.Version, next, h.ToStatus)
		}
		status = next
		version = h.Version
	}
	return status, version, nil
}

// Actions lists every action the table knows about, in no particular order.
func Actions() []domain.Action {
	return []domain.Action{
		domain.ActionDispatch,
		domain.ActionReject,
		domain.ActionStartProcessing,
		domain.ActionSubmitForReview,
		domain.ActionApproveReview,
		domain.ActionRejectReview,
		domain.ActionFinalApprove,
		domain.ActionFinalReject,
		domain.ActionReporterConfirm,
		domain.ActionReporterReject,
		domain.ActionTimeoutIntervene,
		domain.ActionReassign,
		domain.ActionCancel,
	}
}

// Statuses lists every status, terminals last.
func Statuses() []domain.Status {
	return []domain.Status{
		domain.StatusPendingDispatch,
		domain.StatusDispatched,
		domain.StatusProcessing,
		domain.StatusPendingReview,
		domain.StatusPendingFinalReview,
		domain.StatusPendingReporterConfirm,
		domain.StatusConfirmedFailed,
		domain.StatusCompleted,
		domain.StatusRejected,
		domain.StatusCancelled,
	}
}
