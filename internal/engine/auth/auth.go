// Package auth is the permission gate: it decides which role may fire which
// action against which order. Decisions are pure except for the dispatch-time
// roster lookup, and every denial carries a structured reason.
package auth

import (
	"context"
	"fmt"

	"riverops/internal/domain"
)

// Reason explains a denial. Callers render these into actionable messages.
type Reason string

const (
	ReasonRoleIneligible     Reason = "role_ineligible"
	ReasonWrongArea          Reason = "wrong_area"
	ReasonNotAssignee        Reason = "not_assignee"
	ReasonNotReporter        Reason = "not_reporter"
	ReasonNotFieldWorker     Reason = "assignee_not_field_worker"
	ReasonRosterLookupFailed Reason = "roster_lookup_failed"
)

// DeniedError is the structured denial returned by the gate.
type DeniedError struct {
	Reason Reason
	Action domain.Action
	Status domain.Status
	Role   domain.Role
	Detail string
}

func (e DeniedError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (action %s, status %s, role %s)", e.Reason, e.Detail, e.Action, e.Status, e.Role)
	}
	return fmt.Sprintf("%s (action %s, status %s, role %s)", e.Reason, e.Action, e.Status, e.Role)
}

// Roster is the read-only lookup the gate uses for dispatch-time validation.
type Roster interface {
	IsActiveFieldWorker(ctx context.Context, userID string) (bool, error)
}

// Gate evaluates (actor, action, order) requests.
type Gate struct {
	Roster Roster
}

// eligible maps each action to the roles that may ever fire it. A nil set
// means eligibility is purely relationship-based (reporter confirmation).
var eligible = map[domain.Action][]domain.Role{
	domain.ActionDispatch:         {domain.RoleAdmin, domain.RoleMonitorSupervisor, domain.RoleAreaSupervisor},
	domain.ActionReject:           {domain.RoleAdmin, domain.RoleMonitorSupervisor, domain.RoleAreaSupervisor},
	domain.ActionReassign:         {domain.RoleAdmin, domain.RoleMonitorSupervisor, domain.RoleAreaSupervisor},
	domain.ActionApproveReview:    {domain.RoleAdmin, domain.RoleMonitorSupervisor, domain.RoleAreaSupervisor},
	domain.ActionRejectReview:     {domain.RoleAdmin, domain.RoleMonitorSupervisor, domain.RoleAreaSupervisor},
	domain.ActionStartProcessing:  {domain.RoleFieldWorker},
	domain.ActionSubmitForReview:  {domain.RoleFieldWorker},
	domain.ActionFinalApprove:     {domain.RoleAdmin, domain.RoleMonitorSupervisor},
	domain.ActionFinalReject:      {domain.RoleAdmin, domain.RoleMonitorSupervisor},
	domain.ActionReporterConfirm:  nil,
	domain.ActionReporterReject:   nil,
	domain.ActionTimeoutIntervene: {domain.RoleAdmin, domain.RoleAreaSupervisor},
	domain.ActionCancel:           {domain.RoleAdmin},
}

// CanPerform returns nil when actor may fire action against order, or a
// DeniedError. nomineeID is the assignee nominated by a dispatch or reassign
// request and is ignored for every other action. State legality is the state
// machine's job; the gate only rules on identity.
func (g Gate) CanPerform(ctx context.Context, actor domain.Actor, action domain.Action, order domain.WorkOrder, nomineeID string) error {
	deny := func(reason Reason, detail string) error {
		return DeniedError{Reason: reason, Action: action, Status: order.Status, Role: actor.Role, Detail: detail}
	}

	// Administrators may cancel anything non-terminal, full stop.
	if actor.Role == domain.RoleAdmin && action == domain.ActionCancel {
		return nil
	}

	roles, known := eligible[action]
	if !known {
		return deny(ReasonRoleIneligible, "unknown action")
	}

	switch action {
	case domain.ActionReporterConfirm, domain.ActionReporterReject:
		if actor.Role == domain.RoleAdmin {
			return nil
		}
		if order.InitialReporterID == nil || *order.InitialReporterID != actor.ID {
			return deny(ReasonNotReporter, "only the original reporter may confirm this order")
		}
		return nil
	}

	if !roleIn(actor.Role, roles) {
		return deny(ReasonRoleIneligible, "")
	}

	// Area supervisors act only inside their own area.
	if actor.Role == domain.RoleAreaSupervisor && actor.AreaID != order.AreaID {
		return deny(ReasonWrongArea, fmt.Sprintf("order belongs to area %s", order.AreaID))
	}

	// Field workers act only on orders assigned to them.
	if actor.Role == domain.RoleFieldWorker {
		if order.AssigneeID == nil || *order.AssigneeID != actor.ID {
			return deny(ReasonNotAssignee, "")
		}
	}

	if action == domain.ActionDispatch {
		if err := g.checkNominee(ctx, deny, nomineeID); err != nil {
			return err
		}
	}
	return nil
}

func (g Gate) checkNominee(ctx context.Context, deny func(Reason, string) error, nomineeID string) error {
	if g.Roster == nil {
		return deny(ReasonRosterLookupFailed, "no roster configured")
	}
	ok, err := g.Roster.IsActiveFieldWorker(ctx, nomineeID)
	if err != nil {
		return deny(ReasonRosterLookupFailed, err.Error())
	}
	if !ok {
		return deny(ReasonNotFieldWorker, fmt.Sprintf("user %s is not an active field worker", nomineeID))
	}
	return nil
}

func roleIn(r domain.Role, set []domain.Role) bool {
	for _, x := range set {
		if x == r {
			return true
		}
	}
	return false
}
