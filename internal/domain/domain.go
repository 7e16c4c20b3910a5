package domain

// Status is the only field that governs which transitions are legal.
type Status string

const (
	StatusPendingDispatch        Status = "pending_dispatch"
	StatusDispatched             Status = "dispatched"
	StatusProcessing             Status = "processing"
	StatusPendingReview          Status = "pending_review"
	StatusPendingFinalReview     Status = "pending_final_review"
	StatusPendingReporterConfirm Status = "pending_reporter_confirm"
	StatusConfirmedFailed        Status = "confirmed_failed"
	StatusCompleted              Status = "completed"
	StatusRejected               Status = "rejected"
	StatusCancelled              Status = "cancelled"
)

// Terminal reports whether no further transitions are accepted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// Action names a requested transition.
type Action string

const (
	ActionDispatch         Action = "dispatch"
	ActionReject           Action = "reject"
	ActionStartProcessing  Action = "start_processing"
	ActionSubmitForReview  Action = "submit_for_review"
	ActionApproveReview    Action = "approve_review"
	ActionRejectReview     Action = "reject_review"
	ActionFinalApprove     Action = "final_approve"
	ActionFinalReject      Action = "final_reject"
	ActionReporterConfirm  Action = "reporter_confirm"
	ActionReporterReject   Action = "reporter_reject"
	ActionTimeoutIntervene Action = "timeout_intervene"
	ActionReassign         Action = "reassign"
	ActionCancel           Action = "cancel"
)

// WorkflowKind is fixed at creation and selects the post-review branch:
// AI-sourced orders need an administrative final review, manual orders need
// the original reporter to confirm resolution on site.
type WorkflowKind string

const (
	KindManual    WorkflowKind = "manual"
	KindAiSourced WorkflowKind = "ai_sourced"
)

type Priority string

const (
	PriorityUrgent    Priority = "urgent"
	PriorityImportant Priority = "important"
	PriorityNormal    Priority = "normal"
)

// Role of a principal. Only the permission gate and the state machine may
// branch on roles and statuses.
type Role string

const (
	RoleAdmin             Role = "admin"
	RoleMonitorSupervisor Role = "monitor_supervisor"
	RoleFieldWorker       Role = "field_worker"
	RolePatroller         Role = "patroller"
	RoleAreaSupervisor    Role = "area_supervisor"
	RoleViewer            Role = "viewer"
)

// Severity classifies how long an order has been stuck awaiting reporter
// confirmation. Reporting only, never changes transition legality.
type Severity string

const (
	SeverityNormal   Severity = "normal"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// InterventionResult is the forced disposition of a timeout intervention.
type InterventionResult string

const (
	InterventionCompleted InterventionResult = "completed"
	InterventionRejected  InterventionResult = "rejected"
)

// Actor is the verified principal handed to the engine. Token verification
// happens upstream; the engine trusts these fields.
type Actor struct {
	ID     string `json:"id"`
	Role   Role   `json:"role"`
	AreaID string `json:"area_id,omitempty"`
}

// WorkOrder is the aggregate root. Version increments by exactly one per
// committed transition and is the compare-and-swap key.
type WorkOrder struct {
	ID                  string       `json:"id"`
	Title               string       `json:"title"`
	Description         string       `json:"description,omitempty"`
	WorkflowKind        WorkflowKind `json:"workflow_kind" enum:"manual,ai_sourced"`
	Status              Status       `json:"status" enum:"pending_dispatch,dispatched,processing,pending_review,pending_final_review,pending_reporter_confirm,confirmed_failed,completed,rejected,cancelled"`
	Priority            Priority     `json:"priority" enum:"urgent,important,normal"`
	AreaID              string       `json:"area_id"`
	CreatorID           *string      `json:"creator_id,omitempty"`
	InitialReporterID   *string      `json:"initial_reporter_id,omitempty"`
	AssigneeID          *string      `json:"assignee_id,omitempty"`
	SupervisorID        *string      `json:"supervisor_id,omitempty"`
	ReviewerID          *string      `json:"reviewer_id,omitempty"`
	FinalReviewerID     *string      `json:"final_reviewer_id,omitempty"`
	TimeoutIntervenerID *string      `json:"timeout_intervener_id,omitempty"`
	AlarmID             *string      `json:"alarm_id,omitempty"`
	Version             int64        `json:"version"`

	CreatedAt           string  `json:"created_at" format:"date-time"`
	UpdatedAt           string  `json:"updated_at" format:"date-time"`
	DispatchedAt        *string `json:"dispatched_at,omitempty" format:"date-time"`
	StartedAt           *string `json:"started_at,omitempty" format:"date-time"`
	SubmittedAt         *string `json:"submitted_at,omitempty" format:"date-time"`
	ReviewedAt          *string `json:"reviewed_at,omitempty" format:"date-time"`
	ReporterConfirmedAt *string `json:"reporter_confirmed_at,omitempty" format:"date-time"`
	CompletedAt         *string `json:"completed_at,omitempty" format:"date-time"`
}

// StatusHistoryEntry is the append-only audit trail, one row per committed
// transition, keyed (workorder_id, version).
type StatusHistoryEntry struct {
	WorkOrderID string  `json:"workorder_id"`
	Version     int64   `json:"version"`
	FromStatus  *Status `json:"from_status,omitempty"`
	ToStatus    Status  `json:"to_status"`
	Action      Action  `json:"action"`
	ActorID     string  `json:"actor_id"`
	Note        string  `json:"note,omitempty"`
	OccurredAt  string  `json:"occurred_at" format:"date-time"`
}

// ProcessingResult is created once per processing cycle and re-created when a
// rejected review loops the order back to processing.
type ProcessingResult struct {
	ID           string   `json:"id"`
	WorkOrderID  string   `json:"workorder_id"`
	Method       string   `json:"method,omitempty"`
	Description  string   `json:"description"`
	BeforeMedia  []string `json:"before_media,omitempty"`
	AfterMedia   []string `json:"after_media"`
	NeedFollowup bool     `json:"need_followup,omitempty"`
	SubmittedBy  string   `json:"submitted_by"`
	SubmittedAt  string   `json:"submitted_at" format:"date-time"`
}

// User is the minimal roster entry the gate consults at dispatch time.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Role      Role   `json:"role"`
	AreaID    string `json:"area_id,omitempty"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Event is an audit log entry written in the same transaction as the change
// it records.
type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	WorkOrderID string `json:"workorder_id,omitempty"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload_json"`
}

// APIKey authenticates machine callers such as the AI alarm ingester.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Event types emitted to the outward publisher after a commit.
const (
	EventOrderCreated    = "workorder.created"
	EventOrderDispatched = "workorder.dispatched"
	EventOrderStarted    = "workorder.started"
	EventOrderSubmitted  = "workorder.submitted"
	EventOrderReviewed   = "workorder.reviewed"
	EventOrderConfirmed  = "workorder.confirmed"
	EventOrderCompleted  = "workorder.completed"
	EventOrderRejected   = "workorder.rejected"
	EventOrderReassigned = "workorder.reassigned"
	EventOrderCancelled  = "workorder.cancelled"
	EventOrderEscalated  = "workorder.escalated"
)
