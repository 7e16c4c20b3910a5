// Package engine executes workorder transitions end to end: permission gate,
// state machine, side effects, compare-and-swap persistence, audit history
// and outward domain events.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"riverops/internal/config"
	"riverops/internal/domain"
	"riverops/internal/engine/auth"
	"riverops/internal/events"
	"riverops/internal/metrics"
	"riverops/internal/repo"
	"riverops/internal/workflow"
)

var (
	// ErrMissingAssignee rejects a dispatch without a nominated assignee.
	ErrMissingAssignee = errors.New("dispatch requires an assignee")
	// ErrMissingEvidence rejects a review submission without a result
	// description and at least one after-media reference.
	ErrMissingEvidence = errors.New("submit_for_review requires a result description and after media")
	// ErrBadIntervention rejects an unknown timeout intervention result.
	ErrBadIntervention = errors.New("intervention result must be completed or rejected")
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Gate      auth.Gate
	Publisher events.Publisher
	Config    *config.Config
	Now       func() time.Time
	NewID     func() string
	Logger    *log.Logger
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:        db,
		Repo:      r,
		Events:    events.Writer{DB: db},
		Gate:      auth.Gate{Roster: r},
		Publisher: events.NopPublisher{},
		Config:    cfg,
		Now:       time.Now,
		NewID:     uuid.NewString,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// writer hands out the event writer on the engine's clock, so event
// timestamps match the order and history rows written in the same
// transaction.
func (e Engine) writer() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// ResultInput carries the processing evidence attached to submit_for_review.
type ResultInput struct {
	Method       string   `json:"method,omitempty"`
	Description  string   `json:"description"`
	BeforeMedia  []string `json:"before_media,omitempty"`
	AfterMedia   []string `json:"after_media"`
	NeedFollowup bool     `json:"need_followup,omitempty"`
}

// ApplyRequest is the transition-request contract, transport-independent.
type ApplyRequest struct {
	OrderID    string
	Action     domain.Action
	Actor      domain.Actor
	Note       string
	AssigneeID string
	Result     *ResultInput
	// Intervention is the forced disposition for timeout_intervene.
	Intervention domain.InterventionResult
}

// Applied is the successful outcome: the updated snapshot and the event
// emitted for it.
type Applied struct {
	Order     domain.WorkOrder
	EventType string
}

// ApplyAction runs one transition. Domain failures return typed errors with
// no state mutation and no history entry; only a version conflict
// (repo.ErrVersionConflict) is worth retrying.
func (e Engine) ApplyAction(ctx context.Context, req ApplyRequest) (Applied, error) {
	order, err := e.Repo.GetWorkOrder(ctx, req.OrderID)
	if err != nil {
		return Applied{}, err
	}

	if req.Action == domain.ActionDispatch && req.AssigneeID == "" {
		return Applied{}, ErrMissingAssignee
	}

	if err := e.Gate.CanPerform(ctx, req.Actor, req.Action, order, req.AssigneeID); err != nil {
		var denied auth.DeniedError
		if errors.As(err, &denied) {
			metrics.Denials.WithLabelValues(string(denied.Reason)).Inc()
		}
		return Applied{}, err
	}

	if req.Action == domain.ActionTimeoutIntervene {
		switch req.Intervention {
		case domain.InterventionCompleted, domain.InterventionRejected:
		default:
			return Applied{}, ErrBadIntervention
		}
	}

	next, err := workflow.Next(order.Status, req.Action, order.WorkflowKind, req.Intervention)
	if err != nil {
		return Applied{}, err
	}

	// Evidence is validated before any state change is attempted.
	var result *domain.ProcessingResult
	if req.Action == domain.ActionSubmitForReview {
		result, err = e.buildResult(order.ID, req)
		if err != nil {
			return Applied{}, err
		}
	}

	expected := order.Version
	from := order.Status
	now := e.now().UTC().Format(time.RFC3339)
	order.Status = next
	order.Version = expected + 1
	order.UpdatedAt = now
	e.applySideEffects(&order, req, now)

	eventType := eventTypeFor(req.Action, req.Intervention)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Applied{}, err
	}
	defer tx.Rollback()

	if result != nil {
		if err := e.Repo.InsertResult(ctx, tx, *result); err != nil {
			return Applied{}, fmt.Errorf("insert result: %w", err)
		}
	}
	if err := e.Repo.UpdateWorkOrderCAS(ctx, tx, order, expected); err != nil {
		if errors.Is(err, repo.ErrVersionConflict) {
			metrics.VersionConflicts.Inc()
		}
		return Applied{}, err
	}
	if err := e.Repo.AppendHistory(ctx, tx, domain.StatusHistoryEntry{
		WorkOrderID: order.ID,
		Version:     order.Version,
		FromStatus:  &from,
		ToStatus:    order.Status,
		Action:      req.Action,
		ActorID:     req.Actor.ID,
		Note:        req.Note,
		OccurredAt:  now,
	}); err != nil {
		return Applied{}, fmt.Errorf("append history: %w", err)
	}
	if err := e.writer().Append(ctx, tx, eventType, order.ID, req.Actor.ID, events.EventPayload{
		"action":      req.Action,
		"from_status": from,
		"to_status":   order.Status,
		"version":     order.Version,
	}); err != nil {
		return Applied{}, err
	}
	if err := tx.Commit(); err != nil {
		return Applied{}, err
	}

	metrics.Transitions.WithLabelValues(string(req.Action)).Inc()
	e.publish(eventType, order.ID, map[string]any{
		"from_status": string(from),
		"to_status":   string(order.Status),
		"priority":    string(order.Priority),
		"area_id":     order.AreaID,
	})
	return Applied{Order: order, EventType: eventType}, nil
}

// ApplyActionRetry retries ApplyAction on version conflicts with a fresh
// read each attempt, up to attempts tries.
func (e Engine) ApplyActionRetry(ctx context.Context, req ApplyRequest, attempts int) (Applied, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		applied, err := e.ApplyAction(ctx, req)
		if err == nil {
			return applied, nil
		}
		if !errors.Is(err, repo.ErrVersionConflict) {
			return Applied{}, err
		}
		lastErr = err
	}
	return Applied{}, lastErr
}

func (e Engine) buildResult(orderID string, req ApplyRequest) (*domain.ProcessingResult, error) {
	if req.Result == nil || req.Result.Description == "" || len(req.Result.AfterMedia) == 0 {
		return nil, ErrMissingEvidence
	}
	return &domain.ProcessingResult{
		ID:           e.newID(),
		WorkOrderID:  orderID,
		Method:       req.Result.Method,
		Description:  req.Result.Description,
		BeforeMedia:  req.Result.BeforeMedia,
		AfterMedia:   req.Result.AfterMedia,
		NeedFollowup: req.Result.NeedFollowup,
		SubmittedBy:  req.Actor.ID,
		SubmittedAt:  e.now().UTC().Format(time.RFC3339),
	}, nil
}

// applySideEffects mutates the action-specific fields. Timestamps are set the
// first time their transition fires and never edited after.
func (e Engine) applySideEffects(o *domain.WorkOrder, req ApplyRequest, now string) {
	setOnce := func(field **string) {
		if *field == nil {
			s := now
			*field = &s
		}
	}
	actorID := req.Actor.ID
	switch req.Action {
	case domain.ActionDispatch:
		o.AssigneeID = &req.AssigneeID
		o.SupervisorID = &actorID
		setOnce(&o.DispatchedAt)
	case domain.ActionStartProcessing:
		setOnce(&o.StartedAt)
	case domain.ActionSubmitForReview:
		setOnce(&o.SubmittedAt)
	case domain.ActionApproveReview, domain.ActionRejectReview:
		o.ReviewerID = &actorID
		setOnce(&o.ReviewedAt)
	case domain.ActionFinalApprove:
		o.FinalReviewerID = &actorID
		setOnce(&o.CompletedAt)
	case domain.ActionFinalReject:
		o.FinalReviewerID = &actorID
	case domain.ActionReporterConfirm:
		setOnce(&o.ReporterConfirmedAt)
		setOnce(&o.CompletedAt)
	case domain.ActionReporterReject:
		setOnce(&o.ReporterConfirmedAt)
	case domain.ActionTimeoutIntervene:
		o.TimeoutIntervenerID = &actorID
		if req.Intervention == domain.InterventionCompleted {
			setOnce(&o.CompletedAt)
		} else {
			o.AssigneeID = nil
		}
	case domain.ActionReassign:
		o.AssigneeID = nil
	}
}

func eventTypeFor(action domain.Action, result domain.InterventionResult) string {
	switch action {
	case domain.ActionDispatch:
		return domain.EventOrderDispatched
	case domain.ActionReject:
		return domain.EventOrderRejected
	case domain.ActionStartProcessing:
		return domain.EventOrderStarted
	case domain.ActionSubmitForReview:
		return domain.EventOrderSubmitted
	case domain.ActionApproveReview, domain.ActionRejectReview, domain.ActionFinalReject:
		return domain.EventOrderReviewed
	case domain.ActionFinalApprove:
		return domain.EventOrderCompleted
	case domain.ActionReporterConfirm:
		return domain.EventOrderCompleted
	case domain.ActionReporterReject:
		return domain.EventOrderConfirmed
	case domain.ActionTimeoutIntervene:
		return domain.EventOrderEscalated
	case domain.ActionReassign:
		return domain.EventOrderReassigned
	case domain.ActionCancel:
		return domain.EventOrderCancelled
	}
	return "workorder.updated"
}

func (e Engine) publish(eventType, orderID string, metadata map[string]any) {
	if e.Publisher == nil {
		return
	}
	if err := e.Publisher.Publish(eventType, orderID, metadata); err != nil {
		metrics.PublishFailures.Inc()
		e.logf("publish %s for %s: %v", eventType, orderID, err)
	}
}

// CreateOptions are parameters for raising a workorder.
type CreateOptions struct {
	Title       string
	Description string
	Priority    domain.Priority
	AreaID      string
	// AlarmID ties an AI-sourced order back to the detection that raised it.
	AlarmID string
}

// CreateManual raises a human-reported order. The reporter becomes the
// principal entitled to the confirmation step, fixed at creation.
func (e Engine) CreateManual(ctx context.Context, opts CreateOptions, reporter domain.Actor) (domain.WorkOrder, error) {
	if opts.AreaID == "" && reporter.AreaID != "" {
		opts.AreaID = reporter.AreaID
	}
	reporterID := reporter.ID
	o, err := e.create(ctx, opts, domain.KindManual, reporter.ID, &reporterID, nil)
	if err != nil {
		return o, err
	}
	return o, nil
}

// CreateFromAlarm raises an AI-sourced order. There is no human reporter, so
// creator stays empty and the alarm id marks the origin.
func (e Engine) CreateFromAlarm(ctx context.Context, opts CreateOptions, ingestActorID string) (domain.WorkOrder, error) {
	if opts.AlarmID == "" {
		return domain.WorkOrder{}, errors.New("alarm_id required")
	}
	alarmID := opts.AlarmID
	return e.create(ctx, opts, domain.KindAiSourced, ingestActorID, nil, &alarmID)
}

func (e Engine) create(ctx context.Context, opts CreateOptions, kind domain.WorkflowKind, actorID string, reporterID, alarmID *string) (domain.WorkOrder, error) {
	if opts.Title == "" {
		return domain.WorkOrder{}, errors.New("title is required")
	}
	if opts.AreaID == "" {
		return domain.WorkOrder{}, errors.New("area is required")
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityNormal
	}
	now := e.now().UTC().Format(time.RFC3339)
	o := domain.WorkOrder{
		ID:                e.newID(),
		Title:             opts.Title,
		Description:       opts.Description,
		WorkflowKind:      kind,
		Status:            domain.StatusPendingDispatch,
		Priority:          opts.Priority,
		AreaID:            opts.AreaID,
		InitialReporterID: reporterID,
		AlarmID:           alarmID,
		Version:           0,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if reporterID != nil {
		o.CreatorID = reporterID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return o, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertWorkOrder(ctx, tx, o); err != nil {
		return o, fmt.Errorf("insert workorder: %w", err)
	}
	if err := e.Repo.AppendHistory(ctx, tx, domain.StatusHistoryEntry{
		WorkOrderID: o.ID,
		Version:     0,
		ToStatus:    o.Status,
		Action:      "create",
		ActorID:     actorID,
		OccurredAt:  now,
	}); err != nil {
		return o, fmt.Errorf("append history: %w", err)
	}
	if err := e.writer().Append(ctx, tx, domain.EventOrderCreated, o.ID, actorID, events.EventPayload{
		"workflow_kind": o.WorkflowKind,
		"priority":      o.Priority,
		"area_id":       o.AreaID,
	}); err != nil {
		return o, err
	}
	if err := tx.Commit(); err != nil {
		return o, err
	}
	e.publish(domain.EventOrderCreated, o.ID, map[string]any{
		"workflow_kind": string(o.WorkflowKind),
		"priority":      string(o.Priority),
		"area_id":       o.AreaID,
	})
	return o, nil
}
