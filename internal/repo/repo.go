// Package repo persists workorder aggregates, their append-only status
// history, processing results, the user roster and API keys. Workorder writes
// use compare-and-swap on the version column; no other component touches
// these tables directly.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"riverops/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict means the stored version no longer matches the one
	// the caller read. Re-read and retry; every other error is final.
	ErrVersionConflict = errors.New("version conflict")
)

const workorderColumns = `id,title,COALESCE(description,''),workflow_kind,status,priority,area_id,
creator_id,initial_reporter_id,assignee_id,supervisor_id,reviewer_id,final_reviewer_id,
timeout_intervener_id,alarm_id,version,created_at,updated_at,dispatched_at,started_at,
submitted_at,reviewed_at,reporter_confirmed_at,completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkOrder(row rowScanner) (domain.WorkOrder, error) {
	var (
		o                                                  domain.WorkOrder
		creator, reporter, assignee, supervisor            sql.NullString
		reviewer, finalReviewer, intervener, alarm         sql.NullString
		dispatchedAt, startedAt, submittedAt, reviewedAt   sql.NullString
		reporterConfirmedAt, completedAt                   sql.NullString
	)
	err := row.Scan(&o.ID, &o.Title, &o.Description, &o.WorkflowKind, &o.Status, &o.Priority, &o.AreaID,
		&creator, &reporter, &assignee, &supervisor, &reviewer, &finalReviewer,
		&intervener, &alarm, &o.Version, &o.CreatedAt, &o.UpdatedAt, &dispatchedAt, &startedAt,
		&submittedAt, &reviewedAt, &reporterConfirmedAt, &completedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	o.CreatorID = fromNull(creator)
	o.InitialReporterID = fromNull(reporter)
	o.AssigneeID = fromNull(assignee)
	o.SupervisorID = fromNull(supervisor)
	o.ReviewerID = fromNull(reviewer)
	o.FinalReviewerID = fromNull(finalReviewer)
	o.TimeoutIntervenerID = fromNull(intervener)
	o.AlarmID = fromNull(alarm)
	o.DispatchedAt = fromNull(dispatchedAt)
	o.StartedAt = fromNull(startedAt)
	o.SubmittedAt = fromNull(submittedAt)
	o.ReviewedAt = fromNull(reviewedAt)
	o.ReporterConfirmedAt = fromNull(reporterConfirmedAt)
	o.CompletedAt = fromNull(completedAt)
	return o, nil
}

func (r Repo) GetWorkOrder(ctx context.Context, id string) (domain.WorkOrder, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+workorderColumns+` FROM workorders WHERE id=?`, id)
	return scanWorkOrder(row)
}

// InsertWorkOrder writes a fresh aggregate at version 0 together with its
// creation history entry.
func (r Repo) InsertWorkOrder(ctx context.Context, tx *sql.Tx, o domain.WorkOrder) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workorders(id,title,description,workflow_kind,status,priority,area_id,
creator_id,initial_reporter_id,assignee_id,supervisor_id,reviewer_id,final_reviewer_id,
timeout_intervener_id,alarm_id,version,created_at,updated_at,dispatched_at,started_at,
submitted_at,reviewed_at,reporter_confirmed_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.Title, nullable(o.Description), o.WorkflowKind, o.Status, o.Priority, o.AreaID,
		toNull(o.CreatorID), toNull(o.InitialReporterID), toNull(o.AssigneeID), toNull(o.SupervisorID),
		toNull(o.ReviewerID), toNull(o.FinalReviewerID), toNull(o.TimeoutIntervenerID), toNull(o.AlarmID),
		o.Version, o.CreatedAt, o.UpdatedAt, toNull(o.DispatchedAt), toNull(o.StartedAt),
		toNull(o.SubmittedAt), toNull(o.ReviewedAt), toNull(o.ReporterConfirmedAt), toNull(o.CompletedAt))
	return err
}

// UpdateWorkOrderCAS writes the aggregate back, guarded by the version the
// caller read. Exactly one writer can win a given (id, version) pair; the
// loser gets ErrVersionConflict. o.Version must already hold the incremented
// value (expected+1).
func (r Repo) UpdateWorkOrderCAS(ctx context.Context, tx *sql.Tx, o domain.WorkOrder, expected int64) error {
	if o.Version != expected+1 {
		return fmt.Errorf("version must increment by exactly 1 (got %d, expected %d)", o.Version, expected+1)
	}
	res, err := tx.ExecContext(ctx, `UPDATE workorders SET
title=?, description=?, status=?, priority=?, area_id=?,
assignee_id=?, supervisor_id=?, reviewer_id=?, final_reviewer_id=?, timeout_intervener_id=?,
version=?, updated_at=?, dispatched_at=?, started_at=?, submitted_at=?, reviewed_at=?,
reporter_confirmed_at=?, completed_at=?
WHERE id=? AND version=?`,
		o.Title, nullable(o.Description), o.Status, o.Priority, o.AreaID,
		toNull(o.AssigneeID), toNull(o.SupervisorID), toNull(o.ReviewerID), toNull(o.FinalReviewerID), toNull(o.TimeoutIntervenerID),
		o.Version, o.UpdatedAt, toNull(o.DispatchedAt), toNull(o.StartedAt), toNull(o.SubmittedAt), toNull(o.ReviewedAt),
		toNull(o.ReporterConfirmedAt), toNull(o.CompletedAt),
		o.ID, expected)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM workorders WHERE id=?`, o.ID).Scan(&exists); err == sql.ErrNoRows {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		return ErrVersionConflict
	}
	return nil
}

// ListFilter narrows ListWorkOrders. Zero values mean no constraint.
type ListFilter struct {
	Status   domain.Status
	Kind     domain.WorkflowKind
	AreaID   string
	Assignee string
	Reporter string
	Limit    int
	Offset   int
}

func (r Repo) ListWorkOrders(ctx context.Context, f ListFilter) ([]domain.WorkOrder, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		clauses = append(clauses, "workflow_kind=?")
		args = append(args, f.Kind)
	}
	if f.AreaID != "" {
		clauses = append(clauses, "area_id=?")
		args = append(args, f.AreaID)
	}
	if f.Assignee != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.Assignee)
	}
	if f.Reporter != "" {
		clauses = append(clauses, "initial_reporter_id=?")
		args = append(args, f.Reporter)
	}
	query := `SELECT ` + workorderColumns + ` FROM workorders`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
		if f.Offset > 0 {
			query += fmt.Sprintf(` OFFSET %d`, f.Offset)
		}
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkOrder
	for rows.Next() {
		o, err := scanWorkOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// ListStuckReporterConfirm returns manual orders that have been waiting for
// reporter confirmation since before cutoff (RFC3339). The wait is measured
// from updated_at, which the approving review set when the order entered the
// state.
func (r Repo) ListStuckReporterConfirm(ctx context.Context, cutoff string) ([]domain.WorkOrder, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+workorderColumns+` FROM workorders
WHERE status=? AND workflow_kind=? AND updated_at < ?
ORDER BY updated_at ASC`, domain.StatusPendingReporterConfirm, domain.KindManual, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkOrder
	for rows.Next() {
		o, err := scanWorkOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// AppendHistory records one committed transition. The (workorder_id, version)
// primary key makes double-appends for the same transition impossible.
func (r Repo) AppendHistory(ctx context.Context, tx *sql.Tx, h domain.StatusHistoryEntry) error {
	var from any
	if h.FromStatus != nil {
		from = string(*h.FromStatus)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO workorder_status_history(workorder_id,version,from_status,to_status,action,actor_id,note,occurred_at)
VALUES (?,?,?,?,?,?,?,?)`,
		h.WorkOrderID, h.Version, from, h.ToStatus, h.Action, h.ActorID, nullable(h.Note), h.OccurredAt)
	return err
}

func (r Repo) ListHistory(ctx context.Context, workorderID string) ([]domain.StatusHistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT workorder_id,version,from_status,to_status,action,actor_id,COALESCE(note,''),occurred_at
FROM workorder_status_history WHERE workorder_id=? ORDER BY version ASC`, workorderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatusHistoryEntry
	for rows.Next() {
		var h domain.StatusHistoryEntry
		var from sql.NullString
		if err := rows.Scan(&h.WorkOrderID, &h.Version, &from, &h.ToStatus, &h.Action, &h.ActorID, &h.Note, &h.OccurredAt); err != nil {
			return nil, err
		}
		if from.Valid {
			s := domain.Status(from.String)
			h.FromStatus = &s
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

func (r Repo) InsertResult(ctx context.Context, tx *sql.Tx, p domain.ProcessingResult) error {
	before, err := marshalMedia(p.BeforeMedia)
	if err != nil {
		return err
	}
	after, err := marshalMedia(p.AfterMedia)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO workorder_results(id,workorder_id,method,description,before_media,after_media,need_followup,submitted_by,submitted_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.WorkOrderID, nullable(p.Method), p.Description, before, after, boolInt(p.NeedFollowup), p.SubmittedBy, p.SubmittedAt)
	return err
}

// LatestResult returns the result of the most recent processing cycle.
func (r Repo) LatestResult(ctx context.Context, workorderID string) (domain.ProcessingResult, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,workorder_id,COALESCE(method,''),description,before_media,after_media,need_followup,submitted_by,submitted_at
FROM workorder_results WHERE workorder_id=? ORDER BY submitted_at DESC, id DESC LIMIT 1`, workorderID)
	return scanResult(row)
}

func (r Repo) ListResults(ctx context.Context, workorderID string) ([]domain.ProcessingResult, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,workorder_id,COALESCE(method,''),description,before_media,after_media,need_followup,submitted_by,submitted_at
FROM workorder_results WHERE workorder_id=? ORDER BY submitted_at ASC, id ASC`, workorderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProcessingResult
	for rows.Next() {
		p, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func scanResult(row rowScanner) (domain.ProcessingResult, error) {
	var p domain.ProcessingResult
	var before, after sql.NullString
	var followup int
	err := row.Scan(&p.ID, &p.WorkOrderID, &p.Method, &p.Description, &before, &after, &followup, &p.SubmittedBy, &p.SubmittedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.NeedFollowup = followup != 0
	if p.BeforeMedia, err = unmarshalMedia(before); err != nil {
		return p, err
	}
	if p.AfterMedia, err = unmarshalMedia(after); err != nil {
		return p, err
	}
	return p, nil
}

func (r Repo) ListEvents(ctx context.Context, workorderID string, limit int) ([]domain.Event, error) {
	query := `SELECT id,ts,type,COALESCE(workorder_id,''),actor_id,payload_json FROM events`
	var args []any
	if workorderID != "" {
		query += ` WHERE workorder_id=?`
		args = append(args, workorderID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.WorkOrderID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func marshalMedia(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalMedia(v sql.NullString) ([]string, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func toNull(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func fromNull(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
