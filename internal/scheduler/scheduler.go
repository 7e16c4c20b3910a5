// Package scheduler runs the periodic sweep that forcibly resolves manual
// workorders stuck awaiting reporter confirmation past their deadline. It is
// just another caller of the engine contract: the same permission, version
// and history guarantees apply, and a CAS loss to a concurrent human
// confirmation is harmless.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"riverops/internal/config"
	"riverops/internal/domain"
	"riverops/internal/engine"
	"riverops/internal/metrics"
	"riverops/internal/repo"
)

type Scheduler struct {
	Engine engine.Engine
	Config *config.Config
	Logger *log.Logger

	cron *cron.Cron
}

func New(eng engine.Engine, cfg *config.Config) *Scheduler {
	return &Scheduler{Engine: eng, Config: cfg}
}

func (s *Scheduler) now() time.Time {
	if s.Engine.Now != nil {
		return s.Engine.Now()
	}
	return time.Now()
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Start schedules the sweep on the configured cron expression and begins
// running it in the background.
func (s *Scheduler) Start() error {
	if s.cron != nil {
		return errors.New("scheduler already started")
	}
	c := cron.New()
	_, err := c.AddFunc(s.Config.Escalation.Schedule, func() {
		report, err := s.Sweep(context.Background())
		if err != nil {
			s.logf("escalation sweep: %v", err)
			return
		}
		if report.Scanned > 0 {
			s.logf("escalation sweep: scanned=%d escalated=%d failed=%d", report.Scanned, report.Escalated, report.Failed)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep (%s): %w", s.Config.Escalation.Schedule, err)
	}
	s.cron = c
	c.Start()
	return nil
}

// Stop halts the cron loop and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
}

// Report summarizes one sweep run.
type Report struct {
	Scanned   int
	Escalated int
	Failed    int
}

// StuckOrder pairs an overdue order with its computed severity, for listing.
type StuckOrder struct {
	Order        domain.WorkOrder
	ElapsedHours int
	Severity     domain.Severity
}

// severityFor classifies elapsed waiting time: over 48h critical, over 24h
// high. Urgent orders are bumped one level, so an urgent order past its
// deadline is already critical. Reporting only, never affects legality.
func severityFor(elapsed time.Duration, priority domain.Priority) domain.Severity {
	var s domain.Severity
	switch {
	case elapsed > 48*time.Hour:
		s = domain.SeverityCritical
	case elapsed > 24*time.Hour:
		s = domain.SeverityHigh
	default:
		s = domain.SeverityNormal
	}
	if priority == domain.PriorityUrgent {
		switch s {
		case domain.SeverityNormal:
			s = domain.SeverityHigh
		case domain.SeverityHigh:
			s = domain.SeverityCritical
		}
	}
	return s
}

// ListStuck returns the orders currently past their confirmation deadline,
// with severities. Used by the sweep and by the timeout listing endpoint.
func (s *Scheduler) ListStuck(ctx context.Context) ([]StuckOrder, error) {
	now := s.now().UTC()
	cutoff := now.Add(-s.minDeadline()).Format(time.RFC3339)
	orders, err := s.Engine.Repo.ListStuckReporterConfirm(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	var stuck []StuckOrder
	for _, o := range orders {
		since, err := time.Parse(time.RFC3339, o.UpdatedAt)
		if err != nil {
			s.logf("order %s has unparseable updated_at %q, skipping", o.ID, o.UpdatedAt)
			continue
		}
		elapsed := now.Sub(since)
		if elapsed < s.Config.DeadlineFor(o.Priority) {
			continue
		}
		stuck = append(stuck, StuckOrder{
			Order:        o,
			ElapsedHours: int(elapsed / time.Hour),
			Severity:     severityFor(elapsed, o.Priority),
		})
	}
	return stuck, nil
}

// Sweep intervenes on every overdue order. One failed intervention never
// aborts the rest of the sweep; a version conflict just means a human
// confirmation landed first, which is the desired outcome anyway.
func (s *Scheduler) Sweep(ctx context.Context) (Report, error) {
	stuck, err := s.ListStuck(ctx)
	if err != nil {
		return Report{}, err
	}
	report := Report{Scanned: len(stuck)}
	for _, so := range stuck {
		actor, err := s.intervenerFor(ctx, so.Order)
		if err != nil {
			s.logf("no intervener for order %s (area %s): %v", so.Order.ID, so.Order.AreaID, err)
			report.Failed++
			continue
		}
		_, err = s.Engine.ApplyAction(ctx, engine.ApplyRequest{
			OrderID:      so.Order.ID,
			Action:       domain.ActionTimeoutIntervene,
			Actor:        actor,
			Note:         fmt.Sprintf("reporter confirmation overdue by %dh (severity %s)", so.ElapsedHours, so.Severity),
			Intervention: domain.InterventionResult(s.Config.Escalation.DefaultResult),
		})
		if err != nil {
			if errors.Is(err, repo.ErrVersionConflict) {
				s.logf("order %s changed during sweep, leaving it alone", so.Order.ID)
			} else {
				s.logf("intervene on order %s: %v", so.Order.ID, err)
				report.Failed++
			}
			continue
		}
		metrics.Escalations.WithLabelValues(string(so.Severity)).Inc()
		report.Escalated++
	}
	return report, nil
}

// intervenerFor resolves the acting principal: the area's supervisor when the
// roster has one, otherwise the configured fallback system actor.
func (s *Scheduler) intervenerFor(ctx context.Context, o domain.WorkOrder) (domain.Actor, error) {
	u, err := s.Engine.Repo.AreaSupervisor(ctx, o.AreaID)
	if err == nil {
		return domain.Actor{ID: u.ID, Role: domain.RoleAreaSupervisor, AreaID: u.AreaID}, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Actor{}, err
	}
	if s.Config.Escalation.FallbackActorID == "" {
		return domain.Actor{}, errors.New("area has no supervisor and no fallback actor configured")
	}
	return domain.Actor{ID: s.Config.Escalation.FallbackActorID, Role: domain.RoleAdmin}, nil
}

func (s *Scheduler) minDeadline() time.Duration {
	min := time.Duration(s.Config.Escalation.DeadlineHours) * time.Hour
	for _, h := range s.Config.Escalation.PriorityHours {
		if d := time.Duration(h) * time.Hour; d < min {
			min = d
		}
	}
	return min
}
