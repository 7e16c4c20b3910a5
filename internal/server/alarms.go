package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"riverops/internal/domain"
	"riverops/internal/engine"
	"riverops/internal/scheduler"
)

// Alarm ingestion is the machine entry point: the vision pipeline posts a
// detection and an AI-sourced workorder is raised in its area.

type alarmInput struct {
	Body struct {
		AlarmID     string `json:"alarm_id" minLength:"1"`
		Title       string `json:"title" minLength:"1" maxLength:"200"`
		Description string `json:"description,omitempty" maxLength:"4000"`
		Priority    string `json:"priority,omitempty" enum:"urgent,important,normal"`
		AreaID      string `json:"area_id" minLength:"1"`
	}
}

func registerAlarms(group *huma.Group, eng engine.Engine) {
	huma.Register(group, huma.Operation{
		OperationID:   "ingestAlarm",
		Method:        http.MethodPost,
		Path:          "/alarms",
		Summary:       "Ingest an AI vision alarm and raise an AI-sourced workorder",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *alarmInput) (*workOrderOutput, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		if p.Source != "apikey" && p.Actor.Role != domain.RoleAdmin {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "alarm ingestion requires an api key", nil)
		}
		o, err := eng.CreateFromAlarm(ctx, engine.CreateOptions{
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Priority:    domain.Priority(input.Body.Priority),
			AreaID:      input.Body.AreaID,
			AlarmID:     input.Body.AlarmID,
		}, p.Actor.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &workOrderOutput{Body: o}, nil
	})
}

type timeoutsOutput struct {
	Body struct {
		Items []stuckItem `json:"items"`
		Count int         `json:"count"`
	}
}

type stuckItem struct {
	WorkOrder    domain.WorkOrder `json:"workorder"`
	ElapsedHours int              `json:"elapsed_hours"`
	Severity     domain.Severity  `json:"severity" enum:"normal,high,critical"`
}

func registerTimeouts(group *huma.Group, sched *scheduler.Scheduler) {
	huma.Register(group, huma.Operation{
		OperationID: "listTimeouts",
		Method:      http.MethodGet,
		Path:        "/timeouts",
		Summary:     "List workorders past their reporter-confirmation deadline",
	}, func(ctx context.Context, _ *struct{}) (*timeoutsOutput, error) {
		actor, herr := actorFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		switch actor.Role {
		case domain.RoleAdmin, domain.RoleMonitorSupervisor, domain.RoleAreaSupervisor:
		default:
			return nil, newAPIError(http.StatusForbidden, "forbidden", "supervisor role required", nil)
		}
		stuck, err := sched.ListStuck(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := &timeoutsOutput{}
		for _, so := range stuck {
			if actor.Role == domain.RoleAreaSupervisor && so.Order.AreaID != actor.AreaID {
				continue
			}
			out.Body.Items = append(out.Body.Items, stuckItem{
				WorkOrder:    so.Order,
				ElapsedHours: so.ElapsedHours,
				Severity:     so.Severity,
			})
		}
		out.Body.Count = len(out.Body.Items)
		return out, nil
	})
}
