package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"riverops/internal/domain"
	"riverops/internal/engine"
	"riverops/internal/repo"
)

func actorFromContext(ctx context.Context) (domain.Actor, huma.StatusError) {
	p, ok := principalFromContext(ctx)
	if !ok || p.Actor.ID == "" {
		return domain.Actor{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	return p.Actor, nil
}

type createWorkOrderInput struct {
	Body struct {
		Title       string `json:"title" minLength:"1" maxLength:"200"`
		Description string `json:"description,omitempty" maxLength:"4000"`
		Priority    string `json:"priority,omitempty" enum:"urgent,important,normal"`
		AreaID      string `json:"area_id,omitempty"`
	}
}

type workOrderOutput struct {
	Body domain.WorkOrder
}

type listWorkOrdersInput struct {
	Status   string `query:"status"`
	Kind     string `query:"kind" enum:"manual,ai_sourced,"`
	AreaID   string `query:"area_id"`
	Assignee string `query:"assignee_id"`
	Reporter string `query:"reporter_id"`
	Limit    int    `query:"limit" minimum:"0" maximum:"500"`
	Offset   int    `query:"offset" minimum:"0"`
}

type listWorkOrdersOutput struct {
	Body struct {
		Items []domain.WorkOrder `json:"items"`
		Count int                `json:"count"`
	}
}

type workOrderIDInput struct {
	ID string `path:"id"`
}

type historyOutput struct {
	Body struct {
		Items []domain.StatusHistoryEntry `json:"items"`
	}
}

type resultsOutput struct {
	Body struct {
		Items []domain.ProcessingResult `json:"items"`
	}
}

type applyActionInput struct {
	ID   string `path:"id"`
	Body struct {
		Action     string              `json:"action" enum:"dispatch,reject,start_processing,submit_for_review,approve_review,reject_review,final_approve,final_reject,reporter_confirm,reporter_reject,timeout_intervene,reassign,cancel"`
		Note       string              `json:"note,omitempty" maxLength:"2000"`
		AssigneeID string              `json:"assignee_id,omitempty"`
		Result     *engine.ResultInput `json:"result,omitempty"`
		// Intervention is consulted for timeout_intervene only.
		Intervention string `json:"intervention,omitempty" enum:"completed,rejected,"`
	}
}

type applyActionOutput struct {
	Body struct {
		WorkOrder domain.WorkOrder `json:"workorder"`
		Version   int64            `json:"version"`
		Event     string           `json:"event"`
	}
}

func registerWorkOrders(group *huma.Group, eng engine.Engine) {
	huma.Register(group, huma.Operation{
		OperationID:   "createWorkorder",
		Method:        http.MethodPost,
		Path:          "/workorders",
		Summary:       "Report a problem and raise a manual workorder",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *createWorkOrderInput) (*workOrderOutput, error) {
		actor, herr := actorFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		o, err := eng.CreateManual(ctx, engine.CreateOptions{
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Priority:    domain.Priority(input.Body.Priority),
			AreaID:      input.Body.AreaID,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &workOrderOutput{Body: o}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "listWorkorders",
		Method:      http.MethodGet,
		Path:        "/workorders",
		Summary:     "List workorders",
	}, func(ctx context.Context, input *listWorkOrdersInput) (*listWorkOrdersOutput, error) {
		if _, herr := actorFromContext(ctx); herr != nil {
			return nil, herr
		}
		limit := input.Limit
		if limit == 0 {
			limit = 100
		}
		items, err := eng.Repo.ListWorkOrders(ctx, repo.ListFilter{
			Status:   domain.Status(input.Status),
			Kind:     domain.WorkflowKind(input.Kind),
			AreaID:   input.AreaID,
			Assignee: input.Assignee,
			Reporter: input.Reporter,
			Limit:    limit,
			Offset:   input.Offset,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &listWorkOrdersOutput{}
		out.Body.Items = items
		out.Body.Count = len(items)
		return out, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "getWorkorder",
		Method:      http.MethodGet,
		Path:        "/workorders/{id}",
		Summary:     "Get a workorder",
	}, func(ctx context.Context, input *workOrderIDInput) (*workOrderOutput, error) {
		if _, herr := actorFromContext(ctx); herr != nil {
			return nil, herr
		}
		o, err := eng.Repo.GetWorkOrder(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &workOrderOutput{Body: o}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "getWorkorderHistory",
		Method:      http.MethodGet,
		Path:        "/workorders/{id}/history",
		Summary:     "Get the status history of a workorder",
	}, func(ctx context.Context, input *workOrderIDInput) (*historyOutput, error) {
		if _, herr := actorFromContext(ctx); herr != nil {
			return nil, herr
		}
		if _, err := eng.Repo.GetWorkOrder(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := eng.Repo.ListHistory(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &historyOutput{}
		out.Body.Items = items
		return out, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "getWorkorderResults",
		Method:      http.MethodGet,
		Path:        "/workorders/{id}/results",
		Summary:     "Get the processing results of a workorder",
	}, func(ctx context.Context, input *workOrderIDInput) (*resultsOutput, error) {
		if _, herr := actorFromContext(ctx); herr != nil {
			return nil, herr
		}
		if _, err := eng.Repo.GetWorkOrder(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := eng.Repo.ListResults(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &resultsOutput{}
		out.Body.Items = items
		return out, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "applyWorkorderAction",
		Method:      http.MethodPost,
		Path:        "/workorders/{id}/actions",
		Summary:     "Fire a lifecycle transition against a workorder",
	}, func(ctx context.Context, input *applyActionInput) (*applyActionOutput, error) {
		actor, herr := actorFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		applied, err := eng.ApplyAction(ctx, engine.ApplyRequest{
			OrderID:      input.ID,
			Action:       domain.Action(input.Body.Action),
			Actor:        actor,
			Note:         input.Body.Note,
			AssigneeID:   input.Body.AssigneeID,
			Result:       input.Body.Result,
			Intervention: domain.InterventionResult(input.Body.Intervention),
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &applyActionOutput{}
		out.Body.WorkOrder = applied.Order
		out.Body.Version = applied.Order.Version
		out.Body.Event = applied.EventType
		return out, nil
	})
}
