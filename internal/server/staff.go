package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog"

	"curbkey/internal/engine"
	"curbkey/internal/repo"
	"curbkey/internal/scheduler"
	"curbkey/internal/stats"
)

func registerVenues(api huma.API, e engine.Engine, st *stats.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-venue",
		Method:        http.MethodPost,
		Path:          "/venues",
		Summary:       "Create venue",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateVenueRequest `json:"body"`
	}) (*struct {
		Body VenueResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		v, err := e.CreateVenue(ctx, input.Body.ID, input.Body.Name, input.Body.Timezone)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VenueResponse `json:"body"`
		}{Body: venueResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-exit",
		Method:        http.MethodPost,
		Path:          "/venues/{id}/exits",
		Summary:       "Create exit",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body CreateExitRequest `json:"body"`
	}) (*struct {
		Body ExitResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		ex, err := e.CreateExit(ctx, input.ID, input.Body.Code, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExitResponse `json:"body"`
		}{Body: exitResponse(ex)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-exits",
		Method:      http.MethodGet,
		Path:        "/venues/{id}/exits",
		Summary:     "List exits",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID         string `path:"id"`
		ActiveOnly bool   `query:"active_only"`
	}) (*struct {
		Body []ExitResponse `json:"body"`
	}, error) {
		exits, err := e.Repo.ListExits(ctx, input.ID, input.ActiveOnly)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ExitResponse, 0, len(exits))
		for _, ex := range exits {
			res = append(res, exitResponse(ex))
		}
		return &struct {
			Body []ExitResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-exit-active",
		Method:      http.MethodPatch,
		Path:        "/exits/{id}",
		Summary:     "Activate or deactivate an exit",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Active bool `json:"active"`
		} `json:"body"`
	}) (*struct {
		Body ExitResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := e.Repo.SetExitActive(ctx, input.ID, input.Body.Active); err != nil {
			return nil, handleError(err)
		}
		ex, err := e.Repo.GetExit(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExitResponse `json:"body"`
		}{Body: exitResponse(ex)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-zone",
		Method:        http.MethodPost,
		Path:          "/venues/{id}/zones",
		Summary:       "Create zone",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body CreateZoneRequest `json:"body"`
	}) (*struct {
		Body ZoneResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		z, err := e.CreateZone(ctx, input.ID, input.Body.Label, input.Body.DefaultExitCode)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ZoneResponse `json:"body"`
		}{Body: zoneResponse(z)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "venue-stats",
		Method:      http.MethodGet,
		Path:        "/venues/{id}/stats",
		Summary:     "Exit statistics",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []ExitStatResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetVenue(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := st.ExitStats(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ExitStatResponse `json:"body"`
		}{Body: mapExitStats(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "venue-metrics",
		Method:      http.MethodGet,
		Path:        "/venues/{id}/metrics",
		Summary:     "Venue throughput metrics",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body VenueMetricsResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetVenue(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		m, err := st.VenueMetrics(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VenueMetricsResponse `json:"body"`
		}{Body: venueMetricsResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "venue-audit",
		Method:      http.MethodGet,
		Path:        "/venues/{id}/audit",
		Summary:     "Latest status events across the venue",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetVenue(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		events, err := e.Ledger.TailVenue(ctx, input.ID, 200)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(events)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-venue",
		Method:      http.MethodPost,
		Path:        "/venues/{id}/reset",
		Summary:     "Purge all demo data for a venue",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		n, err := e.ResetVenue(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"tickets_purged": n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "venue-recommendation",
		Method:      http.MethodGet,
		Path:        "/venues/{id}/recommendation",
		Summary:     "Recommended pickup exit, best first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []ExitStatResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetVenue(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := st.Recommend(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ExitStatResponse `json:"body"`
		}{Body: mapExitStats(items)}, nil
	})
}

func registerStaffRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List requests",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TicketID string `query:"ticket_id"`
		ExitID   string `query:"exit_id"`
		Status   string `query:"status"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedRequests `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListRequests(ctx, repo.RequestFilters{
			TicketID:        input.TicketID,
			ExitID:          input.ExitID,
			Status:          input.Status,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedRequests{Items: []RequestResponse{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			items = items[:limit]
		}
		resp.Items = mapRequests(items)
		return &struct {
			Body paginatedRequests `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/assign",
		Summary:     "Assign a request to a valet",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body AssignRequest `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		assignee := input.Body.Assignee
		if assignee == "" {
			assignee = actorID
		}
		rq, err := e.Assign(ctx, input.ID, assignee, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(rq)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/advance",
		Summary:     "Advance a request through retrieval",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body AdvanceRequest `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rq, err := e.Advance(ctx, input.ID, input.Body.To, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(rq)}, nil
	})
}

func registerScheduler(api huma.API, e engine.Engine, log zerolog.Logger) {
	s := scheduler.New(e, log)
	huma.Register(api, huma.Operation{
		OperationID: "scheduler-tick",
		Method:      http.MethodPost,
		Path:        "/scheduler/tick",
		Summary:     "Promote due scheduled requests now",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		n, err := s.Tick(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"promoted": n}}, nil
	})
}

func registerOutbox(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-outbox",
		Method:      http.MethodGet,
		Path:        "/outbox",
		Summary:     "List notification outbox",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TicketID  string `query:"ticket_id"`
		RequestID string `query:"request_id"`
		State     string `query:"state"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []OutboxItemResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListOutbox(ctx, repo.OutboxFilters{
			TicketID:  input.TicketID,
			RequestID: input.RequestID,
			State:     input.State,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []OutboxItemResponse `json:"body"`
		}{Body: mapOutboxItems(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "drain-outbox",
		Method:      http.MethodPost,
		Path:        "/outbox/drain",
		Summary:     "Deliver pending notifications",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		State string `query:"state" enum:"PENDING,FAILED" default:"PENDING"`
		Limit int    `query:"limit"`
	}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		sent, failed, err := e.Notify.Drain(ctx, input.State, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"sent": sent, "failed": failed}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-outbox",
		Method:      http.MethodPost,
		Path:        "/outbox/retry",
		Summary:     "Requeue failed notifications",
	}, func(ctx context.Context, input *struct {
		OlderThanSeconds int `query:"older_than_seconds"`
		Limit            int `query:"limit"`
	}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		n, err := e.Notify.Retry(ctx, input.OlderThanSeconds, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"requeued": n}}, nil
	})
}
