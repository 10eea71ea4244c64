package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"curbkey/internal/engine"
	"curbkey/internal/ratelimit"
)

func registerClaim(api huma.API, e engine.Engine, limiter *ratelimit.Limiter) {
	huma.Register(api, huma.Operation{
		OperationID: "claim-ticket",
		Method:      http.MethodPost,
		Path:        "/claim",
		Summary:     "Exchange a claim code for its ticket",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		Body ClaimRequest `json:"body"`
	}) (*struct {
		Body TicketResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Code == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "code is required", nil)
		}
		if limiter != nil && !limiter.Allow(clientIP(ctx)) {
			return nil, newAPIError(http.StatusTooManyRequests, "rate_limited", "too many claim attempts", nil)
		}
		t, err := e.ClaimTicket(ctx, input.Body.Code)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TicketResponse `json:"body"`
		}{Body: ticketResponse(t)}, nil
	})
}

func registerTickets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-ticket",
		Method:        http.MethodPost,
		Path:          "/tickets",
		Summary:       "Issue a ticket",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTicketRequest `json:"body"`
	}) (*struct {
		Body IssuedTicketResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.VenueID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "venue_id is required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTicket(ctx, engine.TicketCreateOptions{
			VenueID:            input.Body.VenueID,
			ZoneID:             input.Body.ZoneID,
			PlateHint:          input.Body.PlateHint,
			VehicleDescription: input.Body.VehicleDescription,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssuedTicketResponse `json:"body"`
		}{Body: issuedTicketResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-ticket",
		Method:      http.MethodGet,
		Path:        "/tickets/{id}",
		Summary:     "Get ticket",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TicketResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTicket(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TicketResponse `json:"body"`
		}{Body: ticketResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-ticket",
		Method:      http.MethodPatch,
		Path:        "/tickets/{id}",
		Summary:     "Update ticket vehicle details",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body UpdateTicketRequest `json:"body"`
	}) (*struct {
		Body TicketResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.PlateHint == nil && input.Body.VehicleDescription == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "nothing to update", nil)
		}
		t, err := e.UpdateTicketDetails(ctx, input.ID, input.Body.PlateHint, input.Body.VehicleDescription)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TicketResponse `json:"body"`
		}{Body: ticketResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "guest-ticket",
		Method:      http.MethodGet,
		Path:        "/t/{token}",
		Summary:     "Guest view of a ticket by its link token",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Token string `path:"token"`
	}) (*struct {
		Body GuestTicketResponse `json:"body"`
	}, error) {
		t, err := e.TicketByToken(ctx, input.Token)
		if err != nil {
			return nil, handleError(err)
		}
		exits, err := e.Repo.ListExits(ctx, t.VenueID, true)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ExitResponse, 0, len(exits))
		for _, ex := range exits {
			res = append(res, exitResponse(ex))
		}
		return &struct {
			Body GuestTicketResponse `json:"body"`
		}{Body: GuestTicketResponse{Ticket: ticketResponse(t), Exits: res}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "subscribe",
		Method:        http.MethodPost,
		Path:          "/tickets/{id}/subscriptions",
		Summary:       "Subscribe a notification target",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body SubscribeRequest `json:"body"`
	}) (*struct {
		Body SubscriptionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		s, err := e.Subscribe(ctx, input.ID, input.Body.Channel, input.Body.Target)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubscriptionResponse `json:"body"`
		}{Body: subscriptionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "unsubscribe",
		Method:        http.MethodDelete,
		Path:          "/tickets/{id}/subscriptions/{subID}",
		Summary:       "Mute a notification target",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		SubID string `path:"subID"`
	}) (*struct{}, error) {
		if err := e.Unsubscribe(ctx, input.ID, input.SubID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerGuestRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-request",
		Method:        http.MethodPost,
		Path:          "/tickets/{id}/requests",
		Summary:       "Open a retrieval request",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID             string                 `path:"id"`
		IdempotencyKey string                 `header:"Idempotency-Key"`
		Body           CreateRetrievalRequest `json:"body"`
	}) (*struct {
		Status int
		Body   RequestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rq, idempotent, err := e.CreateRequest(ctx, engine.RequestCreateOptions{
			TicketID:       input.ID,
			ExitCode:       input.Body.ExitCode,
			ZoneID:         input.Body.ZoneID,
			Auto:           input.Body.Auto,
			DelayMinutes:   input.Body.DelayMinutes,
			ScheduledFor:   input.Body.ScheduledFor,
			IdempotencyKey: input.IdempotencyKey,
			ActorID:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := requestResponse(rq)
		resp.Idempotent = idempotent
		status := http.StatusCreated
		if idempotent {
			status = http.StatusOK
		}
		return &struct {
			Status int
			Body   RequestResponse `json:"body"`
		}{Status: status, Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{id}",
		Summary:     "Get request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		rq, err := e.Repo.GetRequest(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(rq)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-events",
		Method:      http.MethodGet,
		Path:        "/requests/{id}/events",
		Summary:     "Request status history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetRequest(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		events, err := e.Ledger.History(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(events)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reschedule-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/reschedule",
		Summary:     "Reschedule a deferred request",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body RescheduleRequest `json:"body"`
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
		rq, err := e.Reschedule(ctx, input.ID, input.Body.DelayMinutes, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(rq)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/cancel",
		Summary:     "Cancel a request",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rq, err := e.Cancel(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(rq)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "tip-request",
		Method:        http.MethodPost,
		Path:          "/requests/{id}/tip",
		Summary:       "Record a tip",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string     `path:"id"`
		Body TipRequest `json:"body"`
	}) (*struct {
		Body TipResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		tip, err := e.RecordTip(ctx, input.ID, input.Body.AmountCents, input.Body.Currency)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TipResponse `json:"body"`
		}{Body: tipResponse(tip)}, nil
	})
}
