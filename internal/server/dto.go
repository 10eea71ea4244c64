package server

import (
	"curbkey/internal/domain"
)

// Request payloads

type ClaimRequest struct {
	Code string `json:"code"`
}

type CreateTicketRequest struct {
	VenueID            string `json:"venue_id"`
	ZoneID             string `json:"zone_id,omitempty"`
	PlateHint          string `json:"plate_hint,omitempty"`
	VehicleDescription string `json:"vehicle_description,omitempty"`
}

type UpdateTicketRequest struct {
	PlateHint          *string `json:"plate_hint,omitempty"`
	VehicleDescription *string `json:"vehicle_description,omitempty"`
}

type SubscribeRequest struct {
	Channel string `json:"channel" enum:"STUB,EMAIL,SMS,WHATSAPP"`
	Target  string `json:"target"`
}

type CreateRetrievalRequest struct {
	ExitCode     string `json:"exit_code,omitempty"`
	ZoneID       string `json:"zone_id,omitempty" doc:"Use the zone's default exit instead of naming one"`
	Auto         bool   `json:"auto,omitempty" doc:"Let the recommendation engine pick the exit"`
	DelayMinutes int    `json:"delay_minutes,omitempty"`
	ScheduledFor string `json:"scheduled_for,omitempty" doc:"Absolute activation time, overrides delay_minutes"`
}

type RescheduleRequest struct {
	DelayMinutes int `json:"delay_minutes"`
}

type AssignRequest struct {
	Assignee string `json:"assignee"`
}

type AdvanceRequest struct {
	To string `json:"to" enum:"RETRIEVING,READY,PICKED_UP"`
}

type TipRequest struct {
	AmountCents int    `json:"amount_cents"`
	Currency    string `json:"currency,omitempty"`
}

type CreateVenueRequest struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Timezone string `json:"timezone,omitempty"`
}

type CreateExitRequest struct {
	Code string `json:"code"`
	Name string `json:"name,omitempty"`
}

type CreateZoneRequest struct {
	Label           string `json:"label"`
	DefaultExitCode string `json:"default_exit_code,omitempty"`
}

// Response payloads

type TicketResponse struct {
	ID                 string  `json:"id"`
	VenueID            string  `json:"venue_id"`
	ZoneID             *string `json:"zone_id,omitempty"`
	Token              string  `json:"token"`
	PlateHint          string  `json:"plate_hint,omitempty"`
	VehicleDescription string  `json:"vehicle_description,omitempty"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	ClosedAt           *string `json:"closed_at,omitempty" format:"date-time"`
}

// GuestTicketResponse is what the guest link resolves to: the ticket
// plus the exits currently open for pickup.
type GuestTicketResponse struct {
	Ticket TicketResponse `json:"ticket"`
	Exits  []ExitResponse `json:"exits"`
}

type IssuedTicketResponse struct {
	TicketResponse
	ClaimCode    string `json:"claim_code"`
	ClaimExpires string `json:"claim_expires" format:"date-time"`
}

type RequestResponse struct {
	ID           string  `json:"id"`
	TicketID     string  `json:"ticket_id"`
	ExitID       string  `json:"exit_id"`
	ZoneID       *string `json:"zone_id,omitempty"`
	Status       string  `json:"status" enum:"SCHEDULED,REQUESTED,ASSIGNED,RETRIEVING,READY,PICKED_UP,CLOSED,CANCELED"`
	ScheduledFor *string `json:"scheduled_for,omitempty" format:"date-time"`
	RequestedAt  *string `json:"requested_at,omitempty" format:"date-time"`
	ReadyAt      *string `json:"ready_at,omitempty" format:"date-time"`
	ClosedAt     *string `json:"closed_at,omitempty" format:"date-time"`
	AssignedTo   *string `json:"assigned_to,omitempty"`
	AssignedAt   *string `json:"assigned_at,omitempty" format:"date-time"`
	DeliveredBy  *string `json:"delivered_by,omitempty"`
	DeliveredAt  *string `json:"delivered_at,omitempty" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
	Idempotent   bool    `json:"idempotent,omitempty"`
}

type EventResponse struct {
	ID         int64   `json:"id"`
	RequestID  string  `json:"request_id"`
	TicketID   string  `json:"ticket_id"`
	FromStatus *string `json:"from_status,omitempty"`
	ToStatus   string  `json:"to_status"`
	ActorID    string  `json:"actor_id"`
	Note       string  `json:"note,omitempty"`
	TS         string  `json:"ts" format:"date-time"`
}

type SubscriptionResponse struct {
	ID        string `json:"id"`
	TicketID  string `json:"ticket_id"`
	Channel   string `json:"channel"`
	Target    string `json:"target"`
	IsActive  bool   `json:"is_active"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type TipResponse struct {
	ID          string `json:"id"`
	RequestID   string `json:"request_id"`
	AmountCents int    `json:"amount_cents"`
	Currency    string `json:"currency"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type VenueResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Timezone  string `json:"timezone,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ExitResponse struct {
	ID      string `json:"id"`
	VenueID string `json:"venue_id"`
	Code    string `json:"code"`
	Name    string `json:"name,omitempty"`
	Active  bool   `json:"active"`
}

type ZoneResponse struct {
	ID            string  `json:"id"`
	VenueID       string  `json:"venue_id"`
	Label         string  `json:"label"`
	DefaultExitID *string `json:"default_exit_id,omitempty"`
}

type VenueMetricsResponse struct {
	ActiveRequests   int     `json:"active_requests"`
	AvgReadySeconds  float64 `json:"avg_ready_seconds"`
	AvgPickupSeconds float64 `json:"avg_pickup_seconds"`
	ReadySamples     int     `json:"ready_samples"`
	PickupSamples    int     `json:"pickup_samples"`
}

type ExitStatResponse struct {
	ExitID       string  `json:"exit_id"`
	Code         string  `json:"code"`
	QueueLength  int     `json:"queue_length"`
	MeanReadySec float64 `json:"mean_ready_seconds"`
	SampleCount  int     `json:"sample_count"`
	Score        float64 `json:"score"`
}

type OutboxItemResponse struct {
	ID          int64   `json:"id"`
	TicketID    string  `json:"ticket_id"`
	RequestID   string  `json:"request_id"`
	EventID     *int64  `json:"event_id,omitempty"`
	Channel     string  `json:"channel"`
	Target      string  `json:"target"`
	Body        string  `json:"body"`
	State       string  `json:"state" enum:"PENDING,SENT,FAILED"`
	RetryCount  int     `json:"retry_count"`
	LastError   *string `json:"last_error,omitempty"`
	ProviderRef *string `json:"provider_ref,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	DeliveredAt *string `json:"delivered_at,omitempty" format:"date-time"`
}

type paginatedRequests struct {
	Items      []RequestResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

// Converters

func ticketResponse(t domain.Ticket) TicketResponse {
	return TicketResponse{
		ID:                 t.ID,
		VenueID:            t.VenueID,
		ZoneID:             t.ZoneID,
		Token:              t.Token,
		PlateHint:          t.PlateHint,
		VehicleDescription: t.VehicleDescription,
		CreatedAt:          t.CreatedAt,
		ClosedAt:           t.ClosedAt,
	}
}

func issuedTicketResponse(t domain.Ticket) IssuedTicketResponse {
	return IssuedTicketResponse{
		TicketResponse: ticketResponse(t),
		ClaimCode:      t.ClaimCode,
		ClaimExpires:   t.ClaimExpires,
	}
}

func requestResponse(rq domain.Request) RequestResponse {
	return RequestResponse{
		ID:           rq.ID,
		TicketID:     rq.TicketID,
		ExitID:       rq.ExitID,
		ZoneID:       rq.ZoneID,
		Status:       rq.Status,
		ScheduledFor: rq.ScheduledFor,
		RequestedAt:  rq.RequestedAt,
		ReadyAt:      rq.ReadyAt,
		ClosedAt:     rq.ClosedAt,
		AssignedTo:   rq.AssignedTo,
		AssignedAt:   rq.AssignedAt,
		DeliveredBy:  rq.DeliveredBy,
		DeliveredAt:  rq.DeliveredAt,
		CreatedAt:    rq.CreatedAt,
		UpdatedAt:    rq.UpdatedAt,
	}
}

func mapRequests(items []domain.Request) []RequestResponse {
	res := make([]RequestResponse, 0, len(items))
	for _, rq := range items {
		res = append(res, requestResponse(rq))
	}
	return res
}

func eventResponse(ev domain.StatusEvent) EventResponse {
	return EventResponse{
		ID:         ev.ID,
		RequestID:  ev.RequestID,
		TicketID:   ev.TicketID,
		FromStatus: ev.FromStatus,
		ToStatus:   ev.ToStatus,
		ActorID:    ev.ActorID,
		Note:       ev.Note,
		TS:         ev.TS,
	}
}

func mapEvents(items []domain.StatusEvent) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, ev := range items {
		res = append(res, eventResponse(ev))
	}
	return res
}

func subscriptionResponse(s domain.Subscription) SubscriptionResponse {
	return SubscriptionResponse{
		ID:        s.ID,
		TicketID:  s.TicketID,
		Channel:   s.Channel,
		Target:    s.Target,
		IsActive:  s.IsActive,
		CreatedAt: s.CreatedAt,
	}
}

func tipResponse(t domain.Tip) TipResponse {
	return TipResponse{
		ID:          t.ID,
		RequestID:   t.RequestID,
		AmountCents: t.AmountCents,
		Currency:    t.Currency,
		CreatedAt:   t.CreatedAt,
	}
}

func venueResponse(v domain.Venue) VenueResponse {
	return VenueResponse{ID: v.ID, Name: v.Name, Timezone: v.Timezone, CreatedAt: v.CreatedAt}
}

func exitResponse(e domain.Exit) ExitResponse {
	return ExitResponse{ID: e.ID, VenueID: e.VenueID, Code: e.Code, Name: e.Name, Active: e.Active}
}

func zoneResponse(z domain.Zone) ZoneResponse {
	return ZoneResponse{ID: z.ID, VenueID: z.VenueID, Label: z.Label, DefaultExitID: z.DefaultExitID}
}

func venueMetricsResponse(m domain.VenueMetrics) VenueMetricsResponse {
	return VenueMetricsResponse{
		ActiveRequests:   m.ActiveRequests,
		AvgReadySeconds:  m.AvgReadySeconds,
		AvgPickupSeconds: m.AvgPickupSeconds,
		ReadySamples:     m.ReadySamples,
		PickupSamples:    m.PickupSamples,
	}
}

func exitStatResponse(s domain.ExitStat) ExitStatResponse {
	return ExitStatResponse{
		ExitID:       s.ExitID,
		Code:         s.Code,
		QueueLength:  s.QueueLength,
		MeanReadySec: s.MeanReadySec,
		SampleCount:  s.SampleCount,
		Score:        s.Score,
	}
}

func mapExitStats(items []domain.ExitStat) []ExitStatResponse {
	res := make([]ExitStatResponse, 0, len(items))
	for _, s := range items {
		res = append(res, exitStatResponse(s))
	}
	return res
}

func outboxItemResponse(it domain.OutboxItem) OutboxItemResponse {
	return OutboxItemResponse{
		ID:          it.ID,
		TicketID:    it.TicketID,
		RequestID:   it.RequestID,
		EventID:     it.EventID,
		Channel:     it.Channel,
		Target:      it.Target,
		Body:        it.Body,
		State:       it.State,
		RetryCount:  it.RetryCount,
		LastError:   it.LastError,
		ProviderRef: it.ProviderRef,
		CreatedAt:   it.CreatedAt,
		DeliveredAt: it.DeliveredAt,
	}
}

func mapOutboxItems(items []domain.OutboxItem) []OutboxItemResponse {
	res := make([]OutboxItemResponse, 0, len(items))
	for _, it := range items {
		res = append(res, outboxItemResponse(it))
	}
	return res
}
