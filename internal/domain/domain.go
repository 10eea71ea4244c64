package domain

import "time"

// TimeLayout is the canonical storage format for all timestamps. It is a
// fixed-width UTC layout so that string comparison in SQL matches
// chronological order (RFC3339Nano trims trailing zeros and would not).
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

const (
	StatusScheduled  = "SCHEDULED"
	StatusRequested  = "REQUESTED"
	StatusAssigned   = "ASSIGNED"
	StatusRetrieving = "RETRIEVING"
	StatusReady      = "READY"
	StatusPickedUp   = "PICKED_UP"
	StatusClosed     = "CLOSED"
	StatusCanceled   = "CANCELED"
)

// AllowedTransitions lists every legal status move. Cancellation is only
// possible while a request is still SCHEDULED; once a valet is working it
// runs to completion. PICKED_UP exists only transiently: advancing READY
// records PICKED_UP and immediately cascades to CLOSED within the same
// transaction. REQUESTED may skip ASSIGNED when a valet starts retrieving
// without claiming the request first.
var AllowedTransitions = map[string][]string{
	StatusScheduled:  {StatusRequested, StatusCanceled},
	StatusRequested:  {StatusAssigned, StatusRetrieving},
	StatusAssigned:   {StatusRetrieving},
	StatusRetrieving: {StatusReady},
	StatusReady:      {StatusPickedUp},
	StatusPickedUp:   {StatusClosed},
	StatusClosed:     {},
	StatusCanceled:   {},
}

func CanTransition(from, to string) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ActiveStatuses are the states in which a ticket is considered to have a
// retrieval in flight. At most one active request may exist per ticket.
var ActiveStatuses = []string{
	StatusScheduled, StatusRequested, StatusAssigned, StatusRetrieving, StatusReady,
}

func IsActive(status string) bool {
	for _, s := range ActiveStatuses {
		if s == status {
			return true
		}
	}
	return false
}

const (
	ChannelStub     = "STUB"
	ChannelEmail    = "EMAIL"
	ChannelSMS      = "SMS"
	ChannelWhatsApp = "WHATSAPP"
)

const (
	OutboxPending = "PENDING"
	OutboxSent    = "SENT"
	OutboxFailed  = "FAILED"
)

type Venue struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Timezone  string `json:"timezone,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Zone struct {
	ID            string  `json:"id"`
	VenueID       string  `json:"venue_id"`
	Label         string  `json:"label"`
	DefaultExitID *string `json:"default_exit_id,omitempty"`
}

type Exit struct {
	ID      string `json:"id"`
	VenueID string `json:"venue_id"`
	Code    string `json:"code"`
	Name    string `json:"name,omitempty"`
	Active  bool   `json:"active"`
}

type Ticket struct {
	ID                 string  `json:"id"`
	VenueID            string  `json:"venue_id"`
	ZoneID             *string `json:"zone_id,omitempty"`
	Token              string  `json:"token"`
	PlateHint          string  `json:"plate_hint,omitempty"`
	VehicleDescription string  `json:"vehicle_description,omitempty"`
	ClaimCode          string  `json:"-"`
	ClaimExpires       string  `json:"-"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	ClosedAt           *string `json:"closed_at,omitempty" format:"date-time"`
}

type Request struct {
	ID             string  `json:"id"`
	TicketID       string  `json:"ticket_id"`
	ExitID         string  `json:"exit_id"`
	ZoneID         *string `json:"zone_id,omitempty"`
	Status         string  `json:"status" enum:"SCHEDULED,REQUESTED,ASSIGNED,RETRIEVING,READY,PICKED_UP,CLOSED,CANCELED"`
	ScheduledFor   *string `json:"scheduled_for,omitempty" format:"date-time"`
	RequestedAt    *string `json:"requested_at,omitempty" format:"date-time"`
	ReadyAt        *string `json:"ready_at,omitempty" format:"date-time"`
	ClosedAt       *string `json:"closed_at,omitempty" format:"date-time"`
	AssignedTo     *string `json:"assigned_to,omitempty"`
	AssignedAt     *string `json:"assigned_at,omitempty" format:"date-time"`
	DeliveredBy    *string `json:"delivered_by,omitempty"`
	DeliveredAt    *string `json:"delivered_at,omitempty" format:"date-time"`
	IdempotencyKey *string `json:"-"`
	ClaimedBy      *string `json:"-"`
	ClaimedAt      *string `json:"-"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

type StatusEvent struct {
	ID         int64   `json:"id"`
	RequestID  string  `json:"request_id"`
	TicketID   string  `json:"ticket_id"`
	FromStatus *string `json:"from_status,omitempty"`
	ToStatus   string  `json:"to_status"`
	ActorID    string  `json:"actor_id"`
	Note       string  `json:"note,omitempty"`
	TS         string  `json:"ts" format:"date-time"`
}

type Subscription struct {
	ID        string `json:"id"`
	TicketID  string `json:"ticket_id"`
	Channel   string `json:"channel" enum:"STUB,EMAIL,SMS,WHATSAPP"`
	Target    string `json:"target"`
	IsActive  bool   `json:"is_active"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type OutboxItem struct {
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
	ClaimedAt   *string `json:"-"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	DeliveredAt *string `json:"delivered_at,omitempty" format:"date-time"`
}

type Tip struct {
	ID          string `json:"id"`
	RequestID   string `json:"request_id"`
	AmountCents int    `json:"amount_cents"`
	Currency    string `json:"currency"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// VenueMetrics summarizes a venue's retrieval throughput: how many
// requests are in flight and how long guests wait, from asking to the
// car at the exit and from asking to driving away.
type VenueMetrics struct {
	ActiveRequests   int     `json:"active_requests"`
	AvgReadySeconds  float64 `json:"avg_ready_seconds"`
	AvgPickupSeconds float64 `json:"avg_pickup_seconds"`
	ReadySamples     int     `json:"ready_samples"`
	PickupSamples    int     `json:"pickup_samples"`
}

// ExitStat is one row of the exit recommendation ranking. Score is the mean
// ready-to-pickup duration plus a per-request queue penalty; lower is better.
type ExitStat struct {
	ExitID       string  `json:"exit_id"`
	Code         string  `json:"code"`
	QueueLength  int     `json:"queue_length"`
	MeanReadySec float64 `json:"mean_ready_seconds"`
	SampleCount  int     `json:"sample_count"`
	Score        float64 `json:"score"`
}
