package models

import "time"

// Event types
const (
	EventTypeReservationCreated   = "RESERVATION_CREATED"
	EventTypeReservationConfirmed = "RESERVATION_CONFIRMED"
	EventTypeReservationCheckedIn = "RESERVATION_CHECKED_IN"
	EventTypeReservationCancelled = "RESERVATION_CANCELLED"
	EventTypeReservationExpired   = "RESERVATION_EXPIRED"
	EventTypeReservationNoShow    = "RESERVATION_NO_SHOW"
	EventTypeReservationCompleted = "RESERVATION_COMPLETED"
	EventTypeSessionStarted       = "SESSION_STARTED"
	EventTypeSessionProgress      = "SESSION_PROGRESS"
	EventTypeSessionCompleted     = "SESSION_COMPLETED"
	EventTypeSessionFailed        = "SESSION_FAILED"
	EventTypePaymentCreated       = "PAYMENT_CREATED"
	EventTypePaymentSucceeded     = "PAYMENT_SUCCEEDED"
	EventTypePaymentFailed        = "PAYMENT_FAILED"
	EventTypePaymentRefunded      = "PAYMENT_REFUNDED"
	EventTypeSpotStatusChanged    = "SPOT_STATUS_CHANGED"
)

// Entity types carried by transitions
const (
	EntityReservation = "reservation"
	EntitySession     = "session"
	EntityPayment     = "payment"
	EntitySpot        = "spot"
)

// Transition describes a state change that has already been committed
type Transition struct {
	EntityType string
	EntityID   int64
	EventType  string
	NewStatus  string
	UserID     int64
	StationID  int64
	SpotID     int64
	SessionID  int64
	// SpotVisible marks transitions that change what a station display shows
	SpotVisible bool
	Data        interface{}
}

// Event is the message delivered to one audience group
type Event struct {
	EventID    string      `json:"event_id"`
	Group      string      `json:"group"`
	EventType  string      `json:"event_type"`
	Sequence   int64       `json:"sequence"`
	Timestamp  time.Time   `json:"timestamp"`
	EntityType string      `json:"entity_type"`
	EntityID   int64       `json:"entity_id"`
	Status     string      `json:"status,omitempty"`
	Data       interface{} `json:"data,omitempty"`
}

// SpotStatusData is the payload of spot related events
type SpotStatusData struct {
	SpotID    int64      `json:"spot_id"`
	StationID int64      `json:"station_id"`
	Status    SpotStatus `json:"status"`
}

// ProgressData is the payload of SESSION_PROGRESS events
type ProgressData struct {
	SessionID  int64     `json:"session_id"`
	SOCPercent float64   `json:"soc_percent"`
	PowerKW    float64   `json:"power_kw"`
	EnergyKWh  float64   `json:"energy_kwh"`
	ETAMinutes int       `json:"eta_minutes"`
	RecordedAt time.Time `json:"recorded_at"`
}

// PaymentData is the payload of payment events
type PaymentData struct {
	PaymentID     int64  `json:"payment_id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	ReservationID *int64 `json:"reservation_id,omitempty"`
	SessionID     *int64 `json:"session_id,omitempty"`
	ProviderTxID  string `json:"provider_tx_id,omitempty"`
}
