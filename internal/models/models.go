package models

import "time"

// SpotStatus is the availability state of a charging spot
type SpotStatus string

// Spot statuses
const (
	SpotStatusAvailable   SpotStatus = "AVAILABLE"
	SpotStatusOccupied    SpotStatus = "OCCUPIED"
	SpotStatusMaintenance SpotStatus = "MAINTENANCE"
	SpotStatusOutOfOrder  SpotStatus = "OUT_OF_ORDER"
	SpotStatusReserved    SpotStatus = "RESERVED"
)

// ChargingSpot represents one physical charging position at a station
type ChargingSpot struct {
	ID                 int64      `db:"id" json:"id"`
	StationID          int64      `db:"station_id" json:"station_id"`
	Status             SpotStatus `db:"status" json:"status"`
	PowerKW            float64    `db:"power_kw" json:"power_kw"`
	PricePerKWh        int64      `db:"price_per_kwh" json:"price_per_kwh"`
	IsOnline           bool       `db:"is_online" json:"is_online"`
	MaintenancePending bool       `db:"maintenance_pending" json:"maintenance_pending"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

// Reservation represents a user's claim on a spot for a time window
type Reservation struct {
	ID                  int64             `db:"id" json:"id"`
	UserID              int64             `db:"user_id" json:"user_id"`
	SpotID              int64             `db:"spot_id" json:"spot_id"`
	StationID           int64             `db:"station_id" json:"station_id"`
	VehicleID           *int64            `db:"vehicle_id" json:"vehicle_id,omitempty"`
	StartTime           time.Time         `db:"start_time" json:"start_time"`
	EndTime             time.Time         `db:"end_time" json:"end_time"`
	Status              ReservationStatus `db:"status" json:"status"`
	ConfirmationCode    string            `db:"confirmation_code" json:"confirmation_code"`
	IsPrepaid           bool              `db:"is_prepaid" json:"is_prepaid"`
	EstimatedEnergyKWh  float64           `db:"estimated_energy_kwh" json:"estimated_energy_kwh"`
	EstimatedCost       int64             `db:"estimated_cost" json:"estimated_cost"`
	SpotHeld            bool              `db:"spot_held" json:"spot_held"`
	CostSettled         bool              `db:"cost_settled" json:"cost_settled"`
	SettlementPaymentID *int64            `db:"settlement_payment_id" json:"settlement_payment_id,omitempty"`
	CheckedInAt         *time.Time        `db:"checked_in_at" json:"checked_in_at,omitempty"`
	CancelledBy         string            `db:"cancelled_by" json:"cancelled_by,omitempty"`
	CancelReason        string            `db:"cancel_reason" json:"cancel_reason,omitempty"`
	CreatedAt           time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time         `db:"updated_at" json:"updated_at"`
}

// Overlaps reports whether the reservation window intersects [start, end).
// Touching endpoints do not overlap.
func (r *Reservation) Overlaps(start, end time.Time) bool {
	return r.StartTime.Before(end) && start.Before(r.EndTime)
}

// ChargingSession represents an active or finished charging event on a spot
type ChargingSession struct {
	ID                  int64         `db:"id" json:"id"`
	ReservationID       *int64        `db:"reservation_id" json:"reservation_id,omitempty"`
	UserID              int64         `db:"user_id" json:"user_id"`
	SpotID              int64         `db:"spot_id" json:"spot_id"`
	StationID           int64         `db:"station_id" json:"station_id"`
	VehicleID           *int64        `db:"vehicle_id" json:"vehicle_id,omitempty"`
	StartedAt           time.Time     `db:"started_at" json:"started_at"`
	EndedAt             *time.Time    `db:"ended_at" json:"ended_at,omitempty"`
	EnergyKWh           float64       `db:"energy_kwh" json:"energy_kwh"`
	PricePerKWh         int64         `db:"price_per_kwh" json:"price_per_kwh"`
	TotalAmount         int64         `db:"total_amount" json:"total_amount"`
	PaymentMethod       PaymentMethod `db:"payment_method" json:"payment_method"`
	Status              SessionStatus `db:"status" json:"status"`
	FailureReason       string        `db:"failure_reason" json:"failure_reason,omitempty"`
	PaymentSettled      bool          `db:"payment_settled" json:"payment_settled"`
	SettlementPaymentID *int64        `db:"settlement_payment_id" json:"settlement_payment_id,omitempty"`
	CreatedAt           time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time     `db:"updated_at" json:"updated_at"`
}

// SessionProgress is one point of the append-only charging telemetry series
type SessionProgress struct {
	ID         int64     `db:"id" json:"id"`
	SessionID  int64     `db:"session_id" json:"session_id"`
	SOCPercent float64   `db:"soc_percent" json:"soc_percent"`
	PowerKW    float64   `db:"power_kw" json:"power_kw"`
	EnergyKWh  float64   `db:"energy_kwh" json:"energy_kwh"`
	ETAMinutes int       `db:"eta_minutes" json:"eta_minutes"`
	RecordedAt time.Time `db:"recorded_at" json:"recorded_at"`
}

// PaymentTransaction represents a payment for a session or a prepaid reservation
type PaymentTransaction struct {
	ID            int64         `db:"id" json:"id"`
	UserID        int64         `db:"user_id" json:"user_id"`
	ReservationID *int64        `db:"reservation_id" json:"reservation_id,omitempty"`
	SessionID     *int64        `db:"session_id" json:"session_id,omitempty"`
	Amount        int64         `db:"amount" json:"amount"`
	Currency      string        `db:"currency" json:"currency"`
	Method        PaymentMethod `db:"method" json:"method"`
	Status        PaymentStatus `db:"status" json:"status"`
	ProviderTxID  string        `db:"provider_tx_id" json:"provider_tx_id,omitempty"`
	FailureReason string        `db:"failure_reason" json:"failure_reason,omitempty"`
	ProcessedAt   *time.Time    `db:"processed_at" json:"processed_at,omitempty"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at" json:"updated_at"`
}

// PaymentMethod identifies how a payment is collected
type PaymentMethod string

// Payment methods
const (
	PaymentMethodCash  PaymentMethod = "CASH"
	PaymentMethodVNPay PaymentMethod = "VNPAY"
	PaymentMethodMoMo  PaymentMethod = "MOMO"
)

// IsGateway reports whether the method redirects through an external gateway
func (m PaymentMethod) IsGateway() bool {
	return m == PaymentMethodVNPay || m == PaymentMethodMoMo
}

// Valid reports whether m is a known payment method
func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodCash || m.IsGateway()
}
