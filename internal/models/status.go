package models

// ReservationStatus is the lifecycle state of a reservation
type ReservationStatus string

// Reservation statuses
const (
	ReservationStatusPending   ReservationStatus = "PENDING"
	ReservationStatusConfirmed ReservationStatus = "CONFIRMED"
	ReservationStatusCheckedIn ReservationStatus = "CHECKED_IN"
	ReservationStatusCompleted ReservationStatus = "COMPLETED"
	ReservationStatusCancelled ReservationStatus = "CANCELLED"
	ReservationStatusExpired   ReservationStatus = "EXPIRED"
	ReservationStatusNoShow    ReservationStatus = "NO_SHOW"
)

// ActiveReservationStatuses hold a spot window and take part in overlap checks
var ActiveReservationStatuses = []ReservationStatus{
	ReservationStatusPending,
	ReservationStatusConfirmed,
	ReservationStatusCheckedIn,
}

var reservationTransitions = map[ReservationStatus][]ReservationStatus{
	ReservationStatusPending:   {ReservationStatusConfirmed, ReservationStatusCancelled, ReservationStatusExpired},
	ReservationStatusConfirmed: {ReservationStatusCheckedIn, ReservationStatusCancelled, ReservationStatusExpired, ReservationStatusNoShow},
	ReservationStatusCheckedIn: {ReservationStatusCompleted, ReservationStatusCancelled},
}

// CanTransitionTo reports whether the reservation state machine allows s -> next
func (s ReservationStatus) CanTransitionTo(next ReservationStatus) bool {
	for _, allowed := range reservationTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsActive reports whether the reservation still holds its window
func (s ReservationStatus) IsActive() bool {
	for _, active := range ActiveReservationStatuses {
		if s == active {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible
func (s ReservationStatus) IsTerminal() bool {
	return len(reservationTransitions[s]) == 0
}

// SessionStatus is the lifecycle state of a charging session
type SessionStatus string

// Session statuses
const (
	SessionStatusPending    SessionStatus = "PENDING"
	SessionStatusInProgress SessionStatus = "IN_PROGRESS"
	SessionStatusCompleted  SessionStatus = "COMPLETED"
	SessionStatusFailed     SessionStatus = "FAILED"
	SessionStatusCancelled  SessionStatus = "CANCELLED"
)

// ActiveSessionStatuses occupy a spot; at most one session per spot may be in them
var ActiveSessionStatuses = []SessionStatus{
	SessionStatusPending,
	SessionStatusInProgress,
}

var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionStatusPending:    {SessionStatusInProgress, SessionStatusCancelled, SessionStatusFailed},
	SessionStatusInProgress: {SessionStatusCompleted, SessionStatusFailed},
}

// CanTransitionTo reports whether the session state machine allows s -> next
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	for _, allowed := range sessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsActive reports whether the session occupies its spot
func (s SessionStatus) IsActive() bool {
	return s == SessionStatusPending || s == SessionStatusInProgress
}

// PaymentStatus is the lifecycle state of a payment transaction
type PaymentStatus string

// Payment statuses
const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusSucceeded PaymentStatus = "SUCCEEDED"
	PaymentStatusFailed    PaymentStatus = "FAILED"
	PaymentStatusRefunded  PaymentStatus = "REFUNDED"
)
