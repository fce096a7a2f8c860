package models

import "errors"

// Persistence errors shared by the store implementations
var (
	ErrNotFound            = errors.New("record not found")
	ErrSpotConflict        = errors.New("spot status changed concurrently")
	ErrDuplicateCode       = errors.New("confirmation code already in use")
	ErrDuplicateSettlement = errors.New("target already settled by another payment")
	ErrActiveSessionExists = errors.New("spot already has an active session")
)
