package entity

import "errors"

var (
	// ErrSequenceGap signals a book diff whose sequence number is not the
	// expected next value; the instrument's local book must be discarded and
	// refetched.
	ErrSequenceGap = errors.New("book diff sequence gap")

	// ErrStaleWrite signals a compare-and-set update that lost a race against
	// a newer state. Callers treat it as a no-op.
	ErrStaleWrite = errors.New("stale write: state already advanced")

	ErrOrderNotFound   = errors.New("order not found")
	ErrBalanceNotFound = errors.New("balance not found")
	ErrDuplicateOrder  = errors.New("order already exists")
	ErrGatewayNotFound = errors.New("gateway not found")
	ErrGatewayHalted   = errors.New("gateway halted by fatal failure")
)
