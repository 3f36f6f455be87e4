package core

import "errors"

var (
	// ErrRateLimited is returned by callers that turn a rejected Decision into an error.
	ErrRateLimited = errors.New("rate limited")
	// ErrQueueExpired is returned when a waiting-room entry is no longer valid.
	ErrQueueExpired = errors.New("queue entry expired")
	// ErrInvalidTicket covers consumed, expired, unknown or mismatched admission tickets.
	ErrInvalidTicket = errors.New("invalid admission ticket")
	// ErrInsufficientInventory is returned when a reservation would oversell a product.
	ErrInsufficientInventory = errors.New("insufficient inventory")
	// ErrReservationExpired is returned when committing a reservation past its TTL.
	ErrReservationExpired = errors.New("reservation expired")
	// ErrDownstreamUnavailable is returned when a store is failing or the breaker is open.
	ErrDownstreamUnavailable = errors.New("downstream unavailable")

	ErrAlreadyTerminal     = errors.New("reservation already terminal")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrQuotaNotFound       = errors.New("inventory quota not found")
	ErrUnknownSale         = errors.New("unknown sale")
	ErrInvalidQuantity     = errors.New("quantity must be positive")
	ErrInvalidCost         = errors.New("cost must be positive and within bucket capacity")
)

// IsDomainOutcome reports whether err is an expected business outcome rather
// than an infrastructure failure.
func IsDomainOutcome(err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrDownstreamUnavailable):
		return false
	case errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrQueueExpired),
		errors.Is(err, ErrInvalidTicket),
		errors.Is(err, ErrInsufficientInventory),
		errors.Is(err, ErrReservationExpired),
		errors.Is(err, ErrAlreadyTerminal),
		errors.Is(err, ErrReservationNotFound),
		errors.Is(err, ErrQuotaNotFound),
		errors.Is(err, ErrUnknownSale),
		errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, ErrInvalidCost):
		return true
	}
	return false
}
