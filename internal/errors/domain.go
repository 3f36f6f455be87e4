package errors

import (
	"context"
	stderrors "errors"

	"github.com/fulmenhq/gofulmen/errors"

	"github.com/flashgate/flashgate/internal/core"
)

var domainCodes = []struct {
	target  error
	code    string
	message string
	// degraded marks infrastructure outcomes that are logged as warnings.
	degraded bool
}{
	{core.ErrRateLimited, CodeRateLimited, "rate limit exceeded", false},
	{core.ErrQueueExpired, CodeQueueExpired, "waiting room entry expired", false},
	{core.ErrInvalidTicket, CodeInvalidTicket, "admission ticket is not valid", false},
	{core.ErrInsufficientInventory, CodeInsufficientInventory, "not enough inventory", false},
	{core.ErrReservationExpired, CodeReservationExpired, "reservation expired", false},
	{core.ErrAlreadyTerminal, CodeConflict, "reservation already committed or released", false},
	{core.ErrReservationNotFound, CodeNotFound, "reservation not found", false},
	{core.ErrQuotaNotFound, CodeNotFound, "inventory quota not found", false},
	{core.ErrUnknownSale, CodeNotFound, "unknown sale", false},
	{core.ErrInvalidQuantity, CodeInvalidInput, "quantity must be positive", false},
	{core.ErrInvalidCost, CodeInvalidInput, "invalid request cost", false},
	{core.ErrDownstreamUnavailable, CodeServiceUnavailable, "service temporarily unavailable", true},
	{context.DeadlineExceeded, CodeTimeout, "request timed out", true},
}

// FromError maps err to an envelope. Domain sentinels get their own codes,
// envelopes pass through and anything else becomes INTERNAL_ERROR.
func FromError(ctx context.Context, err error) *errors.ErrorEnvelope {
	if err == nil {
		return EnsureEnvelope(nil)
	}
	var envelope *errors.ErrorEnvelope
	if stderrors.As(err, &envelope) && envelope != nil {
		return envelope
	}

	for _, dc := range domainCodes {
		if !stderrors.Is(err, dc.target) {
			continue
		}
		env := Wrap(ctx, dc.code, err, dc.message)
		if dc.degraded {
			if updated, sevErr := env.WithSeverity(errors.SeverityMedium); sevErr == nil {
				env = updated
			}
		}
		return env
	}

	env := EnsureEnvelope(err)
	if ctx != nil {
		env = EnsureCorrelationID(env, ctx)
	}
	return env
}
