// Package admission chains the rate limiter, the waiting room and the
// inventory engine into the flow a flash-sale client walks through.
package admission

import (
	"context"
	"errors"

	"github.com/flashgate/flashgate/internal/core"
	"github.com/flashgate/flashgate/internal/core/inventory"
	"github.com/flashgate/flashgate/internal/core/ratelimit"
	"github.com/flashgate/flashgate/internal/core/waitroom"
)

// Gate is the front door of a sale.
type Gate struct {
	limiter *ratelimit.Limiter
	room    *waitroom.Room
	engine  *inventory.Engine
}

// JoinResult is the outcome of Join. Token is empty when the caller was
// rate limited.
type JoinResult struct {
	Decision core.Decision `json:"decision"`
	Token    string        `json:"token,omitempty"`
}

// ReserveRequest is a reservation attempt by an admitted caller.
type ReserveRequest struct {
	Request   ratelimit.Request
	SaleID    string
	ProductID string
	Quantity  int64
	Ticket    *core.AdmissionTicket
}

// ReserveResult carries the rate limit decision alongside the reservation.
type ReserveResult struct {
	Decision    core.Decision     `json:"decision"`
	Reservation *core.Reservation `json:"reservation,omitempty"`
}

// SaleStatus is a point-in-time view of one sale.
type SaleStatus struct {
	Queue  core.QueueStats       `json:"queue"`
	Quotas []core.InventoryQuota `json:"quotas"`
}

// New builds a Gate. The limiter may be nil to disable rate limiting.
func New(limiter *ratelimit.Limiter, room *waitroom.Room, engine *inventory.Engine) (*Gate, error) {
	if room == nil || engine == nil {
		return nil, errors.New("admission gate needs a waiting room and an inventory engine")
	}
	return &Gate{limiter: limiter, room: room, engine: engine}, nil
}

// Limiter exposes the rate limiter.
func (g *Gate) Limiter() *ratelimit.Limiter { return g.limiter }

// Room exposes the waiting room.
func (g *Gate) Room() *waitroom.Room { return g.room }

// Engine exposes the inventory engine.
func (g *Gate) Engine() *inventory.Engine { return g.engine }

// Check applies the rate limits of req.
func (g *Gate) Check(ctx context.Context, req ratelimit.Request) (core.Decision, error) {
	return g.limiter.CheckRequest(ctx, req, 1)
}

// Join rate limits req and then places it in the sale's waiting room.
func (g *Gate) Join(ctx context.Context, req ratelimit.Request, saleID string) (JoinResult, error) {
	decision, err := g.Check(ctx, req)
	if err != nil {
		return JoinResult{}, err
	}
	if !decision.Allowed {
		return JoinResult{Decision: decision}, nil
	}
	token, err := g.Enqueue(ctx, req, saleID)
	if err != nil {
		return JoinResult{Decision: decision}, err
	}
	return JoinResult{Decision: decision, Token: token}, nil
}

// Enqueue places req in the waiting room without charging its rate limit.
// Callers that already ran Check, like the HTTP middleware, use it directly.
func (g *Gate) Enqueue(ctx context.Context, req ratelimit.Request, saleID string) (string, error) {
	return g.room.Enqueue(ctx, saleID, identityOf(req), req.Tier)
}

// Poll reports the waiting-room status of token.
func (g *Gate) Poll(ctx context.Context, token string) (core.PollResult, error) {
	return g.room.Poll(ctx, token)
}

// Leave gives up a place in the waiting room.
func (g *Gate) Leave(ctx context.Context, token string) error {
	return g.room.Leave(ctx, token)
}

// Reserve rate limits the caller and then reserves inventory with the
// admission ticket.
func (g *Gate) Reserve(ctx context.Context, in ReserveRequest) (ReserveResult, error) {
	decision, err := g.Check(ctx, in.Request)
	if err != nil {
		return ReserveResult{}, err
	}
	if !decision.Allowed {
		return ReserveResult{Decision: decision}, nil
	}
	r, err := g.Hold(ctx, in)
	if err != nil {
		return ReserveResult{Decision: decision}, err
	}
	return ReserveResult{Decision: decision, Reservation: &r}, nil
}

// Hold reserves inventory with the admission ticket without charging the
// caller's rate limit.
func (g *Gate) Hold(ctx context.Context, in ReserveRequest) (core.Reservation, error) {
	return g.engine.Reserve(ctx, inventory.ReserveInput{
		SaleID:    in.SaleID,
		ProductID: in.ProductID,
		Identity:  identityOf(in.Request),
		Quantity:  in.Quantity,
		Ticket:    in.Ticket,
	})
}

// Commit finalizes a reservation on behalf of the order service.
func (g *Gate) Commit(ctx context.Context, id string) (core.Reservation, error) {
	return g.engine.Commit(ctx, id)
}

// Reservation looks a reservation up by id.
func (g *Gate) Reservation(ctx context.Context, id string) (core.Reservation, error) {
	return g.engine.Get(ctx, id)
}

// SaleStatus reports the waiting room and inventory of a sale.
func (g *Gate) SaleStatus(ctx context.Context, saleID string) (SaleStatus, error) {
	stats, err := g.room.Stats(ctx, saleID)
	if err != nil {
		return SaleStatus{}, err
	}
	quotas, err := g.engine.Quotas(ctx, saleID)
	if err != nil {
		return SaleStatus{}, err
	}
	return SaleStatus{Queue: stats, Quotas: quotas}, nil
}

// Release cancels a reservation on behalf of the order service.
func (g *Gate) Release(ctx context.Context, id string) (core.Reservation, error) {
	return g.engine.Release(ctx, id)
}

// identityOf keys anonymous callers by address, matching the limiter.
func identityOf(req ratelimit.Request) string {
	if req.Identity != "" {
		return req.Identity
	}
	return "anon:" + req.IP
}
