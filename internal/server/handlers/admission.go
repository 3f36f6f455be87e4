package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/flashgate/flashgate/internal/core"
	"github.com/flashgate/flashgate/internal/core/admission"
	"github.com/flashgate/flashgate/internal/core/ratelimit"
	apperrors "github.com/flashgate/flashgate/internal/errors"
)

// Admission is the slice of the admission gate served over HTTP. Rate limits
// are charged by middleware before these run.
type Admission interface {
	Enqueue(ctx context.Context, req ratelimit.Request, saleID string) (string, error)
	Poll(ctx context.Context, token string) (core.PollResult, error)
	Leave(ctx context.Context, token string) error
	SaleStatus(ctx context.Context, saleID string) (admission.SaleStatus, error)
	Hold(ctx context.Context, in admission.ReserveRequest) (core.Reservation, error)
	Reservation(ctx context.Context, id string) (core.Reservation, error)
	Commit(ctx context.Context, id string) (core.Reservation, error)
	Release(ctx context.Context, id string) (core.Reservation, error)
}

// RequestFunc extracts the caller of an HTTP request.
type RequestFunc func(r *http.Request) ratelimit.Request

// AdmissionAPI serves the waiting room and reservation endpoints.
type AdmissionAPI struct {
	gate              Admission
	request           RequestFunc
	collaboratorToken string
}

// AdmissionOption configures an AdmissionAPI.
type AdmissionOption func(*AdmissionAPI)

// WithCollaboratorToken mounts commit and release for callers presenting
// token as a bearer credential. Without a token those routes do not exist.
func WithCollaboratorToken(token string) AdmissionOption {
	return func(a *AdmissionAPI) {
		a.collaboratorToken = strings.TrimSpace(token)
	}
}

// NewAdmissionAPI binds the endpoints to gate. request resolves the caller
// identity the same way the rate limiter does.
func NewAdmissionAPI(gate Admission, request RequestFunc, opts ...AdmissionOption) *AdmissionAPI {
	a := &AdmissionAPI{gate: gate, request: request}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Routes mounts the endpoints on r.
func (a *AdmissionAPI) Routes(r chi.Router) {
	r.Route("/sales/{saleID}", func(r chi.Router) {
		r.Get("/", a.saleStatus)
		r.Post("/queue", a.join)
		r.Post("/reservations", a.reserve)
	})
	r.Route("/queue/{token}", func(r chi.Router) {
		r.Get("/", a.poll)
		r.Delete("/", a.leave)
	})
	r.Route("/reservations/{reservationID}", func(r chi.Router) {
		r.Get("/", a.reservation)
		if a.collaboratorToken == "" {
			return
		}
		r.With(a.requireCollaborator).Post("/commit", a.commit)
		r.With(a.requireCollaborator).Post("/release", a.release)
	})
}

// requireCollaborator admits only the order/payment service. Buyers hold
// reservations but never finalize them.
func (a *AdmissionAPI) requireCollaborator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(a.collaboratorToken)) != 1 {
			respondWithError(w, r, apperrors.NewUnauthorizedError("reservation commit and release require the collaborator token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// JoinResponse carries the waiting-room token.
type JoinResponse struct {
	Token string `json:"token"`
}

// ReserveBody is the payload of a reservation attempt.
type ReserveBody struct {
	ProductID string                `json:"product_id"`
	Quantity  int64                 `json:"quantity"`
	Ticket    *core.AdmissionTicket `json:"ticket"`
}

func (a *AdmissionAPI) join(w http.ResponseWriter, r *http.Request) {
	token, err := a.gate.Enqueue(r.Context(), a.request(r), chi.URLParam(r, "saleID"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeStatusJSON(w, http.StatusCreated, JoinResponse{Token: token})
}

func (a *AdmissionAPI) poll(w http.ResponseWriter, r *http.Request) {
	res, err := a.gate.Poll(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, res)
}

func (a *AdmissionAPI) leave(w http.ResponseWriter, r *http.Request) {
	if err := a.gate.Leave(r.Context(), chi.URLParam(r, "token")); err != nil {
		respondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *AdmissionAPI) saleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.gate.SaleStatus(r.Context(), chi.URLParam(r, "saleID"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, status)
}

func (a *AdmissionAPI) reserve(w http.ResponseWriter, r *http.Request) {
	var body ReserveBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&body); err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "request body is not valid JSON"))
		return
	}
	if body.Ticket == nil {
		respondWithError(w, r, core.ErrInvalidTicket)
		return
	}

	res, err := a.gate.Hold(r.Context(), admission.ReserveRequest{
		Request:   a.request(r),
		SaleID:    chi.URLParam(r, "saleID"),
		ProductID: body.ProductID,
		Quantity:  body.Quantity,
		Ticket:    body.Ticket,
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeStatusJSON(w, http.StatusCreated, res)
}

func (a *AdmissionAPI) reservation(w http.ResponseWriter, r *http.Request) {
	a.reservationOp(w, r, a.gate.Reservation)
}

func (a *AdmissionAPI) commit(w http.ResponseWriter, r *http.Request) {
	a.reservationOp(w, r, a.gate.Commit)
}

func (a *AdmissionAPI) release(w http.ResponseWriter, r *http.Request) {
	a.reservationOp(w, r, a.gate.Release)
}

func (a *AdmissionAPI) reservationOp(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (core.Reservation, error)) {
	res, err := op(r.Context(), chi.URLParam(r, "reservationID"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, res)
}

func writeStatusJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
