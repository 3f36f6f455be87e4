package server

import (
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/flashgate/flashgate/internal/core"
	apperrors "github.com/flashgate/flashgate/internal/errors"
	servermw "github.com/flashgate/flashgate/internal/server/middleware"
)

// HandleError central handler for all errors
func HandleError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, err, 0)
}

// handleError is HandleError plus the server's Retry-After hint for
// downstream outages.
func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, err, s.unavailableRetry)
}

func writeError(w http.ResponseWriter, r *http.Request, err error, retry time.Duration) {
	if retry > 0 && stderrors.Is(err, core.ErrDownstreamUnavailable) {
		w.Header().Set(servermw.RetryAfter, strconv.Itoa(servermw.RetryAfterSeconds(retry)))
	}
	apperrors.RespondWithError(w, r, err)
}
