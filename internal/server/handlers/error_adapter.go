package handlers

import (
	"net/http"

	apperrors "github.com/flashgate/flashgate/internal/errors"
)

// ErrorResponder writes err to w as a JSON error envelope.
type ErrorResponder func(http.ResponseWriter, *http.Request, error)

var httpErrorResponder ErrorResponder = apperrors.RespondWithError

// SetHTTPErrorResponder installs the server's error writer. Nil restores the
// plain envelope writer.
func SetHTTPErrorResponder(responder ErrorResponder) {
	if responder == nil {
		responder = apperrors.RespondWithError
	}
	httpErrorResponder = responder
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}
