package transport

import (
	"errors"
	"net/http"

	"github.com/jackymcgrady/ankicommunity-sync-server/internal/syncerr"
)

// errorBody is the JSON shape of a collection-endpoint failure.
type errorBody struct {
	Err string `json:"err"`
}

// statusFor maps an error kind to its HTTP status. The discovery probe's
// expected-auth reply is deliberately 400, not 403: clients show the
// credential dialog on it instead of an error.
func statusFor(err error) int {
	switch {
	case errors.Is(err, syncerr.ErrAuthRequired):
		return http.StatusBadRequest
	case errors.Is(err, syncerr.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, syncerr.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, syncerr.ErrBadRequest),
		errors.Is(err, syncerr.ErrSchemaLock),
		errors.Is(err, syncerr.ErrConflict):
		return http.StatusBadRequest
	case errors.Is(err, syncerr.ErrTemporary):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
