package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/jmcleod/gatewarden/session"
	"github.com/jmcleod/gatewarden/token"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// mapError renders errors from the token, session and conversion layers.
func mapError(w http.ResponseWriter, err error) {
	var refreshErr *session.RefreshError
	var upstreamErr *UpstreamError
	switch {
	case errors.As(err, &refreshErr):
		w.Header().Set(HeaderAuthStatus, authStatusFor(refreshErr.Status))
		writeError(w, http.StatusUnauthorized, unauthorizedMessage(refreshErr.Status))
	case errors.Is(err, token.ErrMalformed):
		w.Header().Set(HeaderAuthStatus, AuthStatusInvalid)
		writeError(w, http.StatusUnauthorized, "invalid token")
	case errors.Is(err, token.ErrInvalidIdentity), errors.Is(err, token.ErrUnknownKind):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &upstreamErr):
		writeError(w, http.StatusBadGateway, "conversion service failed")
	case errors.Is(err, errConversionInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON reads a size-limited JSON body into v. An empty body is
// accepted when allowEmpty is set. It writes the error response itself and
// reports whether the handler should continue.
func (a *API) decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return false
	}
	return true
}
