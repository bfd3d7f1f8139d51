// Package httputil writes JSON responses and maps domain error codes to HTTP
// statuses.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "trialrand/pkg/domain-errors"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

var statusByCode = map[dErrors.Code]int{
	dErrors.CodeBadRequest:           http.StatusBadRequest,
	dErrors.CodeMalformedRow:         http.StatusBadRequest,
	dErrors.CodeUnauthorized:         http.StatusUnauthorized,
	dErrors.CodeForbidden:            http.StatusForbidden,
	dErrors.CodeNotFound:             http.StatusNotFound,
	dErrors.CodeUnknownScheme:        http.StatusNotFound,
	dErrors.CodeUnknownSite:          http.StatusNotFound,
	dErrors.CodeConflict:             http.StatusConflict,
	dErrors.CodeDuplicateKey:         http.StatusConflict,
	dErrors.CodeDuplicateSubject:     http.StatusConflict,
	dErrors.CodeDuplicateScheme:      http.StatusConflict,
	dErrors.CodeAlreadyAllocated:     http.StatusConflict,
	dErrors.CodeInvalidState:         http.StatusConflict,
	dErrors.CodeListExhausted:        http.StatusUnprocessableEntity,
	dErrors.CodeListRejected:         http.StatusUnprocessableEntity,
	dErrors.CodeAllocationContention: http.StatusServiceUnavailable,
	dErrors.CodeTimeout:              http.StatusGatewayTimeout,
}

// StatusFor returns the HTTP status for err. Unknown errors are 500.
func StatusFor(err error) int {
	if status, ok := statusByCode[dErrors.CodeOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes err as an ErrorResponse. Messages of internal errors
// (including invalid assignments, which point at list corruption) are not
// returned to the caller.
func WriteError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	resp := ErrorResponse{Error: string(dErrors.CodeOf(err))}
	if status != http.StatusInternalServerError {
		var de *dErrors.Error
		if errors.As(err, &de) {
			resp.ErrorDescription = de.Message
		}
	}
	WriteJSON(w, status, resp)
}
