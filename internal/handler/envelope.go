package handler

import (
	"encoding/json"
	"net/http"

	"catia-session/internal/session"
)

// Response is the envelope every endpoint speaks. The conversational
// agent relays success, message and errorCode to the citizen verbatim.
type Response struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	ErrorCode string      `json:"errorCode,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Message: message,
		Data:    data,
	}
}

func errorResponse(err error) Response {
	return Response{
		Success:   false,
		Message:   err.Error(),
		ErrorCode: session.CodeOf(err),
	}
}

func respondWithJSON(w http.ResponseWriter, status int, payload Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, err error) {
	respondWithJSON(w, statusFor(session.CodeOf(err)), errorResponse(err))
}

// statusFor maps stable error codes to HTTP statuses.
func statusFor(code string) int {
	switch code {
	case session.CodeSessionNotFound, session.CodeSessionExpired,
		session.CodeOTPInvalid, session.CodeOTPExpired:
		return http.StatusUnauthorized
	case session.CodeOTPExhausted:
		return http.StatusTooManyRequests
	case session.CodeIdentityNotFound, session.CodeNoProperties, session.CodePropertyNotFound:
		return http.StatusNotFound
	case session.CodeLimitReached:
		return http.StatusConflict
	case session.CodeInvalidRequest:
		return http.StatusBadRequest
	case session.CodeUpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
