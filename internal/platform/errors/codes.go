// Package errors provides structured errors for the proctoring service.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Connection errors
	CodeHandshakeRejected Code = "HANDSHAKE_REJECTED"
	CodeTransportFailure  Code = "TRANSPORT_FAILURE"
	CodeMalformedMessage  Code = "MALFORMED_MESSAGE"

	// Verification errors
	CodeTechnicalFailure     Code = "TECHNICAL_FAILURE"
	CodeVerificationFailure  Code = "VERIFICATION_FAILURE"
	CodeMalformedImage       Code = "MALFORMED_IMAGE"
	CodeAuthenticationFailed Code = "AUTHENTICATION_FAILED"
	CodeNoSession            Code = "NO_SESSION"

	// Escalation errors
	CodeUnresolvedEscalationTarget Code = "UNRESOLVED_ESCALATION_TARGET"

	// Storage errors
	CodeNotFound      Code = "NOT_FOUND"
	CodeAlreadyExists Code = "ALREADY_EXISTS"

	// Request errors
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeUnauthenticated Code = "UNAUTHENTICATED"
)

// HTTPStatus maps a code to the status used by the HTTP API.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeMalformedImage, CodeMalformedMessage, CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeAuthenticationFailed, CodeUnauthenticated, CodeHandshakeRejected:
		return http.StatusUnauthorized
	case CodeNoSession, CodeNotFound, CodeUnresolvedEscalationTarget:
		return http.StatusNotFound
	case CodeAlreadyExists:
		return http.StatusConflict
	case CodeTechnicalFailure, CodeVerificationFailure:
		return http.StatusUnprocessableEntity
	case CodeTransportFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
