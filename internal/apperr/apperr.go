// Package apperr defines the error taxonomy shared by the broadcast coordination components.
package apperr

import (
	"errors"
	"net/http"
)

var (
	// ErrDeviceDenied means a capture device could not be acquired.
	ErrDeviceDenied = errors.New("capture device denied")
	// ErrSessionConflict means another broadcast is already active for the event.
	ErrSessionConflict = errors.New("broadcast already active for event")
	// ErrRelayUnavailable means a signaling send or subscribe failed.
	ErrRelayUnavailable = errors.New("relay unavailable")
	// ErrUploadFailed means the recording artifact could not be persisted.
	ErrUploadFailed = errors.New("recording upload failed")
	// ErrNegotiationFailed means a transport handshake never completed.
	ErrNegotiationFailed = errors.New("negotiation failed")

	ErrNotFound        = errors.New("not found")
	ErrNotRegistered   = errors.New("viewer not registered")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidState    = errors.New("invalid state")
)

// Code returns the taxonomy code for err, or "INTERNAL" when err is not classified.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDeviceDenied):
		return "DEVICE_DENIED"
	case errors.Is(err, ErrSessionConflict):
		return "SESSION_CONFLICT"
	case errors.Is(err, ErrRelayUnavailable):
		return "RELAY_UNAVAILABLE"
	case errors.Is(err, ErrUploadFailed):
		return "UPLOAD_FAILED"
	case errors.Is(err, ErrNegotiationFailed):
		return "NEGOTIATION_FAILED"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrNotRegistered):
		return "NOT_REGISTERED"
	case errors.Is(err, ErrInvalidArgument):
		return "INVALID_ARGUMENT"
	case errors.Is(err, ErrInvalidState):
		return "INVALID_STATE"
	default:
		return "INTERNAL"
	}
}

// HTTPStatus maps err to the status code the HTTP API answers with.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrSessionConflict):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotRegistered):
		return http.StatusGone
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, ErrRelayUnavailable), errors.Is(err, ErrUploadFailed):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrDeviceDenied):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
