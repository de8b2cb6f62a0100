package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCode(t *testing.T) {
	cases := map[string]error{
		"":                   nil,
		"DEVICE_DENIED":      fmt.Errorf("open camera: %w", ErrDeviceDenied),
		"SESSION_CONFLICT":   fmt.Errorf("start: %w", ErrSessionConflict),
		"RELAY_UNAVAILABLE":  fmt.Errorf("publish: %w", ErrRelayUnavailable),
		"UPLOAD_FAILED":      ErrUploadFailed,
		"NEGOTIATION_FAILED": ErrNegotiationFailed,
		"NOT_FOUND":          ErrNotFound,
		"INTERNAL":           errors.New("boom"),
	}
	for want, err := range cases {
		assert.Equal(t, want, Code(err))
	}
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusConflict, HTTPStatus(fmt.Errorf("x: %w", ErrSessionConflict)))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(ErrNotFound))
	assert.Equal(t, http.StatusGone, HTTPStatus(ErrNotRegistered))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(ErrRelayUnavailable))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
}
