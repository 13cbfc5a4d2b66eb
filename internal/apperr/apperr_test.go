package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatusByKind(t *testing.T) {
	cases := map[error]int{
		Validation("bad"):                  http.StatusBadRequest,
		Unauthorized("who"):                http.StatusUnauthorized,
		Forbidden("no"):                    http.StatusForbidden,
		NotFound("gone"):                   http.StatusNotFound,
		Conflict("taken"):                  http.StatusConflict,
		State("illegal"):                   http.StatusUnprocessableEntity,
		Gateway("down", errors.New("503")): http.StatusBadGateway,
		RateLimited("slow down"):           http.StatusTooManyRequests,
		errors.New("boom"):                 http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, HTTPStatus(err), err.Error())
	}
}

func TestWrappedErrorsKeepKind(t *testing.T) {
	sentinel := Conflict("Time slot is already booked")
	wrapped := fmt.Errorf("appointments: insert: %w", sentinel)

	assert.True(t, errors.Is(wrapped, sentinel))
	assert.True(t, errors.Is(wrapped, Conflict("Time slot is already booked")))
	assert.False(t, errors.Is(wrapped, Conflict("Doctor is not available on this date")))
	assert.Equal(t, KindConflict, KindOf(wrapped))
	assert.Equal(t, "Time slot is already booked", Message(wrapped))
}

func TestMessageHidesInternalErrors(t *testing.T) {
	assert.Equal(t, "internal server error", Message(errors.New("pq: connection refused")))
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, State("Cannot cancel completed appointment"))

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "Cannot cancel completed appointment", body["error"])
}
