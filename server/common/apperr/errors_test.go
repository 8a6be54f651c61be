package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("enqueue: %w", Invalid("entity_id", "is required"))

	assert.True(t, errors.Is(err, ErrValidation))
	assert.Equal(t, "entity_id: is required", Message(err))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(err))
}

func TestDeliveryClassification(t *testing.T) {
	cause := errors.New("gateway said 410")

	assert.True(t, IsPermanent(Permanent(cause)))
	assert.False(t, IsPermanent(Transient(cause)))
	assert.False(t, IsPermanent(cause))
	assert.True(t, errors.Is(Permanent(cause), cause))
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{ErrNotFound, http.StatusNotFound},
		{ErrAlreadyResolved, http.StatusConflict},
		{ErrCapacityExceeded, http.StatusTooManyRequests},
		{Unavailable("document store", errors.New("dial")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(tc.err), tc.err.Error())
	}
}
