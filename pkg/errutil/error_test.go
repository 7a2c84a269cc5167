package errutil

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConstructorKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := StoreFailed("persist engagement", cause)

	require.ErrorIs(t, err, cause)
	require.True(t, Is(err, StatusStoreFailed))
	require.Equal(t, "[store_failed] persist engagement: disk full", err.Error())
}

func TestIsThroughWrapping(t *testing.T) {
	err := fmt.Errorf("withdraw: %w", InsufficientFunds("insufficient wallet balance", 500))

	require.True(t, Is(err, StatusInsufficientFunds))
	require.False(t, Is(err, StatusValidationFailed))
	require.False(t, Is(nil, StatusInsufficientFunds))

	var be BaseError
	require.True(t, errors.As(err, &be))
	require.Equal(t, int64(500), be.Meta["available"])
	require.Equal(t, http.StatusUnprocessableEntity, be.Code.HTTPStatus())
}

func TestStatusOfPlainError(t *testing.T) {
	require.Equal(t, StatusUnknown, StatusOf(errors.New("boom")))
	require.Equal(t, http.StatusInternalServerError, StatusUnknown.HTTPStatus())
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[CoreStatus]int{
		StatusValidationFailed: http.StatusBadRequest,
		StatusNotFound:         http.StatusNotFound,
		StatusDeliveryFailed:   http.StatusBadGateway,
		StatusGenerationFailed: http.StatusBadGateway,
		StatusStoreFailed:      http.StatusInternalServerError,
	}
	for status, want := range cases {
		require.Equal(t, want, status.HTTPStatus(), status)
	}
}
