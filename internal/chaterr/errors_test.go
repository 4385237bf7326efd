package chaterr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromStatus(t *testing.T) {
	wait := 3 * time.Second
	cases := []struct {
		status int
		kind   Kind
	}{
		{http.StatusUnauthorized, KindUnauthorized},
		{http.StatusForbidden, KindUnauthorized},
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusBadRequest, KindInvalidRequest},
		{http.StatusUnprocessableEntity, KindInvalidRequest},
		{http.StatusInternalServerError, KindServer},
		{http.StatusBadGateway, KindServer},
	}
	for _, tc := range cases {
		err := FromStatus(tc.status, "boom", &wait)
		assert.Equal(t, tc.kind, err.Kind, "status %d", tc.status)
		assert.Equal(t, tc.status, err.StatusCode)
	}
	rl := FromStatus(http.StatusTooManyRequests, "", &wait)
	require.NotNil(t, rl.RetryAfter)
	assert.Equal(t, wait, *rl.RetryAfter)
}

func TestSentinelsMatchByKind(t *testing.T) {
	err := fmt.Errorf("send: %w", Server(503, "overloaded"))
	assert.True(t, errors.Is(err, ErrServer))
	assert.False(t, errors.Is(err, ErrNetwork))
	assert.Equal(t, KindServer, KindOf(err))
}

func TestAsWrapsUnknownErrors(t *testing.T) {
	cause := errors.New("connection reset")
	e := As(cause)
	assert.Equal(t, KindNetwork, e.Kind)
	assert.ErrorIs(t, e, cause)
	assert.Nil(t, As(nil))
}

func TestUserMessage(t *testing.T) {
	wait := 2 * time.Second
	assert.Contains(t, RateLimited(&wait).UserMessage(), "2s")
	assert.Contains(t, Server(500, "db down").UserMessage(), "db down")
	assert.Contains(t, InvalidRequest("empty").UserMessage(), "empty")
}
