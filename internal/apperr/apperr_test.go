package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfThroughWrapping(t *testing.T) {
	base := New(KindDeployment, "engine.create", "status 404")
	wrapped := fmt.Errorf("submit: %w", base)

	assert.Equal(t, KindDeployment, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindDeployment))
	assert.False(t, Is(wrapped, KindSynthesis))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.False(t, Is(nil, KindUnknown))
}

func TestWrapKeepsCause(t *testing.T) {
	err := Wrap(KindEngineUnreachable, "engine.list", context.DeadlineExceeded)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "engine.list: engine_unreachable: context deadline exceeded", err.Error())
	assert.Nil(t, Wrap(KindEngineUnreachable, "x", nil))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(KindSynthesis))
	assert.Equal(t, http.StatusBadGateway, HTTPStatus(KindDeployment))
	assert.Equal(t, http.StatusGatewayTimeout, HTTPStatus(KindInvocationExhausted))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(KindResultExtraction))
}
