package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedProvider struct {
	errs []error
	n    int
}

func (p *scriptedProvider) Chat(ctx context.Context, messages []Message, tools []ToolSpec, opts Options) (Response, error) {
	var err error
	if p.n < len(p.errs) {
		err = p.errs[p.n]
	}
	p.n++
	if err != nil {
		return Response{}, err
	}
	return Response{Content: "ok"}, nil
}

func TestCircuitBreaker_TripsAfterThreshold(t *testing.T) {
	inner := &scriptedProvider{errs: []error{
		NewTransientError("boom"), NewTransientError("boom"),
	}}
	cb := WithCircuitBreaker(inner, CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Hour})

	_, err := cb.Chat(context.Background(), nil, nil, Options{})
	require.Error(t, err)
	assert.Equal(t, StateClosed, cb.State())

	_, err = cb.Chat(context.Background(), nil, nil, Options{})
	require.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())

	_, err = cb.Chat(context.Background(), nil, nil, Options{})
	require.Error(t, err)
	assert.Equal(t, 2, inner.n, "the third call should fast-fail without reaching the provider")
}

func TestCircuitBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	inner := &scriptedProvider{errs: []error{errors.New("invalid api key"), errors.New("invalid api key")}}
	cb := WithCircuitBreaker(inner, CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour})

	_, err := cb.Chat(context.Background(), nil, nil, Options{})
	require.Error(t, err)
	assert.Equal(t, StateClosed, cb.State())

	_, err = cb.Chat(context.Background(), nil, nil, Options{})
	require.Error(t, err)
	assert.Equal(t, 2, inner.n, "permanent errors never open the breaker, so the second call still reaches the provider")
}

func TestCircuitBreaker_HalfOpenRecoversOnSuccess(t *testing.T) {
	inner := &scriptedProvider{errs: []error{NewTransientError("boom")}}
	cb := WithCircuitBreaker(inner, CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Millisecond})

	_, err := cb.Chat(context.Background(), nil, nil, Options{})
	require.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(5 * time.Millisecond)

	resp, err := cb.Chat(context.Background(), nil, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	inner := &scriptedProvider{errs: []error{NewTransientError("boom"), NewTransientError("boom again")}}
	cb := WithCircuitBreaker(inner, CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Millisecond})

	_, err := cb.Chat(context.Background(), nil, nil, Options{})
	require.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(5 * time.Millisecond)

	_, err = cb.Chat(context.Background(), nil, nil, Options{})
	require.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(NewTransientError("x")))
	assert.False(t, IsTransient(errors.New("plain")))
}
