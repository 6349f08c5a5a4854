package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tripAfterConsecutive(n uint32) *Config {
	return &Config{
		Name:        "test",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(c Counts) bool {
			return c.ConsecutiveFailures >= n
		},
	}
}

func TestCircuitBreaker_AllowsRequestsWhileClosed(t *testing.T) {
	cb := New(tripAfterConsecutive(2))
	ok := func() (interface{}, error) { return "fine", nil }

	_, err := cb.Execute(ok)
	require.NoError(t, err)
}

func TestCircuitBreaker_TripsOpenAfterThreshold(t *testing.T) {
	cb := New(tripAfterConsecutive(2))
	var calls int
	failing := func() (interface{}, error) {
		calls++
		return nil, errors.New("boom")
	}

	_, err := cb.Execute(failing)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCircuitOpen)

	_, err = cb.Execute(failing)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCircuitOpen)

	// Third call: circuit is now open, req is never invoked.
	_, err = cb.Execute(failing)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, calls)
}

func TestCircuitBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	cb := New(tripAfterConsecutive(2))
	failing := func() (interface{}, error) { return nil, errors.New("boom") }
	ok := func() (interface{}, error) { return "fine", nil }

	_, _ = cb.Execute(failing)
	_, err := cb.Execute(ok)
	require.NoError(t, err)

	// A single further failure should not trip the breaker, since the
	// success above reset the consecutive-failure count.
	_, err = cb.Execute(failing)
	assert.NotErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_OnStateChangeFiresOnTrip(t *testing.T) {
	var transitions []State
	cfg := tripAfterConsecutive(1)
	cfg.OnStateChange = func(name string, from, to State) {
		transitions = append(transitions, to)
	}
	cb := New(cfg)
	failing := func() (interface{}, error) { return nil, errors.New("boom") }

	_, _ = cb.Execute(failing)
	require.Len(t, transitions, 1)
	assert.Equal(t, StateOpen, transitions[0])
}
