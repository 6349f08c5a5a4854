package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithRegisterer_NoDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegisterer(reg)
	require.NotNil(t, m)

	m.ProbesTotal.WithLabelValues("alice").Inc()
	m.BackoffTotal.WithLabelValues("rate_limit_first").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
