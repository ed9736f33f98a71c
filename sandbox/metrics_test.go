package sandbox

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.observeExecution("python", nil, time.Second)
		m.identityProvisioned()
		m.identityReleased(errors.New("x"))
	})
}

func TestMetricsRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	_, err = NewMetrics(reg)
	require.Error(t, err, "collectors must not register twice")

	m.observeExecution("python", newError(KindTimeout, nil, "slow"), 2*time.Second)
	m.observeExecution("python", errors.New("plain"), time.Second)

	expected := `
# HELP sandboxd_executions_total Executions by language and outcome (success or error kind).
# TYPE sandboxd_executions_total counter
sandboxd_executions_total{language="python",outcome="RuntimeError"} 1
sandboxd_executions_total{language="python",outcome="Timeout"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "sandboxd_executions_total"))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
}
