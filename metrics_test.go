// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package callbridge

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsDialogGauge(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	env := newTestEnv(t, WithMetrics(m))

	env.answerCall(t, "call-1")
	env.answerCall(t, "call-2")

	gauge := func(s DialogState) float64 {
		return testutil.ToFloat64(m.dialogs.WithLabelValues(s.String()))
	}
	assert.Equal(t, 0.0, gauge(DialogStateDefault))
	assert.Equal(t, 2.0, gauge(DialogStateConnected))

	env.answerCall(t, "call-3")
	assert.Equal(t, 0.0, gauge(DialogStateDefault))
	assert.Equal(t, 3.0, gauge(DialogStateConnected))
}

func TestMetricsNil(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.created()
		m.transition(DialogStateDefault, DialogStateConnected)
		m.release(1)
	})
}
