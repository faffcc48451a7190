// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package callbridge

import (
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics of controller. Nil Metrics is valid and records nothing.
type Metrics struct {
	dialogs  *prometheus.GaugeVec
	actions  *prometheus.CounterVec
	bridges  *prometheus.CounterVec
	resumed  *prometheus.CounterVec
	released prometheus.Counter
}

// NewMetrics registers controller metrics on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		dialogs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "callbridge",
			Name:      "dialogs",
			Help:      "Number of dialogs per state",
		}, []string{"state"}),
		actions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callbridge",
			Name:      "actions_total",
			Help:      "Executed actions per kind",
		}, []string{"kind"}),
		bridges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callbridge",
			Name:      "bridges_total",
			Help:      "Bridge attempts per outcome",
		}, []string{"outcome"}),
		resumed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callbridge",
			Name:      "resumed_transactions_total",
			Help:      "Resumed server transactions per status class",
		}, []string{"class"}),
		released: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "callbridge",
			Name:      "dialogs_released_total",
			Help:      "Terminated dialogs released after grace period",
		}),
	}
}

func (m *Metrics) transition(from, to DialogState) {
	if m == nil {
		return
	}
	m.dialogs.WithLabelValues(from.String()).Dec()
	m.dialogs.WithLabelValues(to.String()).Inc()
}

// created counts dialog entering registry in Default state
func (m *Metrics) created() {
	if m == nil {
		return
	}
	m.dialogs.WithLabelValues(DialogStateDefault.String()).Inc()
}

func (m *Metrics) action(k ActionKind) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(k.String()).Inc()
}

func (m *Metrics) bridge(outcome string) {
	if m == nil {
		return
	}
	m.bridges.WithLabelValues(outcome).Inc()
}

func (m *Metrics) resume(code sip.StatusCode) {
	if m == nil {
		return
	}
	m.resumed.WithLabelValues(fmt.Sprintf("%dxx", int(code)/100)).Inc()
}

func (m *Metrics) release(n int) {
	if m == nil || n == 0 {
		return
	}
	m.released.Add(float64(n))
	m.dialogs.WithLabelValues(DialogStateDisconnected.String()).Sub(float64(n))
}
