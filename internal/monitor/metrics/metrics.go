// Package metrics provides Prometheus metrics for the monitor service:
// blessing rounds, tokens issued, and connected component/slave gauges.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BlessingRounds tracks completed blessing recomputations by algorithm.
var BlessingRounds = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "monitor",
	Name:      "blessing_rounds_total",
	Help:      "Total blessing engine recomputations by algorithm.",
}, []string{"algorithm"})

// TokensIssued tracks blessing tokens granted, by algorithm.
var TokensIssued = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "monitor",
	Name:      "tokens_issued_total",
	Help:      "Total blessing tokens issued by algorithm.",
}, []string{"algorithm"})

// ComponentsConnected tracks components currently connected to this
// node's Observer Server.
var ComponentsConnected = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "monitor",
	Name:      "components_connected",
	Help:      "Number of components currently connected to the local server.",
})

// SlavesConnected tracks slaves currently connected to this node's
// Observer Master.
var SlavesConnected = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "monitor",
	Name:      "slaves_connected",
	Help:      "Number of slaves currently connected to the local master.",
})

// MasterActive reports whether this node's master is currently active
// (1) or inactive (0).
var MasterActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "monitor",
	Name:      "master_active",
	Help:      "1 if this node's master is active, 0 otherwise.",
})

// SlaveConnectFailures tracks failed attempts to connect to a parent.
var SlaveConnectFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "monitor",
	Name:      "slave_connect_failures_total",
	Help:      "Total failed attempts to connect to a parent master.",
})
