// Package metrics has prometheus metric variables/functions shared between
// packages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mxdeliver_panic_total",
		Help: "Number of unhandled panics, by package.",
	},
	[]string{
		"pkg",
	},
)

type Panic string

const (
	Delivery Panic = "delivery"
	Serve    Panic = "serve"
)

func init() {
	// Ensure the labels are present, so a zero value is exported.
	for _, p := range []Panic{Delivery, Serve} {
		metricPanic.WithLabelValues(string(p)).Add(0)
	}
}

func PanicInc(pkg Panic) {
	metricPanic.WithLabelValues(string(pkg)).Inc()
}
