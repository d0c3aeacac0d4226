package gatekeeper

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	admissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_admissions_total",
		Help: "Admission decisions by outcome.",
	}, []string{"outcome"})

	rejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_rejections_total",
		Help: "Rejections by reason code.",
	}, []string{"reason"})

	usageLogFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatekeeper_usage_log_failures_total",
		Help: "Usage log writes that could not be delivered.",
	})
)
