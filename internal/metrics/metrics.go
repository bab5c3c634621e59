package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DryrunTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lando",
		Subsystem: "api",
		Name:      "dryrun_total",
		Help:      "number of landing dryrun assessments served",
	})
	SubmissionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lando",
		Subsystem: "api",
		Name:      "submissions_total",
		Help:      "landing submissions by outcome",
	}, []string{"outcome"})
	JobTransitionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lando",
		Subsystem: "api",
		Name:      "job_transitions_total",
		Help:      "landing job state transitions applied",
	}, []string{"status"})
)
