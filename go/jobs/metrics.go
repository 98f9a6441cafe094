package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var jobSubmitCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "distiller_jobs_submitted_total",
	Help: "counter of jobs submitted to the scheduler",
})

var jobSubmitFailureCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "distiller_jobs_submit_failures_total",
	Help: "counter of submissions dropped after a terminal super-facility error",
})

var jobStateUpdateCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "distiller_jobs_state_updates_total",
	Help: "counter of scheduler states reconciled into the record store",
})

var transferLocationCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "distiller_jobs_transfer_locations_total",
	Help: "counter of scan locations recorded for completed transfers",
})
