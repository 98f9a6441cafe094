package scans

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var fileEventCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "distiller_scans_file_events_total",
	Help: "counter of consumed file system events",
}, []string{"type"})

var syncEventCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "distiller_scans_sync_events_total",
	Help: "counter of consumed sync snapshot events",
})

var scanCreateCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "distiller_scans_created_total",
	Help: "counter of scans created in the record store",
})

var scanRemoveCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "distiller_scans_removed_total",
	Help: "counter of scans dropped from the tables after their last log file was deleted",
})

var scanOverrideCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "distiller_scans_overrides_total",
	Help: "counter of scans purged after their number was reused with a new creation time",
})

var multipleScanCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "distiller_scans_conflicts_total",
	Help: "counter of events skipped because multiple scans share a scan number and creation time",
})
