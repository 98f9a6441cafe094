package sfapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestRetryCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "distiller_sfapi_request_retries_total",
	Help: "counter of retried Super-Facility API requests",
})

var clientResetCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "distiller_sfapi_client_resets_total",
	Help: "counter of teardowns of the Super-Facility API session and its cached token",
})
