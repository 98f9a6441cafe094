package haadf

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var imageUploadCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "distiller_haadf_uploads_total",
	Help: "counter of HAADF previews uploaded to the record store",
})

var expiredPreviewCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "distiller_haadf_expired_previews_total",
	Help: "counter of previews removed from the upload directory by the expiry sweep",
})
