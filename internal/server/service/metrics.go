package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stash_uploads_total",
			Help: "Uploaded files by result",
		},
		[]string{"result"},
	)

	uploadedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stash_uploaded_bytes_total",
		Help: "Bytes written to the object store by successful uploads",
	})

	deletesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stash_deletes_total",
			Help: "File deletions by result",
		},
		[]string{"result"},
	)

	sharesIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stash_share_links_issued_total",
		Help: "Share tokens generated and persisted",
	})

	shareViewsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stash_share_views_total",
			Help: "Shared view resolutions by result",
		},
		[]string{"result"},
	)
)
