package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	linksCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_links_created_total",
		Help: "Deep links created, by kind (series|single).",
	}, []string{"kind"})

	itemsForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_items_forwarded_total",
		Help: "Forward attempts during delivery, by result (ok|error).",
	}, []string{"result"})

	deliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_deliveries_total",
		Help: "Deep-link activations that started a delivery.",
	})

	deletionsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_deletions_total",
		Help: "Scheduled deletion attempts, by result (deleted|already_absent|retry|failed).",
	}, []string{"result"})

	linkCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_link_cache_lookups_total",
		Help: "Link cache lookups, by result (hit|miss).",
	}, []string{"result"})

	stagingEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_staging_evicted_total",
		Help: "Abandoned staging entries removed by the janitor.",
	})
)
