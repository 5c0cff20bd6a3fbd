package servers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	announcesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "serverlist_announces_total",
		Help: "Announce requests by action and outcome.",
	}, []string{"action", "outcome"})

	probesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "serverlist_probes_total",
		Help: "Server liveness probes by result.",
	}, []string{"result"})

	onlineServers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "serverlist_online_servers",
		Help: "Servers currently online in the published list.",
	})
)
