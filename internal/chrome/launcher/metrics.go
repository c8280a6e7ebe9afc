package launcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDeaths = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chromepool",
		Subsystem: "browser",
		Name:      "deaths_total",
		Help:      "Unexpected browser exits observed by the supervisor.",
	}, []string{"port"})
	metricRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chromepool",
		Subsystem: "browser",
		Name:      "restarts_total",
		Help:      "Browser relaunches, by cause.",
	}, []string{"port", "cause"})
	metricReady = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chromepool",
		Subsystem: "browser",
		Name:      "ready",
		Help:      "1 while the supervised browser answers /json.",
	}, []string{"port"})
)

func recordDeath(port int) {
	metricDeaths.WithLabelValues(portLabel(port)).Inc()
}

func recordRestart(port int, cause string) {
	metricRestarts.WithLabelValues(portLabel(port), cause).Inc()
}

func recordReady(port int, ready bool) {
	v := 0.0
	if ready {
		v = 1
	}
	metricReady.WithLabelValues(portLabel(port)).Set(v)
}
