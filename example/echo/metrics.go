package main

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Zereker/chat"
)

var (
	registerOnce sync.Once

	trafficBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chat",
			Subsystem: "echo",
			Name:      "traffic_bytes_total",
			Help:      "Bytes read and written on echo sessions.",
		},
		[]string{"dir"},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chat",
			Subsystem: "echo",
			Name:      "sessions",
			Help:      "Open echo sessions.",
		},
	)
	linesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chat",
			Subsystem: "echo",
			Name:      "lines_total",
			Help:      "Complete lines received.",
		},
	)
)

func registerMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(trafficBytes, activeSessions, linesTotal)
	})
}

func recordTraffic(dir chat.Direction, data []byte) {
	trafficBytes.WithLabelValues(dir.String()).Add(float64(len(data)))
}
