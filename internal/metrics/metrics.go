// Package metrics records srvctl lifecycle counters. Each invocation is
// short-lived, so metrics are flushed to a node-exporter textfile rather
// than served over HTTP.
package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "srvctl",
			Subsystem: "server",
			Name:      "launches_total",
			Help:      "Number of launch attempts by mode and result.",
		}, []string{"server", "mode", "result"},
	)
	stops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "srvctl",
			Subsystem: "server",
			Name:      "stops_total",
			Help:      "Number of stop attempts by result.",
		}, []string{"server", "result"},
	)
	terminateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "srvctl",
			Subsystem: "tree",
			Name:      "terminate_duration_seconds",
			Help:      "Time spent terminating a process tree.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)
	lastLaunch = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "srvctl",
			Subsystem: "server",
			Name:      "last_launch_timestamp_seconds",
			Help:      "Unix time of the last successful launch.",
		}, []string{"server"},
	)
	treeProcesses = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "srvctl",
			Subsystem: "server",
			Name:      "tree_processes",
			Help:      "Processes in the server tree at the last status check.",
		}, []string{"server"},
	)
	treeRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "srvctl",
			Subsystem: "server",
			Name:      "tree_rss_bytes",
			Help:      "Resident memory of the server tree at the last status check.",
		}, []string{"server"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{launches, stops, terminateDuration, lastLaunch, treeProcesses, treeRSS}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler exposes the metrics gathered by g over HTTP.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// WriteTextfile writes every metric gathered by g to path in the text
// exposition format. The file is replaced atomically.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	return prometheus.WriteToTextfile(path, g)
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func ObserveLaunch(server, mode string, at time.Time, err error) {
	if !regOK.Load() {
		return
	}
	launches.WithLabelValues(server, mode, result(err)).Inc()
	if err == nil {
		lastLaunch.WithLabelValues(server).Set(float64(at.Unix()))
	}
}

func ObserveStop(server string, took time.Duration, err error) {
	if !regOK.Load() {
		return
	}
	stops.WithLabelValues(server, result(err)).Inc()
	terminateDuration.Observe(took.Seconds())
}

func SetTree(server string, processes int, rssBytes uint64) {
	if !regOK.Load() {
		return
	}
	treeProcesses.WithLabelValues(server).Set(float64(processes))
	treeRSS.WithLabelValues(server).Set(float64(rssBytes))
}
