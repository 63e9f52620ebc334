// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exports probeset table statistics to Prometheus.
//
// The table itself is not goroutine-safe, so the Recorder never reads it.
// The command loop pushes a Stats snapshot after every command and scrapes
// only ever see those snapshots.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/cockroachdb/probeset"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the probeset metrics.
type Recorder struct {
	Commands    *prometheus.CounterVec
	Keys        prometheus.Gauge
	Capacity    prometheus.Gauge
	Tombstones  prometheus.Gauge
	Grows       prometheus.CounterFunc
	Compactions prometheus.CounterFunc
	Load        prometheus.Gauge

	// The table owns its grow and compaction counts; the counters above
	// report the highest snapshot seen so they never go backwards, even
	// once a closed table reports zeros.
	grows       atomic.Int64
	compactions atomic.Int64
}

// NewRecorder creates the metrics and registers them with reg.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "probeset_commands_total",
			Help: "Total number of commands handled, by command",
		}, []string{"command"}),
		Keys: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "probeset_keys",
			Help: "Number of keys in the table",
		}),
		Capacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "probeset_capacity",
			Help: "Number of slots in the table",
		}),
		Tombstones: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "probeset_tombstones",
			Help: "Number of deleted slots awaiting reclamation",
		}),
		Load: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "probeset_load_ratio",
			Help: "Keys divided by capacity",
		}),
	}

	r.Grows = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "probeset_grows_total",
		Help: "Total number of times the table has doubled its capacity",
	}, func() float64 { return float64(r.grows.Load()) })
	r.Compactions = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "probeset_compactions_total",
		Help: "Total number of in-place rehashes that dropped tombstones",
	}, func() float64 { return float64(r.compactions.Load()) })

	for _, c := range []prometheus.Collector{
		r.Commands, r.Keys, r.Capacity, r.Tombstones, r.Grows, r.Compactions, r.Load,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Observe records one handled command and the table state after it.
func (r *Recorder) Observe(command string, stats probeset.Stats) {
	r.Commands.WithLabelValues(command).Inc()
	r.Keys.Set(float64(stats.Len))
	r.Capacity.Set(float64(stats.Capacity))
	r.Tombstones.Set(float64(stats.Tombstones))
	storeMax(&r.grows, int64(stats.Grows))
	storeMax(&r.compactions, int64(stats.Compactions))
	if stats.Capacity > 0 {
		r.Load.Set(float64(stats.Len) / float64(stats.Capacity))
	} else {
		r.Load.Set(0)
	}
}

func storeMax(v *atomic.Int64, n int64) {
	for {
		old := v.Load()
		if n <= old || v.CompareAndSwap(old, n) {
			return
		}
	}
}

// Handler serves the metrics gathered by g in the text exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Router routes GET /metrics to Handler(g) and GET /healthz to a liveness
// check. Other methods get 405 and other paths 404.
func Router(g prometheus.Gatherer) http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", Handler(g)).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)
	return r
}
