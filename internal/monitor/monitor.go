// Copyright 2024 Google Inc. All Rights Reserved.
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

// Package monitor counts file system operations and their failures.
package monitor

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tml/pgfuse/internal/logger"
)

// MetricHandle records per-operation counters. Implementations must be safe
// for concurrent use.
type MetricHandle interface {
	OpsCount(op string)
	OpsErrorCount(op string, errc int)
}

type noopMetrics struct{}

func (noopMetrics) OpsCount(op string)                {}
func (noopMetrics) OpsErrorCount(op string, errc int) {}

// NewNoop returns a handle that discards everything.
func NewNoop() MetricHandle {
	return noopMetrics{}
}

type prometheusMetrics struct {
	ops    *prometheus.CounterVec
	errors *prometheus.CounterVec
}

// NewPrometheus registers the operation counters with reg and returns a
// handle feeding them.
func NewPrometheus(reg prometheus.Registerer) MetricHandle {
	m := &prometheusMetrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgfuse_fs_ops_total",
			Help: "Number of file system operations handled, by operation.",
		}, []string{"fs_op"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgfuse_fs_errors_total",
			Help: "Number of file system operations that failed, by operation and errno.",
		}, []string{"fs_op", "errno"}),
	}
	reg.MustRegister(m.ops, m.errors)
	return m
}

func (m *prometheusMetrics) OpsCount(op string) {
	m.ops.WithLabelValues(op).Inc()
}

func (m *prometheusMetrics) OpsErrorCount(op string, errc int) {
	m.errors.WithLabelValues(op, strconv.Itoa(-errc)).Inc()
}

// StartServer exposes /metrics for the supplied gatherer on localhost:port.
// The returned server should be shut down at unmount.
func StartServer(port int, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              fmt.Sprintf("localhost:%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("metrics server: %v", err)
		}
	}()
	return srv
}
