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

package monitor

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewPrometheus(registry).(*prometheusMetrics)

	m.OpsCount("getattr")
	m.OpsCount("getattr")
	m.OpsCount("write")
	m.OpsErrorCount("write", -5)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ops.WithLabelValues("getattr")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ops.WithLabelValues("write")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues("write", "5")))
}

func TestNoopDoesNothing(t *testing.T) {
	m := NewNoop()
	assert.NotPanics(t, func() {
		m.OpsCount("read")
		m.OpsErrorCount("read", -5)
	})
}
