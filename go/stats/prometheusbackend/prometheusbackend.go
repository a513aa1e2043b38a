/*
Copyright 2026 The Vitess Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package prometheusbackend

import (
	"expvar"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"parapply.io/parapply/go/stats"
	"parapply.io/parapply/go/vt/log"
)

// PromBackend implements PullBackend using Prometheus as the backing metrics storage.
type PromBackend struct {
	namespace string
	registry  prometheus.Registerer
}

// Init initializes the Prometheus backend with the given namespace and
// installs the /metrics handler on mux.
func Init(mux *http.ServeMux, namespace string) {
	mux.Handle("/metrics", promhttp.Handler())
	be := &PromBackend{namespace: namespace, registry: prometheus.DefaultRegisterer}
	stats.Register(be.publishPrometheusMetric)
}

// publishPrometheusMetric is used to publish the metric to Prometheus.
func (be *PromBackend) publishPrometheusMetric(name string, v expvar.Var) {
	switch st := v.(type) {
	case *stats.Counter:
		be.newMetric(st, name, prometheus.CounterValue, func() float64 { return float64(st.Get()) })
	case *stats.Gauge:
		be.newMetric(st, name, prometheus.GaugeValue, func() float64 { return float64(st.Get()) })
	case *stats.GaugeFunc:
		be.newMetric(st, name, prometheus.GaugeValue, func() float64 { return float64(st.F()) })
	case *stats.GaugesWithSingleLabel:
		be.newCountsCollector(st, st.Help(), name, []string{st.Label()}, prometheus.GaugeValue)
	case *stats.CountersWithSingleLabel:
		be.newCountsCollector(st, st.Help(), name, []string{st.Label()}, prometheus.CounterValue)
	case *stats.GaugesFuncWithMultiLabels:
		be.newCountsCollector(st, st.Help(), name, st.Labels(), prometheus.GaugeValue)
	default:
		log.Infof("Not exporting to Prometheus an unsupported metric type of %T: %s", st, name)
	}
}

func (be *PromBackend) newCountsCollector(c countTracker, help, name string, labels []string, vt prometheus.ValueType) {
	collector := &countsCollector{
		c: c,
		desc: prometheus.NewDesc(
			be.buildPromName(name),
			help,
			labelsToSnake(labels),
			nil),
		nLabels: len(labels),
		vt:      vt,
	}
	be.registry.MustRegister(collector)
}

func (be *PromBackend) newMetric(v stats.Variable, name string, vt prometheus.ValueType, f func() float64) {
	collector := &metricFuncCollector{
		f: f,
		desc: prometheus.NewDesc(
			be.buildPromName(name),
			v.Help(),
			nil,
			nil),
		vt: vt}

	be.registry.MustRegister(collector)
}

// buildPromName specifies the namespace as a prefix to the metric name
func (be *PromBackend) buildPromName(name string) string {
	s := strings.TrimPrefix(normalizeMetric(name), be.namespace+"_")
	return prometheus.BuildFQName("", be.namespace, s)
}

func labelsToSnake(labels []string) []string {
	output := make([]string, len(labels))
	for i, l := range labels {
		output[i] = normalizeMetric(l)
	}
	return output
}

// normalizeMetric produces a compliant name by applying
// special case conversions and then applying a camel case to snake case converter.
func normalizeMetric(name string) string {
	// Special cases
	r := strings.NewReplacer("GTID", "Gtid", "GCO", "Gco")
	name = r.Replace(name)

	return stats.GetSnakeName(name)
}
