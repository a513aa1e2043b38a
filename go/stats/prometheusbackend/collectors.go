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
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

type metricFuncCollector struct {
	// f returns the floating point value of the metric.
	f    func() float64
	desc *prometheus.Desc
	vt   prometheus.ValueType
}

// Describe implements Collector.
func (mc *metricFuncCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- mc.desc
}

// Collect implements Collector.
func (mc *metricFuncCollector) Collect(ch chan<- prometheus.Metric) {
	metric, err := prometheus.NewConstMetric(mc.desc, mc.vt, mc.f())
	if err == nil {
		ch <- metric
	}
}

// countTracker is implemented by every labeled stats variable.
type countTracker interface {
	Counts() map[string]int64
}

type countsCollector struct {
	c       countTracker
	desc    *prometheus.Desc
	nLabels int
	vt      prometheus.ValueType
}

// Describe implements Collector.
func (c *countsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Collect implements Collector.
func (c *countsCollector) Collect(ch chan<- prometheus.Metric) {
	for k, n := range c.c.Counts() {
		labels := []string{k}
		if c.nLabels > 1 {
			labels = splitKey(k)
			if len(labels) != c.nLabels {
				err := fmt.Errorf("wrong number of labels in key: %d != %d (key=%q)", len(labels), c.nLabels, k)
				ch <- prometheus.NewInvalidMetric(c.desc, err)
				continue
			}
		}
		metric, err := prometheus.NewConstMetric(c.desc, c.vt, float64(n), labels...)
		if err != nil {
			ch <- prometheus.NewInvalidMetric(c.desc, err)
			continue
		}
		ch <- metric
	}
}

var replacer = strings.NewReplacer(`\\`, `\`, `\.`, `.`, `.`, "\000")

func splitKey(key string) []string {
	return strings.Split(replacer.Replace(key), "\000")
}
