// Copyright The libgpuvm Authors. All Rights Reserved.
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

package gpuvm

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/intel/libgpuvm/pkg/metrics"
)

type collector struct {
	vm *VM

	obtains     *prometheus.Desc
	execPasses  *prometheus.Desc
	contentions *prometheus.Desc
	validations *prometheus.Desc
	evictions   *prometheus.Desc
	external    *prometheus.Desc
	evicted     *prometheus.Desc
}

// NewCollector returns a prometheus collector for the counters and
// list lengths of the VM.
func NewCollector(vm *VM) prometheus.Collector {
	labels := prometheus.Labels{"vm": vm.name}
	return &collector{
		vm: vm,
		obtains: prometheus.NewDesc("gpuvm_obtained_associations_total",
			"Number of created VM-BO associations.", nil, labels),
		execPasses: prometheus.NewDesc("gpuvm_exec_passes_total",
			"Number of started lock acquisition passes.", nil, labels),
		contentions: prometheus.NewDesc("gpuvm_exec_contentions_total",
			"Number of contended lock acquisition passes.", nil, labels),
		validations: prometheus.NewDesc("gpuvm_validations_total",
			"Number of successful validation callbacks.", nil, labels),
		evictions: prometheus.NewDesc("gpuvm_evictions_total",
			"Number of associations marked evicted.", nil, labels),
		external: prometheus.NewDesc("gpuvm_external_objects",
			"Number of associations on the external list.", nil, labels),
		evicted: prometheus.NewDesc("gpuvm_evicted_objects",
			"Number of associations on the evicted list.", nil, labels),
	}
}

// RegisterCollector registers a collector for the VM in the metrics
// registry, under the name of the VM.
func RegisterCollector(vm *VM) error {
	return metrics.Register("gpuvm/"+vm.name, NewCollector(vm))
}

// UnregisterCollector removes the collector of the VM from the
// metrics registry.
func UnregisterCollector(vm *VM) {
	metrics.Unregister("gpuvm/" + vm.name)
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.obtains
	ch <- c.execPasses
	ch <- c.contentions
	ch <- c.validations
	ch <- c.evictions
	ch <- c.external
	ch <- c.evicted
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.vm.Stats()
	ch <- prometheus.MustNewConstMetric(c.obtains,
		prometheus.CounterValue, float64(stats.Obtains))
	ch <- prometheus.MustNewConstMetric(c.execPasses,
		prometheus.CounterValue, float64(stats.ExecPasses))
	ch <- prometheus.MustNewConstMetric(c.contentions,
		prometheus.CounterValue, float64(stats.Contentions))
	ch <- prometheus.MustNewConstMetric(c.validations,
		prometheus.CounterValue, float64(stats.Validations))
	ch <- prometheus.MustNewConstMetric(c.evictions,
		prometheus.CounterValue, float64(stats.Evictions))
	// The gauges use length, which keeps counting entries a draining
	// iterator holds, so a scrape during an acquisition pass still sees
	// them.
	ch <- prometheus.MustNewConstMetric(c.external,
		prometheus.GaugeValue, float64(c.vm.ext.length()))
	ch <- prometheus.MustNewConstMetric(c.evicted,
		prometheus.GaugeValue, float64(c.vm.evict.length()))
}
