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

// Package metrics is a tiny name-based registry for prometheus
// collectors. Consumers register the collectors of their subsystems
// under unique names and export them together through Gatherer.
package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	logger "github.com/intel/libgpuvm/pkg/log"
)

var log = logger.Get("metrics")

type registry struct {
	sync.Mutex
	collectors map[string]prometheus.Collector
	registry   *prometheus.Registry
}

var reg = &registry{
	collectors: make(map[string]prometheus.Collector),
	registry:   prometheus.NewRegistry(),
}

// Register registers a named collector.
func Register(name string, c prometheus.Collector) error {
	reg.Lock()
	defer reg.Unlock()

	if _, ok := reg.collectors[name]; ok {
		return fmt.Errorf("metrics: collector %q already registered", name)
	}
	if err := reg.registry.Register(c); err != nil {
		return fmt.Errorf("metrics: failed to register collector %q: %w", name, err)
	}
	reg.collectors[name] = c

	log.Debug("registered collector %q", name)
	return nil
}

// Unregister removes a named collector.
func Unregister(name string) {
	reg.Lock()
	defer reg.Unlock()

	c, ok := reg.collectors[name]
	if !ok {
		return
	}
	reg.registry.Unregister(c)
	delete(reg.collectors, name)

	log.Debug("unregistered collector %q", name)
}

// Gatherer returns a gatherer for all registered collectors.
func Gatherer() prometheus.Gatherer {
	return reg.registry
}
