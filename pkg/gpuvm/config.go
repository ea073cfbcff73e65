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
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	logger "github.com/intel/libgpuvm/pkg/log"
)

// Config is the externally provided configuration for an address
// space.
type Config struct {
	// Name of the address space, used in logs and metrics.
	Name string `json:"name,omitempty"`
	// ResvProtected elides internal list locks; the caller then must
	// hold the VM reservation around every list access.
	ResvProtected bool `json:"resvProtected,omitempty"`
	// MaxFenceSlots caps the fence slots of the VM reservation,
	// 0 meaning no cap.
	MaxFenceSlots int `json:"maxFenceSlots,omitempty"`
	// Debug enables debug logging for the tracker.
	Debug bool `json:"debug,omitempty"`
}

// ParseConfig parses a YAML configuration.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, errors.Wrap(ErrInvalidConfig, err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency, collecting all
// failures.
func (c *Config) Validate() error {
	var errs *multierror.Error

	if strings.ContainsAny(c.Name, " \t") {
		errs = multierror.Append(errs,
			fmt.Errorf("%w: name %q contains whitespace", ErrInvalidConfig, c.Name))
	}
	if c.MaxFenceSlots < 0 {
		errs = multierror.Append(errs,
			fmt.Errorf("%w: negative fence slot cap %d", ErrInvalidConfig, c.MaxFenceSlots))
	}

	return errs.ErrorOrNil()
}

// Options returns the VM options for the configuration.
func (c *Config) Options() []Option {
	var options []Option

	if c.Name != "" {
		options = append(options, WithName(c.Name))
	}
	if c.ResvProtected {
		options = append(options, WithResvProtected())
	}
	if c.MaxFenceSlots != 0 {
		options = append(options, WithMaxFenceSlots(c.MaxFenceSlots))
	}
	if c.Debug {
		logger.EnableDebug(log.Source(), true)
		logger.EnableDebug(details.Source(), true)
	}

	return options
}
