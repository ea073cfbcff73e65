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
	"sync/atomic"

	"github.com/intel/libgpuvm/pkg/resv"
)

// VM is a GPU virtual address space. It owns a reservation lock which
// stands for all of its private buffers, a list of associations whose
// buffer is external to it and a list of associations currently
// evicted.
type VM struct {
	name          string
	r             *resv.Resv
	resvProtected bool
	validate      ValidateFn
	mappings      RangeIterator
	maxFenceSlots int

	ext   objList
	evict objList

	stats vmStats
}

type vmStats struct {
	obtains     atomic.Uint64
	execPasses  atomic.Uint64
	contentions atomic.Uint64
	validations atomic.Uint64
	evictions   atomic.Uint64
}

// Option is an opaque option for a VM.
type Option func(*VM) error

// WithName is an option to name the VM for logs and metrics.
func WithName(name string) Option {
	return func(vm *VM) error {
		if name == "" {
			return fmt.Errorf("empty name")
		}
		vm.name = name
		return nil
	}
}

// WithResvProtected is an option to create the VM in the mode where
// the caller guarantees the VM reservation is held around every
// access to the external and evicted lists, eliding the internal
// list locks.
func WithResvProtected() Option {
	return func(vm *VM) error {
		vm.resvProtected = true
		return nil
	}
}

// WithValidator is an option to set the validation callback invoked
// by Exec.Validate for evicted associations.
func WithValidator(fn ValidateFn) Option {
	return func(vm *VM) error {
		vm.validate = fn
		return nil
	}
}

// WithMappings is an option to set the mapping-tree iterator used by
// Exec.LockRange.
func WithMappings(it RangeIterator) Option {
	return func(vm *VM) error {
		vm.mappings = it
		return nil
	}
}

// WithMaxFenceSlots is an option to cap the number of fence slots of
// the VM reservation.
func WithMaxFenceSlots(n int) Option {
	return func(vm *VM) error {
		if n < 0 {
			return fmt.Errorf("negative fence slot cap %d", n)
		}
		vm.maxFenceSlots = n
		return nil
	}
}

// New creates a new address space and configures it with the given
// options.
func New(options ...Option) (*VM, error) {
	vm := &VM{name: "gpuvm"}

	for _, o := range options {
		if err := o(vm); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFailedOption, err)
		}
	}

	vm.r = resv.New(vm.maxFenceSlots)
	vm.ext.init(!vm.resvProtected, func(o *VMBO) *listNode { return &o.extNode })
	vm.evict.init(!vm.resvProtected, func(o *VMBO) *listNode { return &o.evictNode })

	log.Debug("created address space %s (resv-protected: %v)", vm.name, vm.resvProtected)

	return vm, nil
}

// Name returns the name of the VM.
func (vm *VM) Name() string {
	return vm.name
}

// Resv returns the reservation lock of the VM.
func (vm *VM) Resv() *resv.Resv {
	return vm.r
}

// ResvProtected returns true if the caller guarantees the VM
// reservation around every list access.
func (vm *VM) ResvProtected() bool {
	return vm.resvProtected
}

// ObtainVMBO returns the association of the given buffer and this VM,
// creating it if the buffer has none yet. The returned association
// has a reference taken; release it with Put.
func (vm *VM) ObtainVMBO(bo *BufferObject) *VMBO {
	bo.mu.Lock()
	defer bo.mu.Unlock()

	for _, o := range bo.vmbos {
		if o.vm == vm && o.tryGet() {
			return o
		}
	}

	o := &VMBO{vm: vm, bo: bo}
	o.extNode.owner = o
	o.evictNode.owner = o
	o.refs.Store(1)
	bo.vmbos = append(bo.vmbos, o)
	vm.stats.obtains.Add(1)

	log.Debug("created association %s", o)

	return o
}

// Stats returns a snapshot of the counters of the VM.
func (vm *VM) Stats() Stats {
	return Stats{
		Obtains:     vm.stats.obtains.Load(),
		ExecPasses:  vm.stats.execPasses.Load(),
		Contentions: vm.stats.contentions.Load(),
		Validations: vm.stats.validations.Load(),
		Evictions:   vm.stats.evictions.Load(),
	}
}

// Destroy tears the VM down. Destroying a VM which still tracks
// external or evicted associations is a caller bug and panics; it is
// up to the binding paths to release every association first.
func (vm *VM) Destroy() {
	if !vm.ext.empty() {
		log.Panic("destroying address space %s with external objects", vm.name)
	}
	if !vm.evict.empty() {
		log.Panic("destroying address space %s with evicted objects", vm.name)
	}

	log.Debug("destroyed address space %s", vm.name)
}
