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
	"github.com/intel/libgpuvm/pkg/resv"
)

// Object is anything with a reservation lock. Both VM and BufferObject
// implement it.
type Object interface {
	// Resv returns the reservation lock of the object.
	Resv() *resv.Resv
}

// ValidateFn is the driver-supplied validation callback. It is invoked
// for an evicted association with every relevant reservation held and
// is expected to make the buffer resident again, clearing the evicted
// flag with SetEvicted on success.
type ValidateFn func(o *VMBO, ex *Exec) error

// RangeIterator iterates over the buffers mapped into an address
// range. It is implemented by the virtual-address range allocator,
// which owns the mapping tree.
type RangeIterator interface {
	// ForEachInRange calls the given function for the buffer of every
	// mapping intersecting [start, start+length). It stops and returns
	// the first error returned by the function.
	ForEachInRange(start, length uint64, fn func(bo *BufferObject) error) error
}

// Stats is a snapshot of the monotonic counters of a VM.
type Stats struct {
	// Obtains is the number of created associations.
	Obtains uint64
	// ExecPasses is the number of started lock acquisition passes.
	ExecPasses uint64
	// Contentions is the number of contended acquisition passes.
	Contentions uint64
	// Validations is the number of successful validation callbacks.
	Validations uint64
	// Evictions is the number of associations marked evicted.
	Evictions uint64
}
