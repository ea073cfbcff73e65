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
	"sync"
	"sync/atomic"

	"github.com/intel/libgpuvm/pkg/resv"
)

// BufferObject is a unit of GPU-accessible memory. A buffer created
// with the reservation of a VM is private to that VM; a buffer with a
// reservation of its own can be bound into any number of address
// spaces and is external to each of them.
type BufferObject struct {
	id uint64
	r  *resv.Resv

	mu    sync.Mutex
	vmbos []*VMBO
}

var boIDGen atomic.Uint64

// NewBufferObject creates a buffer object using the given reservation.
// Pass the reservation of a VM to create a buffer private to it.
func NewBufferObject(r *resv.Resv) *BufferObject {
	if r == nil {
		panic("gpuvm: buffer object needs a reservation")
	}
	return &BufferObject{id: boIDGen.Add(1), r: r}
}

// Resv returns the reservation lock of the buffer.
func (bo *BufferObject) Resv() *resv.Resv {
	return bo.r
}

// String returns a string representation of the buffer.
func (bo *BufferObject) String() string {
	return fmt.Sprintf("bo#%d", bo.id)
}

// SetEvictedAll marks every association of the buffer evicted or not
// evicted. The caller must hold the buffer reservation. This is the
// entry point for eviction notifiers, which see buffers rather than
// associations.
func SetEvictedAll(bo *BufferObject, evicted bool) {
	bo.r.AssertHeld()

	bo.mu.Lock()
	vmbos := make([]*VMBO, 0, len(bo.vmbos))
	for _, o := range bo.vmbos {
		if o.tryGet() {
			vmbos = append(vmbos, o)
		}
	}
	bo.mu.Unlock()

	for _, o := range vmbos {
		o.SetEvicted(evicted)
		o.Put()
	}
}

// VMBO is the association of one buffer bound into one address space.
// Associations are reference counted; the reference count dropping to
// zero destroys the association and unlinks it from every list it is
// on.
type VMBO struct {
	refs atomic.Int32
	vm   *VM
	bo   *BufferObject

	// evicted is guarded by the buffer reservation.
	evicted bool

	extNode   listNode
	evictNode listNode
}

// VM returns the address space of the association.
func (o *VMBO) VM() *VM {
	return o.vm
}

// BufferObject returns the buffer of the association.
func (o *VMBO) BufferObject() *BufferObject {
	return o.bo
}

// External returns true if the buffer of the association does not
// share the VM reservation. The classification is fixed for the
// lifetime of the association.
func (o *VMBO) External() bool {
	return o.bo.r != o.vm.r
}

// Evicted returns the evicted flag. The caller must hold the buffer
// reservation.
func (o *VMBO) Evicted() bool {
	o.bo.r.AssertHeld()
	return o.evicted
}

// String returns a string representation of the association.
func (o *VMBO) String() string {
	return fmt.Sprintf("%s:%s", o.vm.name, o.bo)
}

// Get takes an additional reference on the association.
func (o *VMBO) Get() *VMBO {
	o.refs.Add(1)
	return o
}

// tryGet takes a reference unless the count already hit zero, in
// which case the association is mid-destruction.
func (o *VMBO) tryGet() bool {
	for {
		refs := o.refs.Load()
		if refs == 0 {
			return false
		}
		if o.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

// Put drops a reference. The reference hitting zero destroys the
// association. In a reservation-protected VM the final Put must be
// made with the VM reservation held.
func (o *VMBO) Put() {
	if o.refs.Add(-1) > 0 {
		return
	}
	o.destroy()
}

func (o *VMBO) destroy() {
	vm := o.vm
	if vm.resvProtected {
		vm.r.AssertHeld()
	}

	vm.ext.remove(o)
	vm.evict.remove(o)

	bo := o.bo
	bo.mu.Lock()
	for i, obj := range bo.vmbos {
		if obj == o {
			bo.vmbos = append(bo.vmbos[:i], bo.vmbos[i+1:]...)
			break
		}
	}
	bo.mu.Unlock()

	log.Debug("destroyed association %s", o)
}

// MarkExternal puts the association on the external list of its VM if
// its buffer is external. It is idempotent and is meant to be called
// whenever an association has been created for a new binding. In a
// reservation-protected VM the caller must hold the VM reservation.
func (o *VMBO) MarkExternal() {
	if !o.External() {
		return
	}
	if o.vm.resvProtected {
		o.vm.r.AssertHeld()
	}
	o.vm.ext.insert(o)
}

// SetEvicted updates the evicted flag of the association and its
// membership on the evicted list of its VM. The caller must hold the
// buffer reservation; it is what serializes this against concurrent
// validation and re-eviction.
//
// In a reservation-protected VM the evicted list of an external
// buffer cannot be updated here: that list is guarded by the VM
// reservation, which holding the buffer reservation does not imply,
// and taking it here would invert the locking order. The list update
// is deferred until the next external-object prepare pass, which runs
// with the VM reservation held and requeues any association still
// flagged evicted.
func (o *VMBO) SetEvicted(evicted bool) {
	o.bo.r.AssertHeld()

	vm := o.vm
	o.evicted = evicted
	if evicted {
		vm.stats.evictions.Add(1)
	}

	if vm.resvProtected {
		if o.External() {
			return
		}
		// A private buffer shares the VM reservation, so we hold it.
		if evicted {
			vm.evict.insert(o)
		} else {
			vm.evict.remove(o)
		}
		return
	}

	if evicted {
		vm.evict.insert(o)
	} else {
		vm.evict.remove(o)
	}
}
