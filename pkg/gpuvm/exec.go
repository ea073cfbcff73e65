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
	"errors"
	"fmt"

	"github.com/intel/libgpuvm/pkg/resv"
)

// Exec coordinates the acquisition of every reservation one
// submission needs: the VM reservation, the reservation of every
// external object, and any extras requested through WithExtraLock.
// An Exec is transient; create one per submission and discard it
// after Unlock or after a failed Lock.
type Exec struct {
	vm        *VM
	ctx       *resv.Ctx
	numFences int
	extra     func(*Exec) error

	locked    []*resv.Resv
	set       map[*resv.Resv]struct{}
	contended *resv.Resv
	prelocked *resv.Resv
	released  bool
}

// ExecOption is an opaque option for an Exec.
type ExecOption func(*Exec) error

// WithExtraLock is an option to run the given callback as the last
// step of every acquisition pass, typically to Prepare additional
// objects or a mapped range. The callback runs once per pass and
// must go through Prepare, PrepareObjects or PrepareRange for any
// reservation it takes.
func WithExtraLock(fn func(*Exec) error) ExecOption {
	return func(ex *Exec) error {
		ex.extra = fn
		return nil
	}
}

// WithExtraObjects is an option to lock the given additional objects
// along with the VM and its external objects.
func WithExtraObjects(objs ...Object) ExecOption {
	return func(ex *Exec) error {
		ex.extra = func(ex *Exec) error {
			return ex.PrepareObjects(objs)
		}
		return nil
	}
}

// NewExec creates an exec context for one submission against the VM.
// numFences is the number of fence slots reserved on every acquired
// reservation.
func (vm *VM) NewExec(numFences int, options ...ExecOption) (*Exec, error) {
	ex := &Exec{
		vm:        vm,
		ctx:       resv.NewCtx(),
		numFences: numFences,
		set:       make(map[*resv.Resv]struct{}),
	}

	for _, o := range options {
		if err := o(ex); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFailedOption, err)
		}
	}

	return ex, nil
}

// Ctx returns the acquisition context of the exec.
func (ex *Exec) Ctx() *resv.Ctx {
	return ex.ctx
}

// VM returns the address space of the exec.
func (ex *Exec) VM() *VM {
	return ex.vm
}

// Lock acquires the VM reservation, every external object reservation
// and any extras, as one all-or-nothing unit. A contended acquisition
// releases everything taken so far, waits for the contended
// reservation and retries the whole sequence. Any other error is
// returned with nothing left locked; the exec must then be discarded.
func (ex *Exec) Lock() error {
	return ex.acquire(ex.lockPass)
}

// LockRange acquires the reservation of every buffer mapped in
// [start, start+length), external or not, with the same all-or-nothing
// protocol as Lock. It needs the VM to be configured with a mapping
// iterator.
func (ex *Exec) LockRange(start, length uint64) error {
	if ex.vm.mappings == nil {
		return fmt.Errorf("%w: no mapping iterator configured", ErrUnsupported)
	}
	return ex.acquire(func() error {
		return ex.PrepareRange(start, length)
	})
}

func (ex *Exec) acquire(pass func() error) error {
	if ex.released {
		log.Panic("lock attempt on a released exec of %s", ex.vm.name)
	}

	for {
		ex.vm.stats.execPasses.Add(1)

		err := pass()
		if err == nil {
			ex.dropPrelock()
			return nil
		}

		ex.unwind()

		if !errors.Is(err, resv.ErrContended) {
			ex.released = true
			return err
		}

		// Block on the reservation that contended, holding nothing
		// else, then retry the whole sequence with it prelocked.
		c := ex.contended
		if c == nil {
			log.Panic("contended acquisition in %s without a recorded reservation; "+
				"extra-lock callbacks must take reservations through Prepare", ex.vm.name)
		}
		ex.vm.stats.contentions.Add(1)
		ex.contended = nil
		c.LockSlow(ex.ctx)
		ex.prelocked = c
	}
}

func (ex *Exec) lockPass() error {
	if err := ex.Prepare(ex.vm); err != nil {
		return err
	}
	if err := ex.prepareExternals(); err != nil {
		return err
	}
	if ex.extra != nil {
		if err := ex.extra(ex); err != nil {
			return err
		}
	}
	return nil
}

// Prepare queues the reservation of the given object for this exec:
// it locks the reservation and reserves the requested fence slots.
// Preparing an object already in the locked set is a no-op.
func (ex *Exec) Prepare(obj Object) error {
	r := obj.Resv()
	if _, ok := ex.set[r]; ok {
		return nil
	}

	if ex.prelocked == r {
		ex.prelocked = nil
	} else if err := r.Lock(ex.ctx); err != nil {
		if errors.Is(err, resv.ErrContended) {
			ex.contended = r
		}
		return err
	}

	ex.set[r] = struct{}{}
	ex.locked = append(ex.locked, r)

	return r.Reserve(ex.numFences)
}

// PrepareObjects prepares every given object in order.
func (ex *Exec) PrepareObjects(objs []Object) error {
	for _, obj := range objs {
		if err := ex.Prepare(obj); err != nil {
			return err
		}
	}
	return nil
}

// PrepareRange prepares the buffer of every mapping intersecting
// [start, start+length), discovered through the mapping iterator of
// the VM.
func (ex *Exec) PrepareRange(start, length uint64) error {
	return ex.vm.mappings.ForEachInRange(start, length, func(bo *BufferObject) error {
		return ex.Prepare(bo)
	})
}

// prepareExternals prepares every association on the external list.
// In a reservation-protected VM the list is stable under the VM
// reservation, which the pass has already locked, and the scan doubles
// as the reconciliation point for deferred eviction of external
// buffers. Otherwise the list is drained so each potentially blocking
// reservation acquisition runs without the list lock held.
func (ex *Exec) prepareExternals() error {
	vm := ex.vm

	if vm.resvProtected {
		return vm.ext.forEach(func(o *VMBO) error {
			if err := ex.Prepare(o.bo); err != nil {
				return err
			}
			if o.evicted {
				vm.evict.insert(o)
			}
			return nil
		})
	}

	it := vm.ext.drain()
	for o := it.next(); o != nil; o = it.next() {
		if err := ex.Prepare(o.bo); err != nil {
			it.finish()
			return err
		}
	}
	return nil
}

// Validate drains the evicted list and invokes the validation
// callback for each association, under the locks acquired by Lock.
// It stops at and returns the first callback error, leaving the
// remaining associations evicted so a later call retries them. An
// association whose evicted flag the callback cleared leaves the
// list for good. Without a configured callback Validate fails with
// ErrUnsupported.
func (ex *Exec) Validate() error {
	vm := ex.vm

	if vm.validate == nil {
		return ErrUnsupported
	}

	if vm.resvProtected {
		vm.r.AssertHeld()
		return vm.evict.forEach(func(o *VMBO) error {
			if err := vm.validate(o, ex); err != nil {
				return err
			}
			vm.stats.validations.Add(1)
			if !o.evicted {
				vm.evict.remove(o)
			}
			return nil
		})
	}

	it := vm.evict.drain()
	for o := it.next(); o != nil; o = it.next() {
		if err := vm.validate(o, ex); err != nil {
			it.finish()
			return err
		}
		vm.stats.validations.Add(1)
	}
	return nil
}

// AddFence attaches the fence to every locked reservation, with
// privateUsage for the VM reservation and externalUsage for every
// other one. Tracking completions of all address spaces referencing a
// shared buffer is what the usage split is for; private buffers get
// by with the cheaper class.
func (ex *Exec) AddFence(f resv.Fence, privateUsage, externalUsage resv.Usage) {
	for _, r := range ex.locked {
		usage := externalUsage
		if r == ex.vm.r {
			usage = privateUsage
		}
		r.AddFence(f, usage)
	}
}

// Locked returns the currently locked reservations.
func (ex *Exec) Locked() []*resv.Resv {
	return append([]*resv.Resv(nil), ex.locked...)
}

// Unlock releases every locked reservation. Calling it more than
// once, or on an exec whose Lock failed, is a caller bug and panics.
func (ex *Exec) Unlock() {
	if ex.released {
		log.Panic("repeated unlock of an exec of %s", ex.vm.name)
	}
	ex.unwind()
	ex.released = true
}

func (ex *Exec) unwind() {
	for _, r := range ex.locked {
		r.Unlock(ex.ctx)
	}
	ex.locked = ex.locked[:0]
	clear(ex.set)
	ex.dropPrelock()
}

func (ex *Exec) dropPrelock() {
	if ex.prelocked != nil {
		ex.prelocked.Unlock(ex.ctx)
		ex.prelocked = nil
	}
}
