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

package gpuvm_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	. "github.com/intel/libgpuvm/pkg/gpuvm"
	"github.com/intel/libgpuvm/pkg/resv"
)

type testFence struct {
	signaled bool
}

func (f *testFence) Signaled() bool {
	return f.signaled
}

type mapping struct {
	start, end uint64
	bo         *BufferObject
}

type testMappings struct {
	mappings []mapping
}

func (m *testMappings) ForEachInRange(start, length uint64, fn func(*BufferObject) error) error {
	end := start + length
	for _, ma := range m.mappings {
		if ma.start < end && start < ma.end {
			if err := fn(ma.bo); err != nil {
				return err
			}
		}
	}
	return nil
}

func TestLockLocksVMAndExternals(t *testing.T) {
	var (
		vm     = mustNewVM(t, WithName("V"))
		priv   = NewBufferObject(vm.Resv())
		shared = NewBufferObject(resv.New(0))
	)

	po := vm.ObtainVMBO(priv)
	po.MarkExternal()
	so := vm.ObtainVMBO(shared)
	so.MarkExternal()

	ex, err := vm.NewExec(1)
	require.Nil(t, err, "unexpected NewExec() error")

	require.Nil(t, ex.Lock(), "unexpected Lock() error")
	require.ElementsMatch(t, []*resv.Resv{vm.Resv(), shared.Resv()}, ex.Locked(),
		"locked set should be the VM reservation plus the external object")
	require.True(t, vm.Resv().Held(), "VM reservation held")
	require.True(t, shared.Resv().Held(), "external reservation held")

	ex.Unlock()
	require.False(t, vm.Resv().Held(), "VM reservation released")
	require.False(t, shared.Resv().Held(), "external reservation released")

	po.Put()
	so.Put()
}

func TestLockWithExtraObjects(t *testing.T) {
	var (
		vm     = mustNewVM(t)
		shared = NewBufferObject(resv.New(0))
		extra1 = NewBufferObject(resv.New(0))
		extra2 = NewBufferObject(resv.New(0))
	)

	so := vm.ObtainVMBO(shared)
	so.MarkExternal()
	defer so.Put()

	// extra2 twice: preparing an object already locked is a no-op
	ex, err := vm.NewExec(1, WithExtraObjects(extra1, extra2, extra2))
	require.Nil(t, err, "unexpected NewExec() error")

	require.Nil(t, ex.Lock(), "unexpected Lock() error")
	require.ElementsMatch(t,
		[]*resv.Resv{vm.Resv(), shared.Resv(), extra1.Resv(), extra2.Resv()},
		ex.Locked(), "locked set should include the extras exactly once")
	ex.Unlock()
}

func TestLockAllOrNothingOnError(t *testing.T) {
	var (
		vm     = mustNewVM(t)
		shared = NewBufferObject(resv.New(0))
		boom   = fmt.Errorf("extra lock failure")
	)

	so := vm.ObtainVMBO(shared)
	so.MarkExternal()
	defer so.Put()

	ex, err := vm.NewExec(1, WithExtraLock(func(ex *Exec) error {
		return boom
	}))
	require.Nil(t, err, "unexpected NewExec() error")

	require.ErrorIs(t, ex.Lock(), boom, "extra lock error should propagate")
	require.False(t, vm.Resv().Held(), "VM reservation released on failure")
	require.False(t, shared.Resv().Held(), "external reservation released on failure")
	require.Panics(t, func() { ex.Unlock() }, "failed exec should be discarded")
}

func TestLockFenceSlotExhaustion(t *testing.T) {
	vm := mustNewVM(t, WithMaxFenceSlots(1))

	ex, err := vm.NewExec(2)
	require.Nil(t, err, "unexpected NewExec() error")

	require.ErrorIs(t, ex.Lock(), resv.ErrNoSpace, "slot cap should fail the lock")
	require.False(t, vm.Resv().Held(), "VM reservation released on failure")
}

func TestLockContentionRetries(t *testing.T) {
	var (
		vm     = mustNewVM(t)
		shared = NewBufferObject(resv.New(0))
		locked = make(chan struct{})
	)

	so := vm.ObtainVMBO(shared)
	so.MarkExternal()
	defer so.Put()

	ex1, err := vm.NewExec(1)
	require.Nil(t, err, "unexpected NewExec() error")
	require.Nil(t, ex1.Lock(), "unexpected Lock() error")

	ex2, err := vm.NewExec(1)
	require.Nil(t, err, "unexpected NewExec() error")

	go func() {
		if err := ex2.Lock(); err == nil {
			close(locked)
		}
	}()

	select {
	case <-locked:
		t.Fatal("second exec locked while the first one holds everything")
	case <-time.After(10 * time.Millisecond):
	}

	ex1.Unlock()

	select {
	case <-locked:
	case <-time.After(time.Second):
		t.Fatal("second exec failed to lock after release")
	}

	require.ElementsMatch(t, []*resv.Resv{vm.Resv(), shared.Resv()}, ex2.Locked(),
		"second exec should end up with the full locked set")
	ex2.Unlock()

	require.NotZero(t, vm.Stats().Contentions, "contention should be counted")
	require.Greater(t, vm.Stats().ExecPasses, uint64(2), "contended pass should retry")
}

func TestExtraLockContentionOutsidePrepare(t *testing.T) {
	vm := mustNewVM(t)

	// Contention may only be signaled by Prepare, which records the
	// reservation to wait for. Smuggling the sentinel out of the
	// callback directly leaves nothing to block on.
	ex, err := vm.NewExec(1, WithExtraLock(func(ex *Exec) error {
		return fmt.Errorf("locked elsewhere: %w", resv.ErrContended)
	}))
	require.Nil(t, err, "unexpected NewExec() error")

	require.Panics(t, func() { _ = ex.Lock() },
		"contention signaled outside Prepare should panic")
	require.False(t, vm.Resv().Held(), "VM reservation released before the panic")
}

func TestLockRange(t *testing.T) {
	var (
		tree = &testMappings{}
		vm   = mustNewVM(t, WithMappings(tree))
		b0   = NewBufferObject(resv.New(0))
		b1   = NewBufferObject(resv.New(0))
		b2   = NewBufferObject(resv.New(0))
		priv = NewBufferObject(vm.Resv())
	)

	tree.mappings = []mapping{
		{start: 0x0000, end: 0x1000, bo: b0},
		{start: 0x1000, end: 0x2000, bo: priv},
		{start: 0x2000, end: 0x3000, bo: b1},
		{start: 0x8000, end: 0x9000, bo: b2},
	}

	ex, err := vm.NewExec(1)
	require.Nil(t, err, "unexpected NewExec() error")

	// The range path locks every mapped buffer, external or not; the
	// private mapping resolves to the VM reservation.
	require.Nil(t, ex.LockRange(0x0000, 0x3000), "unexpected LockRange() error")
	require.ElementsMatch(t,
		[]*resv.Resv{b0.Resv(), vm.Resv(), b1.Resv()}, ex.Locked(),
		"every mapped buffer in range locked, none outside it")
	require.False(t, b2.Resv().Held(), "buffer outside the range stays unlocked")
	ex.Unlock()
}

func TestLockRangeWithoutMappings(t *testing.T) {
	vm := mustNewVM(t)

	ex, err := vm.NewExec(1)
	require.Nil(t, err, "unexpected NewExec() error")

	require.ErrorIs(t, ex.LockRange(0, 0x1000), ErrUnsupported,
		"range locking without a mapping iterator should be unsupported")
}

func TestValidateWithoutValidator(t *testing.T) {
	vm := mustNewVM(t)

	ex, err := vm.NewExec(1)
	require.Nil(t, err, "unexpected NewExec() error")
	require.Nil(t, ex.Lock(), "unexpected Lock() error")
	defer ex.Unlock()

	require.ErrorIs(t, ex.Validate(), ErrUnsupported,
		"validation without a callback should be unsupported")
}

func TestValidateRestoresResidency(t *testing.T) {
	var (
		calls int
		vm    = mustNewVM(t, WithName("V"), WithValidator(
			func(o *VMBO, ex *Exec) error {
				calls++
				o.SetEvicted(false)
				return nil
			}))
		priv   = NewBufferObject(vm.Resv())
		shared = NewBufferObject(resv.New(0))
	)

	po := vm.ObtainVMBO(priv)
	defer po.Put()
	so := vm.ObtainVMBO(shared)
	so.MarkExternal()
	defer so.Put()

	ex, err := vm.NewExec(1)
	require.Nil(t, err, "unexpected NewExec() error")
	require.Nil(t, ex.Lock(), "unexpected Lock() error")

	// All reservations are held by the exec now, so the eviction
	// notification can run against the shared buffer.
	so.SetEvicted(true)

	require.Nil(t, ex.Validate(), "unexpected Validate() error")
	require.Equal(t, 1, calls, "callback invoked exactly once for the evicted buffer")
	require.False(t, so.Evicted(), "buffer should be resident again")

	require.Nil(t, ex.Validate(), "unexpected repeated Validate() error")
	require.Equal(t, 1, calls, "second validation should invoke no callbacks")

	ex.Unlock()
	require.Equal(t, uint64(1), vm.Stats().Validations, "one validation counted")
}

func TestValidateStopsAtFirstError(t *testing.T) {
	var (
		fail  = true
		boom  = fmt.Errorf("validation failure")
		calls int
		vm    = mustNewVM(t, WithValidator(
			func(o *VMBO, ex *Exec) error {
				if fail {
					return boom
				}
				calls++
				o.SetEvicted(false)
				return nil
			}))
		b1 = NewBufferObject(resv.New(0))
		b2 = NewBufferObject(resv.New(0))
	)

	o1 := vm.ObtainVMBO(b1)
	o1.MarkExternal()
	defer o1.Put()
	o2 := vm.ObtainVMBO(b2)
	o2.MarkExternal()
	defer o2.Put()

	ex, err := vm.NewExec(1)
	require.Nil(t, err, "unexpected NewExec() error")
	require.Nil(t, ex.Lock(), "unexpected Lock() error")
	defer ex.Unlock()

	o1.SetEvicted(true)
	o2.SetEvicted(true)

	require.ErrorIs(t, ex.Validate(), boom, "callback error should propagate")
	require.Zero(t, calls, "no successful validations yet")
	require.True(t, o1.Evicted(), "unprocessed buffer stays evicted")
	require.True(t, o2.Evicted(), "unprocessed buffer stays evicted")

	// A later call is a safe, idempotent retry.
	fail = false
	require.Nil(t, ex.Validate(), "unexpected Validate() retry error")
	require.Equal(t, 2, calls, "both buffers validated on retry")
	require.False(t, o1.Evicted(), "buffer resident after retry")
	require.False(t, o2.Evicted(), "buffer resident after retry")
}

func TestAddFenceUsageClasses(t *testing.T) {
	var (
		vm     = mustNewVM(t)
		shared = NewBufferObject(resv.New(0))
		fence  = &testFence{}
	)

	so := vm.ObtainVMBO(shared)
	so.MarkExternal()
	defer so.Put()

	ex, err := vm.NewExec(1)
	require.Nil(t, err, "unexpected NewExec() error")
	require.Nil(t, ex.Lock(), "unexpected Lock() error")

	ex.AddFence(fence, resv.UsageBookkeep, resv.UsageWrite)
	ex.Unlock()

	require.Equal(t, []resv.Fence{fence}, shared.Resv().Fences(resv.UsageWrite),
		"external object should carry the fence in the write class")
	require.Empty(t, vm.Resv().Fences(resv.UsageWrite),
		"VM reservation should carry the fence only in the bookkeep class")
	require.Equal(t, []resv.Fence{fence}, vm.Resv().Fences(resv.UsageBookkeep),
		"VM reservation should carry the fence in the bookkeep class")
}

func TestResvProtectedDeferredEviction(t *testing.T) {
	var (
		calls int
		vm    = mustNewVM(t, WithResvProtected(), WithValidator(
			func(o *VMBO, ex *Exec) error {
				calls++
				o.SetEvicted(false)
				return nil
			}))
		shared = NewBufferObject(resv.New(0))
	)

	require.True(t, vm.ResvProtected(), "VM should be in resv-protected mode")

	vmctx := resv.NewCtx()
	vm.Resv().LockSlow(vmctx)
	so := vm.ObtainVMBO(shared)
	so.MarkExternal()
	vm.Resv().Unlock(vmctx)

	// Evict with only the buffer reservation held. The evicted-list
	// update must be deferred; only the next prepare pass, run with
	// the VM reservation held, may touch the list.
	boctx := resv.NewCtx()
	shared.Resv().LockSlow(boctx)
	so.SetEvicted(true)
	shared.Resv().Unlock(boctx)

	ex, err := vm.NewExec(1)
	require.Nil(t, err, "unexpected NewExec() error")
	require.Nil(t, ex.Lock(), "unexpected Lock() error")

	require.Nil(t, ex.Validate(), "unexpected Validate() error")
	require.Equal(t, 1, calls, "deferred eviction reconciled and validated")

	// Final release needs the VM reservation in this mode.
	so.Put()
	ex.Unlock()
	vm.Destroy()
}

func TestResvProtectedPrivateEviction(t *testing.T) {
	var (
		calls int
		vm    = mustNewVM(t, WithResvProtected(), WithValidator(
			func(o *VMBO, ex *Exec) error {
				calls++
				o.SetEvicted(false)
				return nil
			}))
	)

	priv := NewBufferObject(vm.Resv())

	vmctx := resv.NewCtx()
	vm.Resv().LockSlow(vmctx)
	po := vm.ObtainVMBO(priv)
	// Private buffer shares the VM reservation, so the evicted list
	// can be updated right away.
	po.SetEvicted(true)
	vm.Resv().Unlock(vmctx)

	ex, err := vm.NewExec(1)
	require.Nil(t, err, "unexpected NewExec() error")
	require.Nil(t, ex.Lock(), "unexpected Lock() error")
	require.Nil(t, ex.Validate(), "unexpected Validate() error")
	require.Equal(t, 1, calls, "private evicted buffer validated")

	po.Put()
	ex.Unlock()
	vm.Destroy()
}
