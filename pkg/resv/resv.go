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

// Package resv implements per-object reservation locks with fence
// bookkeeping. A reservation is locked through an acquisition context.
// The fast-path Lock never blocks: if another context holds the
// reservation it fails with ErrContended, letting the caller release
// everything it has acquired so far and reacquire from scratch. The
// slow-path LockSlow blocks until the reservation becomes available
// and is meant to be used only while holding no other reservation.
package resv

import (
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrContended   = fmt.Errorf("resv: reservation contended")
	ErrAlreadyHeld = fmt.Errorf("resv: reservation already held by context")
	ErrNoSpace     = fmt.Errorf("resv: out of fence slots")
)

// Usage classifies fences attached to a reservation. Usage classes are
// ordered; iterating fences for a class yields all fences of that class
// and every stricter one.
type Usage int

const (
	// UsageKernel is for fences of internal management operations.
	UsageKernel Usage = iota
	// UsageWrite is for fences of operations that modify the object.
	UsageWrite
	// UsageRead is for fences of operations that only read the object.
	UsageRead
	// UsageBookkeep is for fences tracked for bookkeeping only.
	UsageBookkeep
)

var usageToString = map[Usage]string{
	UsageKernel:   "kernel",
	UsageWrite:    "write",
	UsageRead:     "read",
	UsageBookkeep: "bookkeep",
}

// String returns a string representation of the usage class.
func (u Usage) String() string {
	if str, ok := usageToString[u]; ok {
		return str
	}
	return fmt.Sprintf("%%!(resv:Bad-Usage %d)", u)
}

// Fence is the completion fence interface. Fences are opaque to this
// package; they are only stored and handed back.
type Fence interface {
	// Signaled returns true once the fenced operation has completed.
	Signaled() bool
}

// Ctx is an acquisition context. One context may hold any number of
// reservations; the ticket identifies the context in logs and errors.
type Ctx struct {
	ticket uint64
}

var ticketGen atomic.Uint64

// NewCtx returns a new acquisition context.
func NewCtx() *Ctx {
	return &Ctx{ticket: ticketGen.Add(1)}
}

// Ticket returns the ticket number of the context.
func (c *Ctx) Ticket() uint64 {
	return c.ticket
}

// String returns a string representation of the context.
func (c *Ctx) String() string {
	return fmt.Sprintf("ctx#%d", c.ticket)
}

type fenceEntry struct {
	fence Fence
	usage Usage
}

// Resv is a reservation lock with attached fences. The zero value is
// not usable; use New.
type Resv struct {
	mu     sync.Mutex
	cond   *sync.Cond
	holder *Ctx

	maxSlots int
	fences   []fenceEntry
}

// New returns a new reservation. A non-zero maxFenceSlots caps the
// number of fences that can be reserved and attached.
func New(maxFenceSlots int) *Resv {
	r := &Resv{maxSlots: maxFenceSlots}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Lock attempts to acquire the reservation for the given context
// without blocking. It returns ErrContended if another context holds
// the reservation and ErrAlreadyHeld if the given context already
// does.
func (r *Resv) Lock(ctx *Ctx) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.holder {
	case nil:
		r.holder = ctx
		return nil
	case ctx:
		return ErrAlreadyHeld
	}
	return ErrContended
}

// TryLock attempts to acquire the reservation, returning true on
// success.
func (r *Resv) TryLock(ctx *Ctx) bool {
	return r.Lock(ctx) == nil
}

// LockSlow blocks until the reservation can be acquired for the given
// context. The caller must not hold any other reservation, or two
// contexts can end up blocking on each other.
func (r *Resv) LockSlow(ctx *Ctx) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.holder != nil && r.holder != ctx {
		r.cond.Wait()
	}
	r.holder = ctx
}

// Unlock releases the reservation. It panics if the given context is
// not the holder.
func (r *Resv) Unlock(ctx *Ctx) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.holder != ctx {
		panic(fmt.Sprintf("resv: unlock of reservation not held by %s", ctx))
	}
	r.holder = nil
	r.cond.Broadcast()
}

// Held returns true if the reservation is currently held.
func (r *Resv) Held() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.holder != nil
}

// HeldBy returns true if the reservation is held by the given context.
func (r *Resv) HeldBy(ctx *Ctx) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.holder == ctx
}

// AssertHeld panics unless the reservation is currently held.
func (r *Resv) AssertHeld() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.holder == nil {
		panic("resv: reservation lock not held")
	}
}

// Reserve ensures there is room for n additional fences. It must be
// called with the reservation held. It fails with ErrNoSpace if the
// reservation has a slot cap and the cap would be exceeded.
func (r *Resv) Reserve(n int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.holder == nil {
		panic("resv: Reserve without reservation lock held")
	}

	if r.maxSlots > 0 && len(r.fences)+n > r.maxSlots {
		return fmt.Errorf("%w: %d fences + %d reserved exceeds cap %d",
			ErrNoSpace, len(r.fences), n, r.maxSlots)
	}

	if need := len(r.fences) + n; need > cap(r.fences) {
		fences := make([]fenceEntry, len(r.fences), need)
		copy(fences, r.fences)
		r.fences = fences
	}

	return nil
}

// AddFence attaches a fence with the given usage class. It must be
// called with the reservation held.
func (r *Resv) AddFence(f Fence, usage Usage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.holder == nil {
		panic("resv: AddFence without reservation lock held")
	}

	r.fences = append(r.fences, fenceEntry{fence: f, usage: usage})
}

// Fences returns the fences attached with the given usage class or any
// stricter one.
func (r *Resv) Fences(usage Usage) []Fence {
	r.mu.Lock()
	defer r.mu.Unlock()

	var fences []Fence
	for _, e := range r.fences {
		if e.usage <= usage {
			fences = append(fences, e.fence)
		}
	}
	return fences
}

// NumFences returns the total number of attached fences.
func (r *Resv) NumFences() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fences)
}
