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

// Package gpuvm tracks the buffer objects bound into GPU virtual
// address spaces. The primary types are VM, BufferObject, VMBO and
// Exec.
//
// # Address Spaces, Buffers, Associations
//
// A VM is a GPU virtual address space. It owns a reservation lock of
// its own which stands for all of its private buffers, that is buffers
// created to share the VM's reservation. Buffers with a reservation of
// their own are external to the VM; they can be bound into several
// address spaces at once.
//
// Binding a buffer into a VM is recorded as a VMBO association. There
// is at most one association per (VM, buffer) pair: obtaining one for
// a pair that already has one returns the existing instance with its
// reference count raised. An association tracks whether its buffer is
// external, and whether it is currently evicted, that is reclaimed by
// the memory manager and in need of revalidation before further GPU
// use. The VM keeps all external associations on its external list and
// all evicted ones on its evicted list.
//
// # Locking Modes
//
// By default the external and evicted lists are protected by internal
// locks, so bind, eviction and submission paths can touch them
// concurrently. A VM created with WithResvProtected instead relies on
// the caller to hold the VM reservation around every list access, and
// the internal list locks are elided. In that mode marking an external
// buffer evicted only records the flag; the evicted list catches up
// the next time the external objects are prepared for submission.
//
// # Submission
//
// A submission path creates an Exec for the VM and calls Lock. This
// acquires the VM reservation, the reservation of every external
// object and any extra reservations requested through the exec
// options, as one all-or-nothing unit. If any acquisition contends,
// everything acquired so far is released, the contended reservation is
// waited for, and the whole sequence retries from scratch. Once
// locked, Validate restores the residency of evicted buffers through
// the configured validation callback, the caller submits its work, and
// AddFence attaches the completion fence to every locked reservation.
// Unlock releases everything.
package gpuvm
