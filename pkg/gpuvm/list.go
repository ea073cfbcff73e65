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
	"sync"
)

// listNode is an intrusive link embedded in a VMBO, one per list the
// association can be a member of. A node with nil links is not on any
// list.
type listNode struct {
	next, prev *listNode
	owner      *VMBO
}

func (n *listNode) linked() bool {
	return n.next != nil
}

func (n *listNode) unlink() {
	if n.next == nil {
		return
	}
	n.prev.next = n.next
	n.next.prev = n.prev
	n.next, n.prev = nil, nil
}

func insertBefore(n, at *listNode) {
	n.prev = at.prev
	n.next = at
	at.prev.next = n
	at.prev = n
}

// objList is a list of VMBO associations. A guarded list protects
// itself with an internal lock and supports draining iteration, which
// lets the consumer block on per-buffer reservations without holding
// the list lock. An unguarded list relies on the caller to serialize
// every access through the VM reservation and is iterated directly.
//
// The list lock also guards the links of entries an in-flight draining
// iterator has moved onto its local list, so entries can be removed
// while drained.
type objList struct {
	mu      sync.Mutex
	guarded bool
	node    func(*VMBO) *listNode

	root     listNode
	count    int
	draining bool
}

func (l *objList) init(guarded bool, node func(*VMBO) *listNode) {
	l.guarded = guarded
	l.node = node
	l.root.next = &l.root
	l.root.prev = &l.root
}

func (l *objList) lock() {
	if l.guarded {
		l.mu.Lock()
	}
}

func (l *objList) unlock() {
	if l.guarded {
		l.mu.Unlock()
	}
}

// insert adds the association to the tail of the list unless it is
// already on it (or on the local list of an in-flight iterator).
func (l *objList) insert(o *VMBO) {
	l.lock()
	defer l.unlock()

	n := l.node(o)
	if n.linked() {
		return
	}
	insertBefore(n, &l.root)
	l.count++
}

// remove takes the association off the list, or off the local list of
// an in-flight iterator, if it is on either.
func (l *objList) remove(o *VMBO) {
	l.lock()
	defer l.unlock()

	n := l.node(o)
	if !n.linked() {
		return
	}
	n.unlink()
	l.count--
}

func (l *objList) empty() bool {
	l.lock()
	defer l.unlock()
	return l.count == 0
}

// length returns the number of entries on the list, counting entries
// an in-flight iterator has temporarily moved onto its local list.
// During a drain it can therefore exceed what snapshot reports.
func (l *objList) length() int {
	l.lock()
	defer l.unlock()
	return l.count
}

// forEach iterates an unguarded list directly, reading the next link
// before invoking the function so the current entry can be removed.
// It stops and returns the first error.
func (l *objList) forEach(fn func(*VMBO) error) error {
	for n := l.root.next; n != &l.root; {
		next := n.next
		if err := fn(n.owner); err != nil {
			return err
		}
		n = next
	}
	return nil
}

// snapshot returns the current entries of the list, excluding entries
// held by an in-flight iterator, so during a drain it can report fewer
// entries than length counts.
func (l *objList) snapshot() []*VMBO {
	l.lock()
	defer l.unlock()

	var entries []*VMBO
	for n := l.root.next; n != &l.root; n = n.next {
		entries = append(entries, n.owner)
	}
	return entries
}

// listIter is a draining iterator over a guarded list. Entries are
// popped off the shared list one by one with a reference taken, moved
// onto the iterator's local list and yielded with no lock held. The
// shared list always holds the not yet visited tail, so concurrent
// insertion and removal stay safe throughout. When iteration ends,
// normally or through finish, the local list is spliced back onto the
// head of the shared list, preserving relative order.
type listIter struct {
	list  *objList
	local listNode
	cur   *VMBO
	done  bool
}

// drain starts a draining iteration. At most one may be in flight per
// list; starting a second one is a caller bug and panics.
func (l *objList) drain() *listIter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.guarded {
		log.Panic("draining iteration of an unguarded list")
	}
	if l.draining {
		log.Panic("draining iteration already in flight")
	}
	l.draining = true

	it := &listIter{list: l}
	it.local.next = &it.local
	it.local.prev = &it.local
	return it
}

// next yields the next entry with a reference held, dropping the
// reference of the previously yielded one. Entries whose reference
// count already hit zero are mid-destruction and are dropped from the
// list. When the shared list is exhausted, next restores the local
// list and returns nil.
func (it *listIter) next() *VMBO {
	if it.done {
		return nil
	}

	l := it.list
	l.mu.Lock()
	for {
		n := l.root.next
		if n == &l.root {
			break
		}

		o := n.owner
		if !o.tryGet() {
			n.unlink()
			l.count--
			continue
		}

		n.unlink()
		insertBefore(n, &it.local)
		l.mu.Unlock()

		it.release()
		it.cur = o
		return o
	}

	it.restore()
	l.mu.Unlock()

	it.release()
	it.done = true
	return nil
}

// finish ends the iteration early, restoring the local list. It is a
// no-op once the iteration has completed.
func (it *listIter) finish() {
	if it.done {
		return
	}

	l := it.list
	l.mu.Lock()
	it.restore()
	l.mu.Unlock()

	it.release()
	it.done = true
}

// restore splices the local list back onto the head of the shared
// list and clears the iteration marker. Called with the list lock
// held.
func (it *listIter) restore() {
	l := it.list
	if first, last := it.local.next, it.local.prev; first != &it.local {
		first.prev = &l.root
		last.next = l.root.next
		l.root.next.prev = last
		l.root.next = first
		it.local.next = &it.local
		it.local.prev = &it.local
	}
	l.draining = false
}

// release drops the reference of the last yielded entry. Must not be
// called with the list lock held, as dropping the last reference
// destroys the association and relocks the list.
func (it *listIter) release() {
	if it.cur != nil {
		it.cur.Put()
		it.cur = nil
	}
}
