// Copyright 2024 The Cockroach Authors
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

// Package probemap is an open-addressing hash map with linear probing that
// remembers the order in which its entries were inserted.
//
// # Layout
//
// A Map keeps two co-located arrays. The slots array has a power of two
// length and holds the entries. Each slot is empty, deleted (a tombstone) or
// occupied. Collisions are resolved with linear probing: a key with hash h is
// looked for at h, h+1, h+2, ... (mod capacity). Lookups stop at the first
// empty slot; tombstones are skipped so that removing a key never breaks the
// probe chain of another key.
//
// The insertion log is indexed by insertion position and holds the slot index
// of the entry inserted at that position, or noBucket if the entry has since
// been removed. Every occupied slot records its position in the log, so the
// slot and the log point at each other:
//
//	 slots                       log
//	+---+-----------------+     +---+---+
//	| 0 |  empty          |     | 0 | 3 |
//	+---+-----------------+     +---+---+
//	| 1 |  "b" pos=2      | <-- | 1 | - |   (removed)
//	+---+-----------------+     +---+---+
//	| 2 |  deleted        |     | 2 | 1 |
//	+---+-----------------+     +---+---+
//	| 3 |  "a" pos=0      |
//	+---+-----------------+
//
// The map caches the (position, slot) pairs of the oldest and newest live
// entries which makes First and Last O(1). When the oldest or newest entry is
// removed the cached pair walks forward or backward through the log to the
// next live entry.
//
// The log is append-only with one exception: removing the newest entry
// truncates the absent positions at the tail of the log, so the backward walk
// never crosses the same position twice and removal stays O(1) amortized.
// New entries then reuse the truncated positions.
//
// # Growth
//
// Before a new key is inserted the map checks that occupied plus deleted
// slots, counting the new key, stay at or below 3/4 of the capacity. If not,
// the map is rebuilt: a new slots array at least twice the number of live
// entries is allocated, and the old log is replayed in ascending order. The
// rebuild drops every tombstone and renumbers the log to 0..Len()-1 while
// preserving the relative order of the entries. A map never shrinks.
//
// Reusing a tombstone does not change the number of used slots, so a churn of
// inserts and removals can append to the log without ever crossing the load
// factor. The map also rebuilds in place when the log reaches twice the
// capacity.
package probemap

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/zeebo/errs/v2"
)

const (
	debug = false

	// The maximum load factor, (used+tombstones)/capacity, is
	// maxLoadNum/maxLoadDen.
	maxLoadNum = 3
	maxLoadDen = 4

	// The log is compacted once it holds logSlack*capacity positions.
	logSlack = 2

	// maxCapacity is the largest power of two whose load arithmetic
	// (capacity*maxLoadNum) does not overflow a uintptr.
	maxCapacity = uintptr(1) << (bits.UintSize - 2)

	noPos    = -1
	noBucket = ^uintptr(0)
)

// ErrCapacityOverflow is raised (as a panic) when a Map would need more than
// the largest supported power of two slots.
var ErrCapacityOverflow = errs.Errorf("capacity overflow")

type slotState uint8

const (
	slotEmpty slotState = iota
	slotDeleted
	slotOccupied
)

func (s slotState) String() string {
	switch s {
	case slotEmpty:
		return "empty"
	case slotDeleted:
		return "deleted"
	case slotOccupied:
		return "occupied"
	default:
		return fmt.Sprintf("slotState(%d)", uint8(s))
	}
}

// Slot holds a key and value along with the position of the entry in the
// insertion log.
type Slot[K comparable, V any] struct {
	key   K
	value V
	pos   int
	state slotState
}

// boundary caches a live log position and the slot it points at.
type boundary struct {
	pos    int
	bucket uintptr
}

var noBoundary = boundary{pos: noPos, bucket: noBucket}

func (b boundary) valid() bool { return b.pos != noPos }

// Map is a map from keys to values that also tracks insertion order, with
// Put, Get, Delete, First, Last and All operations. By default a string keyed
// Map hashes with xxh3 and other keys use hash/maphash; a different hash
// function can be specified using the WithHash option.
//
// Updating the value of a live key does not change its insertion position.
//
// A Map is NOT goroutine-safe. Concurrent readers are fine, but any mutation
// requires exclusive access to the whole Map.
type Map[K comparable, V any] struct {
	hash func(key *K, seed uintptr) uintptr
	seed uintptr
	// The allocator to use for the slots and log slices.
	allocator Allocator[K, V]
	// slots is capacity in length.
	slots []Slot[K, V]
	// The total number of slots, always a power of two. capacity-1 is used as
	// a mask to compute i%capacity.
	capacity uintptr
	// The number of occupied slots.
	used int
	// The number of deleted slots. Tombstones count against the load factor
	// until the next resize drops them.
	tombstones int
	// log maps an insertion position to the slot holding that entry, or to
	// noBucket if the entry was removed.
	log []uintptr
	// first and last are the smallest and largest log positions holding a
	// slot. Both are noBoundary iff used == 0.
	first boundary
	last  boundary
}

// New constructs a new Map with the specified initial capacity, rounded up to
// a power of two. The smallest capacity is 1; such a map grows on the first
// insert. New panics with ErrCapacityOverflow if initialCapacity is too large.
// The zero value for a Map is not usable.
func New[K comparable, V any](initialCapacity int, options ...option[K, V]) *Map[K, V] {
	m := &Map[K, V]{
		hash:      defaultHash[K](),
		allocator: defaultAllocator[K, V]{},
		first:     noBoundary,
		last:      noBoundary,
	}

	for _, op := range options {
		op.apply(m)
	}

	capacity, err := capacityFor(initialCapacity)
	if err != nil {
		panic(err)
	}
	m.capacity = capacity
	m.slots = m.allocator.AllocSlots(int(capacity))
	m.log = m.allocator.AllocLog(0)

	m.checkInvariants()
	return m
}

// capacityFor returns the smallest power of two >= n, and at least 1.
func capacityFor(n int) (uintptr, error) {
	if n <= 1 {
		return 1, nil
	}
	if uint64(n) > uint64(maxCapacity) {
		return 0, errs.Errorf("%w: %d slots requested, at most %d supported",
			ErrCapacityOverflow, n, maxCapacity)
	}
	return uintptr(1) << bits.Len(uint(n-1)), nil
}

// Close releases the slots and log back to the configured allocator. It is
// unnecessary to close a map using the default allocator. It is invalid to use
// a Map after it has been closed, though Close itself is idempotent.
func (m *Map[K, V]) Close() {
	if m.allocator == nil {
		return
	}
	m.allocator.FreeSlots(m.slots)
	m.allocator.FreeLog(m.log)
	m.slots = nil
	m.log = nil
	m.capacity = 0
	m.used = 0
	m.tombstones = 0
	m.first, m.last = noBoundary, noBoundary
	m.allocator = nil
}

// Put inserts an entry into the map, overwriting the value of an existing
// entry with the same key. If the key was present, Put returns the previous
// value and replaced=true; the entry keeps its insertion position.
// Updating an existing key never resizes the map.
func (m *Map[K, V]) Put(key K, value V) (prev V, replaced bool) {
	h := m.hash(&key, m.seed)
	i, found := m.findForPut(h, key)
	if found {
		s := &m.slots[i]
		if debug {
			fmt.Printf("put(updating): index=%d pos=%d key=%v\n", i, s.pos, key)
		}
		prev, s.value = s.value, value
		m.checkInvariants()
		return prev, true
	}

	// Before performing the insertion we may decide the table is getting
	// overcrowded, either by slots or by log positions. The resize drops every
	// tombstone so the slot found above is no longer meaningful.
	if m.needsResize() {
		m.resize(m.grownCapacity())
		m.uncheckedPut(h, key, value)
	} else {
		m.insertAt(i, key, value)
	}
	m.checkInvariants()
	return prev, false
}

// Get retrieves the value from the map for the specified key, returning
// ok=false if the key is not present.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	h := m.hash(&key, m.seed)
	if i, ok := m.find(h, key); ok {
		return m.slots[i].value, true
	}
	return value, false
}

// Delete removes the entry for the specified key, returning its value and
// ok=true. Deleting a non-existent key is a noop that returns ok=false.
func (m *Map[K, V]) Delete(key K) (value V, ok bool) {
	h := m.hash(&key, m.seed)
	i, ok := m.find(h, key)
	if !ok {
		if debug {
			fmt.Printf("delete(not-found): key=%v\n", key)
		}
		return value, false
	}
	value = m.deleteAt(i)
	m.checkInvariants()
	return value, true
}

// First returns the oldest entry still present in the map.
func (m *Map[K, V]) First() (key K, value V, ok bool) {
	if !m.first.valid() {
		return key, value, false
	}
	s := &m.slots[m.first.bucket]
	return s.key, s.value, true
}

// Last returns the most recently inserted entry still present in the map.
func (m *Map[K, V]) Last() (key K, value V, ok bool) {
	if !m.last.valid() {
		return key, value, false
	}
	s := &m.slots[m.last.bucket]
	return s.key, s.value, true
}

// All calls yield sequentially for each key and value present in the map, in
// insertion order. If yield returns false, the iteration stops. Because of
// its signature All can be used directly in a range statement:
//
//	for k, v := range m.All {
//	  fmt.Printf("%v: %v\n", k, v)
//	}
//
// All works on a snapshot of the slots and log taken when it is called. The
// map can be mutated during iteration, but whether those mutations are
// visible to the iteration is unspecified.
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	slots, log := m.slots, m.log
	for pos, i := range log {
		if i == noBucket {
			continue
		}
		s := &slots[i]
		// The snapshot shares storage with the map, so skip slots that were
		// deleted or reused since the call.
		if s.state != slotOccupied || s.pos != pos {
			continue
		}
		if !yield(s.key, s.value) {
			return
		}
	}
}

// Clear deletes all entries from the map, retaining its capacity.
func (m *Map[K, V]) Clear() {
	clear(m.slots)
	m.log = m.log[:0]
	m.used = 0
	m.tombstones = 0
	m.first, m.last = noBoundary, noBoundary
	m.checkInvariants()
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return m.used
}

// IsEmpty returns true if the map holds no entries.
func (m *Map[K, V]) IsEmpty() bool {
	return m.used == 0
}

// Capacity returns the number of slots in the map. The map resizes before an
// insert would take more than 3/4 of them.
func (m *Map[K, V]) Capacity() int {
	return int(m.capacity)
}

// findForPut returns the index of the slot holding key (found=true), or the
// slot a new entry for key should be written to: the first tombstone on the
// probe path, else the empty slot that terminated it. The probe continues
// past tombstones until an empty slot so a live copy of key further along the
// chain is never missed.
func (m *Map[K, V]) findForPut(h uintptr, key K) (i uintptr, found bool) {
	tombstone := noBucket
	seq := makeProbeSeq(h, m.capacity-1)
	if debug {
		fmt.Printf("put(%v): %s\n", key, seq)
	}

	for ; seq.index < m.capacity; seq = seq.next() {
		s := &m.slots[seq.offset]
		switch s.state {
		case slotEmpty:
			if tombstone != noBucket {
				return tombstone, false
			}
			return seq.offset, false
		case slotDeleted:
			if tombstone == noBucket {
				tombstone = seq.offset
			}
		case slotOccupied:
			if s.key == key {
				return seq.offset, true
			}
		}
	}

	if tombstone != noBucket {
		return tombstone, false
	}
	panic(fmt.Sprintf("invariant failed: probe for %v visited all %d slots\n%s",
		key, m.capacity, m.debugString()))
}

// find returns the index of the slot holding key. The probe stops at the
// first empty slot and skips over tombstones.
func (m *Map[K, V]) find(h uintptr, key K) (i uintptr, ok bool) {
	seq := makeProbeSeq(h, m.capacity-1)
	for ; seq.index < m.capacity; seq = seq.next() {
		s := &m.slots[seq.offset]
		switch s.state {
		case slotEmpty:
			if debug {
				fmt.Printf("find(not-found): key=%v %s\n", key, seq)
			}
			return 0, false
		case slotOccupied:
			if s.key == key {
				if debug {
					fmt.Printf("find(found): key=%v index=%d\n", key, seq.offset)
				}
				return seq.offset, true
			}
		}
	}
	return 0, false
}

// uncheckedPut inserts an entry known not to be in the table into the first
// empty or deleted slot on its probe path. Used by resize, which replays
// entries that are unique by construction, and by Put after a resize.
func (m *Map[K, V]) uncheckedPut(h uintptr, key K, value V) {
	for seq := makeProbeSeq(h, m.capacity-1); seq.index < m.capacity; seq = seq.next() {
		if m.slots[seq.offset].state != slotOccupied {
			m.insertAt(seq.offset, key, value)
			return
		}
	}
	panic(fmt.Sprintf("invariant failed: no free slot for %v\n%s", key, m.debugString()))
}

// insertAt writes a new entry to slot i, which must be empty or deleted, and
// appends it to the insertion log.
func (m *Map[K, V]) insertAt(i uintptr, key K, value V) {
	s := &m.slots[i]
	if s.state == slotDeleted {
		m.tombstones--
	}
	pos := len(m.log)
	*s = Slot[K, V]{key: key, value: value, pos: pos, state: slotOccupied}
	m.log = append(m.log, i)
	m.used++

	// pos is past every existing position so the new entry is always the
	// newest.
	b := boundary{pos: pos, bucket: i}
	if !m.first.valid() {
		m.first = b
	}
	m.last = b

	if debug {
		fmt.Printf("put(inserting): index=%d pos=%d used=%d tombstones=%d\n",
			i, pos, m.used, m.tombstones)
	}
}

// deleteAt turns the occupied slot i into a tombstone, clears its log
// position and moves the first/last boundaries if they pointed at it. The
// slot and the log are only ever updated together, here and in insertAt.
func (m *Map[K, V]) deleteAt(i uintptr) (value V) {
	s := &m.slots[i]
	pos := s.pos
	value = s.value
	*s = Slot[K, V]{pos: noPos, state: slotDeleted}
	m.log[pos] = noBucket
	m.used--
	m.tombstones++

	if pos == m.first.pos {
		m.first = m.nextLive(pos + 1)
	}
	if pos == m.last.pos {
		m.last = m.prevLive(pos - 1)
		// Every position after the new last is absent. Dropping them means
		// the backward walk never crosses the same position twice.
		m.log = m.log[:m.last.pos+1]
	}

	if debug {
		fmt.Printf("delete: index=%d pos=%d used=%d tombstones=%d first=%d last=%d\n",
			i, pos, m.used, m.tombstones, m.first.pos, m.last.pos)
	}
	return value
}

// nextLive returns the first live log position >= pos.
func (m *Map[K, V]) nextLive(pos int) boundary {
	for ; pos < len(m.log); pos++ {
		if i := m.log[pos]; i != noBucket {
			return boundary{pos: pos, bucket: i}
		}
	}
	return noBoundary
}

// prevLive returns the last live log position <= pos.
func (m *Map[K, V]) prevLive(pos int) boundary {
	for ; pos >= 0; pos-- {
		if i := m.log[pos]; i != noBucket {
			return boundary{pos: pos, bucket: i}
		}
	}
	return noBoundary
}

// needsResize reports whether inserting one more entry would push occupied
// plus deleted slots above the maximum load factor, or whether the log has
// outgrown the slots.
func (m *Map[K, V]) needsResize() bool {
	if uintptr(m.used+m.tombstones+1)*maxLoadDen > m.capacity*maxLoadNum {
		return true
	}
	return uintptr(len(m.log)) >= logSlack*m.capacity
}

// grownCapacity returns the capacity to resize to before inserting one more
// entry: the smallest power of two >= 2*used that keeps used+1 entries within
// the load factor, and never less than the current capacity. When it equals
// the current capacity the resize only drops tombstones and compacts the log.
func (m *Map[K, V]) grownCapacity() uintptr {
	newCapacity, err := capacityFor(2 * m.used)
	if err != nil {
		panic(err)
	}
	for uintptr(m.used+1)*maxLoadDen > newCapacity*maxLoadNum {
		if newCapacity >= maxCapacity {
			panic(errs.Errorf("%w: cannot grow past %d slots", ErrCapacityOverflow, newCapacity))
		}
		newCapacity <<= 1
	}
	if newCapacity < m.capacity {
		newCapacity = m.capacity
	}
	return newCapacity
}

// resize allocates new slots and an empty log, then replays the old log in
// ascending position order with uncheckedPut (every key is already unique).
// Tombstones are discarded and the surviving entries get the positions
// 0..used-1 in their original relative order.
func (m *Map[K, V]) resize(newCapacity uintptr) {
	oldSlots, oldLog := m.slots, m.log
	oldCapacity := m.capacity

	m.slots = m.allocator.AllocSlots(int(newCapacity))
	m.log = m.allocator.AllocLog(m.used)
	m.capacity = newCapacity
	m.used = 0
	m.tombstones = 0
	m.first, m.last = noBoundary, noBoundary

	if debug {
		fmt.Printf("resize: capacity=%d->%d  log=%d\n", oldCapacity, newCapacity, len(oldLog))
	}

	for _, i := range oldLog {
		if i == noBucket {
			continue
		}
		s := &oldSlots[i]
		h := m.hash(&s.key, m.seed)
		m.uncheckedPut(h, s.key, s.value)
	}

	m.allocator.FreeSlots(oldSlots)
	m.allocator.FreeLog(oldLog)

	m.checkInvariants()
}

func (m *Map[K, V]) checkInvariants() {
	if invariants {
		if err := m.validate(); err != nil {
			panic(err.Error())
		}
	}
}

// validate checks the structural invariants of the map: the capacity is a
// power of two, the counters match the slots, every occupied slot and every
// log position point at each other, the boundaries sit on the smallest and
// largest live positions, and no key is live twice.
func (m *Map[K, V]) validate() error {
	fail := func(format string, args ...any) error {
		return errs.Errorf("invariant failed: "+format+"\n%s", append(args, m.debugString())...)
	}

	if m.capacity == 0 || m.capacity&(m.capacity-1) != 0 {
		return fail("capacity %d is not a power of two", m.capacity)
	}
	if uintptr(len(m.slots)) != m.capacity {
		return fail("found %d slots, but capacity is %d", len(m.slots), m.capacity)
	}

	var used, deleted int
	seen := make(map[K]uintptr, m.used)
	for i := range m.slots {
		s := &m.slots[i]
		switch s.state {
		case slotDeleted:
			deleted++
		case slotOccupied:
			used++
			if s.pos < 0 || s.pos >= len(m.log) || m.log[s.pos] != uintptr(i) {
				return fail("slot(%d): %v has position %d not pointing back", i, s.key, s.pos)
			}
			if j, ok := seen[s.key]; ok {
				return fail("slot(%d): %v is also live in slot(%d)", i, s.key, j)
			}
			seen[s.key] = uintptr(i)
			if _, ok := m.Get(s.key); !ok {
				return fail("slot(%d): %v not found", i, s.key)
			}
		}
	}
	if used != m.used {
		return fail("found %d used slots, but used count is %d", used, m.used)
	}
	if deleted != m.tombstones {
		return fail("found %d deleted slots, but tombstone count is %d", deleted, m.tombstones)
	}

	first, last := noBoundary, noBoundary
	for pos, i := range m.log {
		if i == noBucket {
			continue
		}
		if i >= m.capacity {
			return fail("log(%d): slot %d out of range", pos, i)
		}
		if s := &m.slots[i]; s.state != slotOccupied || s.pos != pos {
			return fail("log(%d): slot %d is %s with position %d", pos, i, s.state, s.pos)
		}
		if !first.valid() {
			first = boundary{pos: pos, bucket: i}
		}
		last = boundary{pos: pos, bucket: i}
	}
	if first != m.first {
		return fail("first is %v, but expected %v", m.first, first)
	}
	if last != m.last {
		return fail("last is %v, but expected %v", m.last, last)
	}
	return nil
}

func (m *Map[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  used=%d  tombstones=%d  log=%d  first=%d  last=%d\n",
		m.capacity, m.used, m.tombstones, len(m.log), m.first.pos, m.last.pos)
	for i := range m.slots {
		switch s := &m.slots[i]; s.state {
		case slotEmpty:
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
		case slotDeleted:
			fmt.Fprintf(&buf, "  %4d: deleted\n", i)
		default:
			h := m.hash(&s.key, m.seed)
			fmt.Fprintf(&buf, "  %4d: %v [pos=%d home=%d]\n", i, s.key, s.pos, h&(m.capacity-1))
		}
	}
	return buf.String()
}

// probeSeq maintains the state for a linear probe sequence. The sequence
// starts at hash&mask and advances one slot at a time, wrapping at mask+1:
//
//	p(i) := hash + i (mod mask+1)
//
// index counts the slots visited so far, so a probe loop bounded by
// index < mask+1 examines every slot exactly once.
type probeSeq struct {
	mask   uintptr
	offset uintptr
	index  uintptr
}

func makeProbeSeq(hash, mask uintptr) probeSeq {
	return probeSeq{
		mask:   mask,
		offset: hash & mask,
		index:  0,
	}
}

func (s probeSeq) next() probeSeq {
	s.index++
	s.offset = (s.offset + 1) & s.mask
	return s
}

func (s probeSeq) String() string {
	return fmt.Sprintf("mask=%d offset=%d index=%d", s.mask, s.offset, s.index)
}
