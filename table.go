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

// Package probeset is a set of strings stored in a single open-addressed
// slot array. See https://en.wikipedia.org/wiki/Open_addressing.
//
// # Layout
//
// A Table owns one slice of slots. Every slot is empty, full (it holds a
// key) or deleted (a tombstone). The home index of a key is hash(key) mod
// capacity. Collisions are resolved with linear probing: the probe sequence
// for a key is home, home+1, ... wrapping at capacity.
//
// Lookups walk the probe sequence until they find the key or reach an empty
// slot. Tombstones never stop a lookup, which is what keeps a key reachable
// after an earlier member of its probe chain has been deleted. Inserts reuse
// the first tombstone on the probe path.
//
// # Growth
//
// Before a new key is placed the table checks used+tombstones against
// floor(capacity*loadFactor). If dropping the tombstones alone brings the
// table under the limit it is rehashed at the same capacity, otherwise the
// capacity doubles and every key is rehashed into the new slice. The load
// factor is strictly less than 1 so a probe sequence always meets an empty
// slot.
//
// # Deletion
//
// A deleted slot becomes a tombstone unless the slot after it is empty. In
// that case no probe chain can run through it and it is marked empty
// instead, together with any run of tombstones immediately before it.
package probeset

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/go-logr/logr"
)

const debug = false

var (
	// ErrInvalidCapacity is returned by New for a non-positive capacity.
	ErrInvalidCapacity = errors.New("probeset: initial capacity must be positive")
	// ErrInvalidLoadFactor is returned by New for a load factor outside
	// [MinLoadFactor, 1).
	ErrInvalidLoadFactor = errors.New("probeset: load factor must be in [0.01, 1)")
	// ErrInvalidKeyLength is returned by New for a non-positive key bound.
	ErrInvalidKeyLength = errors.New("probeset: max key length must be positive")
	// ErrKeyTooLong is returned by Insert for keys over the configured bound.
	ErrKeyTooLong = errors.New("probeset: key too long")
	// ErrTableFull means a probe sequence visited every slot without finding
	// a free one. The load factor makes this unreachable; seeing it is a bug.
	ErrTableFull = errors.New("probeset: table full")
	// ErrClosed is returned by operations on a closed Table.
	ErrClosed = errors.New("probeset: table closed")
)

// SlotState is the state of a single slot.
type SlotState uint8

const (
	SlotEmpty SlotState = iota
	SlotFull
	SlotDeleted
)

func (s SlotState) String() string {
	switch s {
	case SlotEmpty:
		return "empty"
	case SlotFull:
		return "full"
	case SlotDeleted:
		return "deleted"
	}
	return fmt.Sprintf("SlotState(%d)", uint8(s))
}

type slot struct {
	key   string
	state SlotState
}

// Outcome describes what an operation did.
type Outcome uint8

const (
	Inserted Outcome = iota + 1
	Duplicate
	Found
	NotFound
	Removed
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Duplicate:
		return "duplicate"
	case Found:
		return "found"
	case NotFound:
		return "not-found"
	case Removed:
		return "removed"
	}
	return fmt.Sprintf("Outcome(%d)", uint8(o))
}

// Result is returned by Insert, Find and Delete.
type Result struct {
	Outcome Outcome
	Key     string
	// Index is the slot the key occupies (or occupied, for Removed). It is
	// -1 for NotFound.
	Index int
	// Home is hash(key) mod capacity at the time of the operation.
	Home int
	Hash uint64
	// Collision reports that the home slot held a key when Insert ran.
	Collision bool
	// Grew reports that Insert doubled the capacity before placing the key.
	Grew bool
}

// Entry is one slot as reported by Dump.
type Entry struct {
	Index int
	Key   string
	State SlotState
}

// Dump is a snapshot of every slot in index order.
type Dump struct {
	Entries  []Entry
	Len      int
	Capacity int
	// Load is Len/Capacity.
	Load float64
}

// Stats are the table counters.
type Stats struct {
	Len         int
	Capacity    int
	Tombstones  int
	Grows       int
	Compactions int
	LoadFactor  float64
}

// Table is a set of strings backed by a linear-probing hash table.
//
// A Table is NOT goroutine-safe.
type Table struct {
	hash         HashFunc
	logger       logr.Logger
	loadFactor   float64
	maxKeyLength int

	slots []slot
	// The number of full slots.
	used int
	// The number of deleted slots. Tombstones count against the growth
	// limit so that a table churned by insert/delete pairs is compacted
	// rather than left with ever longer probe sequences.
	tombstones  int
	grows       int
	compactions int
	closed      bool
}

// New constructs a Table with initialCapacity empty slots.
func New(initialCapacity int, options ...Option) (*Table, error) {
	if initialCapacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, initialCapacity)
	}

	t := &Table{
		hash:         FNV1a,
		logger:       logr.Discard(),
		loadFactor:   DefaultLoadFactor,
		maxKeyLength: DefaultMaxKeyLength,
	}
	for _, op := range options {
		op.apply(t)
	}

	if !(t.loadFactor >= MinLoadFactor && t.loadFactor < 1) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLoadFactor, t.loadFactor)
	}
	if t.maxKeyLength <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidKeyLength, t.maxKeyLength)
	}

	t.slots = make([]slot, initialCapacity)
	t.checkInvariants()
	return t, nil
}

// Close releases the slot storage. It is invalid to use a Table after it has
// been closed; every operation returns ErrClosed. Close is idempotent.
func (t *Table) Close() {
	t.slots = nil
	t.used = 0
	t.tombstones = 0
	t.closed = true
}

// Insert adds key to the table. Inserting a key that is already present
// leaves the table unchanged and reports Duplicate.
func (t *Table) Insert(key string) (Result, error) {
	if t.closed {
		return Result{}, ErrClosed
	}
	if len(key) > t.maxKeyLength {
		return Result{}, fmt.Errorf("%w: %d bytes, limit is %d", ErrKeyTooLong, len(key), t.maxKeyLength)
	}

	h := t.hash(key)
	home := t.home(h)
	if debug {
		fmt.Printf("insert(%q): hash=%d home=%d\n", key, h, home)
	}

	index, free := t.find(key, h)
	if index >= 0 {
		return Result{
			Outcome:   Duplicate,
			Key:       key,
			Index:     index,
			Home:      home,
			Hash:      h,
			Collision: t.slots[home].state == SlotFull,
		}, nil
	}

	var grew bool
	if t.used+t.tombstones >= t.growthLimit(len(t.slots)) {
		var err error
		if grew, err = t.reserve(); err != nil {
			return Result{}, err
		}
		home = t.home(h)
		_, free = t.find(key, h)
	}
	if free < 0 {
		return Result{}, fmt.Errorf("%w: capacity=%d used=%d tombstones=%d",
			ErrTableFull, len(t.slots), t.used, t.tombstones)
	}

	collision := t.slots[home].state == SlotFull
	if t.slots[free].state == SlotDeleted {
		t.tombstones--
	}
	t.slots[free] = slot{key: key, state: SlotFull}
	t.used++
	if debug {
		fmt.Printf("insert(%q): index=%d used=%d tombstones=%d\n", key, free, t.used, t.tombstones)
	}
	t.checkInvariants()

	return Result{
		Outcome:   Inserted,
		Key:       key,
		Index:     free,
		Home:      home,
		Hash:      h,
		Collision: collision,
		Grew:      grew,
	}, nil
}

// Find reports the slot holding key.
func (t *Table) Find(key string) (Result, error) {
	if t.closed {
		return Result{}, ErrClosed
	}
	h := t.hash(key)
	r := Result{Outcome: NotFound, Key: key, Index: -1, Home: t.home(h), Hash: h}
	if index, _ := t.find(key, h); index >= 0 {
		r.Outcome = Found
		r.Index = index
	}
	return r, nil
}

// Delete removes key from the table.
func (t *Table) Delete(key string) (Result, error) {
	if t.closed {
		return Result{}, ErrClosed
	}
	h := t.hash(key)
	r := Result{Outcome: NotFound, Key: key, Index: -1, Home: t.home(h), Hash: h}
	index, _ := t.find(key, h)
	if index < 0 {
		return r, nil
	}

	capacity := len(t.slots)
	if t.slots[(index+1)%capacity].state == SlotEmpty {
		// Nothing probes past index, so neither it nor the tombstones
		// leading up to it are needed to keep a chain intact.
		t.slots[index] = slot{}
		for i, j := 1, (index+capacity-1)%capacity; i < capacity && t.slots[j].state == SlotDeleted; i, j = i+1, (j+capacity-1)%capacity {
			t.slots[j] = slot{}
			t.tombstones--
		}
	} else {
		t.slots[index] = slot{state: SlotDeleted}
		t.tombstones++
	}
	t.used--
	if debug {
		fmt.Printf("delete(%q): index=%d used=%d tombstones=%d\n", key, index, t.used, t.tombstones)
	}
	t.checkInvariants()

	r.Outcome = Removed
	r.Index = index
	return r, nil
}

// Compact rehashes the table at its current capacity, dropping every
// tombstone.
func (t *Table) Compact() error {
	if t.closed {
		return ErrClosed
	}
	if t.tombstones == 0 {
		return nil
	}
	t.logger.V(1).Info("compacting table", "capacity", len(t.slots), "keys", t.used, "tombstones", t.tombstones)
	t.rehash(len(t.slots))
	t.compactions++
	t.checkInvariants()
	return nil
}

// Dump returns every slot in index order.
func (t *Table) Dump() Dump {
	d := Dump{
		Entries:  make([]Entry, len(t.slots)),
		Len:      t.used,
		Capacity: len(t.slots),
	}
	for i := range t.slots {
		d.Entries[i] = Entry{Index: i, Key: t.slots[i].key, State: t.slots[i].state}
	}
	if d.Capacity > 0 {
		d.Load = float64(d.Len) / float64(d.Capacity)
	}
	return d
}

// All calls yield sequentially for each key present in the table along with
// the slot holding it. If yield returns false, iteration stops.
func (t *Table) All(yield func(index int, key string) bool) {
	for i := range t.slots {
		if t.slots[i].state != SlotFull {
			continue
		}
		if !yield(i, t.slots[i].key) {
			return
		}
	}
}

// Len returns the number of keys in the table.
func (t *Table) Len() int {
	return t.used
}

// Capacity returns the number of slots.
func (t *Table) Capacity() int {
	return len(t.slots)
}

// Tombstones returns the number of deleted slots awaiting reclamation.
func (t *Table) Tombstones() int {
	return t.tombstones
}

// Stats returns the table counters.
func (t *Table) Stats() Stats {
	return Stats{
		Len:         t.used,
		Capacity:    len(t.slots),
		Tombstones:  t.tombstones,
		Grows:       t.grows,
		Compactions: t.compactions,
		LoadFactor:  t.loadFactor,
	}
}

func (t *Table) home(h uint64) int {
	return int(h % uint64(len(t.slots)))
}

// growthLimit is the number of non-empty slots a table of the given capacity
// may hold before an insert must rehash.
func (t *Table) growthLimit(capacity int) int {
	return int(float64(capacity) * t.loadFactor)
}

// find walks the probe sequence for key. It returns the slot holding key (or
// -1) and the first empty or deleted slot seen on the way (or -1 if there
// was none).
func (t *Table) find(key string, h uint64) (index, free int) {
	capacity := len(t.slots)
	home := t.home(h)
	free = -1
	for i := 0; i < capacity; i++ {
		j := (home + i) % capacity
		s := &t.slots[j]
		switch s.state {
		case SlotEmpty:
			if free < 0 {
				free = j
			}
			return -1, free
		case SlotDeleted:
			if free < 0 {
				free = j
			}
		case SlotFull:
			if s.key == key {
				return j, free
			}
		}
	}
	return -1, free
}

// reserve makes room for one more key, reporting whether the capacity grew.
func (t *Table) reserve() (bool, error) {
	capacity := len(t.slots)
	if t.tombstones > 0 && t.used < t.growthLimit(capacity) {
		t.logger.V(1).Info("compacting table", "capacity", capacity, "keys", t.used, "tombstones", t.tombstones)
		t.rehash(capacity)
		t.compactions++
		return false, nil
	}

	newCapacity, err := t.grownCapacity(capacity)
	if err != nil {
		return false, err
	}
	t.logger.V(1).Info("growing table", "from", capacity, "to", newCapacity, "keys", t.used)
	t.rehash(newCapacity)
	t.grows++
	return true, nil
}

// grownCapacity doubles capacity until the growth limit is above used.
func (t *Table) grownCapacity(capacity int) (int, error) {
	for {
		if capacity > math.MaxInt/2 {
			return 0, fmt.Errorf("%w: cannot grow past capacity %d", ErrTableFull, capacity)
		}
		capacity *= 2
		if t.used < t.growthLimit(capacity) {
			return capacity, nil
		}
	}
}

// rehash moves every key into a fresh slice of newCapacity slots. Keys are
// known to be distinct so no equality checks are made.
func (t *Table) rehash(newCapacity int) {
	if debug {
		fmt.Printf("rehash: capacity=%d->%d used=%d tombstones=%d\n",
			len(t.slots), newCapacity, t.used, t.tombstones)
	}

	old := t.slots
	t.slots = make([]slot, newCapacity)
	for i := range old {
		if old[i].state != SlotFull {
			continue
		}
		j := t.home(t.hash(old[i].key))
		for t.slots[j].state != SlotEmpty {
			j = (j + 1) % newCapacity
		}
		t.slots[j] = old[i]
	}
	t.tombstones = 0
}

// scan is the O(capacity) lookup. It must always agree with find.
func (t *Table) scan(key string) int {
	for i := range t.slots {
		if t.slots[i].state == SlotFull && t.slots[i].key == key {
			return i
		}
	}
	return -1
}

func (t *Table) checkInvariants() {
	if !invariants {
		return
	}

	var used, deleted int
	for i := range t.slots {
		s := &t.slots[i]
		switch s.state {
		case SlotEmpty:
		case SlotDeleted:
			deleted++
		case SlotFull:
			used++
			index, _ := t.find(s.key, t.hash(s.key))
			if index != i {
				panic(fmt.Sprintf("invariant failed: slot(%d): %q found at %d\n%s", i, s.key, index, t.debugString()))
			}
			if j := t.scan(s.key); j != i {
				panic(fmt.Sprintf("invariant failed: slot(%d): %q scanned at %d\n%s", i, s.key, j, t.debugString()))
			}
		default:
			panic(fmt.Sprintf("invariant failed: slot(%d): bad state %d", i, s.state))
		}
	}

	if used != t.used {
		panic(fmt.Sprintf("invariant failed: found %d used slots, but used count is %d\n%s",
			used, t.used, t.debugString()))
	}
	if deleted != t.tombstones {
		panic(fmt.Sprintf("invariant failed: found %d deleted slots, but tombstone count is %d\n%s",
			deleted, t.tombstones, t.debugString()))
	}
	if used+deleted >= len(t.slots) {
		panic(fmt.Sprintf("invariant failed: no empty slot left\n%s", t.debugString()))
	}
}

func (t *Table) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  used=%d  tombstones=%d\n", len(t.slots), t.used, t.tombstones)
	for i := range t.slots {
		switch s := &t.slots[i]; s.state {
		case SlotFull:
			fmt.Fprintf(&buf, "  %4d: %q [home=%d]\n", i, s.key, t.home(t.hash(s.key)))
		default:
			fmt.Fprintf(&buf, "  %4d: %s\n", i, s.state)
		}
	}
	return buf.String()
}
