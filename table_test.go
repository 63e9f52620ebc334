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

package probeset

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"testing"

	mapset "github.com/deckarep/golang-set"
	"github.com/go-logr/logr/funcr"
	"github.com/stretchr/testify/require"
)

// toSet returns the keys as a set. Useful for testing.
func (t *Table) toSet() mapset.Set {
	r := mapset.NewThreadUnsafeSet()
	t.All(func(_ int, key string) bool {
		r.Add(key)
		return true
	})
	return r
}

func constantHash(h uint64) HashFunc {
	return func(string) uint64 { return h }
}

func mustNew(t *testing.T, initialCapacity int, options ...Option) *Table {
	tbl, err := New(initialCapacity, options...)
	require.NoError(t, err)
	return tbl
}

func TestFNV1a(t *testing.T) {
	require.EqualValues(t, uint64(14695981039346656037), FNV1a(""))
	require.EqualValues(t, uint64(0xaf63dc4c8601ec8c), FNV1a("a"))

	for _, s := range []string{"", "a", "cat", "dog", "bird", "fish", "foobar", strings.Repeat("x", 100)} {
		h := fnv.New64a()
		_, _ = h.Write([]byte(s))
		require.Equal(t, h.Sum64(), FNV1a(s), s)
		require.Equal(t, FNV1a(s), FNV1a(s))
	}
	require.NotEqual(t, FNV1a("ab"), FNV1a("ba"))
}

func TestHashByName(t *testing.T) {
	h, ok := HashByName("fnv1a")
	require.True(t, ok)
	require.Equal(t, FNV1a("cat"), h("cat"))

	h, ok = HashByName("xxhash")
	require.True(t, ok)
	require.Equal(t, XXHash("cat"), h("cat"))

	_, ok = HashByName("md5")
	require.False(t, ok)
}

func TestNewInvalid(t *testing.T) {
	testCases := []struct {
		initialCapacity int
		options         []Option
		expected        error
	}{
		{0, nil, ErrInvalidCapacity},
		{-1, nil, ErrInvalidCapacity},
		{4, []Option{WithLoadFactor(0)}, ErrInvalidLoadFactor},
		{4, []Option{WithLoadFactor(1)}, ErrInvalidLoadFactor},
		{4, []Option{WithLoadFactor(1.5)}, ErrInvalidLoadFactor},
		{4, []Option{WithLoadFactor(math.NaN())}, ErrInvalidLoadFactor},
		{4, []Option{WithLoadFactor(1e-30)}, ErrInvalidLoadFactor},
		{4, []Option{WithLoadFactor(MinLoadFactor / 2)}, ErrInvalidLoadFactor},
		{4, []Option{WithMaxKeyLength(0)}, ErrInvalidKeyLength},
	}
	for _, c := range testCases {
		t.Run("", func(t *testing.T) {
			tbl, err := New(c.initialCapacity, c.options...)
			require.ErrorIs(t, err, c.expected)
			require.Nil(t, tbl)
		})
	}
}

func TestGrowth(t *testing.T) {
	tbl := mustNew(t, 4)

	for _, k := range []string{"cat", "dog", "bird"} {
		r, err := tbl.Insert(k)
		require.NoError(t, err)
		require.Equal(t, Inserted, r.Outcome)
		require.False(t, r.Grew)
	}
	require.EqualValues(t, 3, tbl.Len())
	require.EqualValues(t, 4, tbl.Capacity())

	r, err := tbl.Insert("fish")
	require.NoError(t, err)
	require.Equal(t, Inserted, r.Outcome)
	require.True(t, r.Grew)
	require.EqualValues(t, 4, tbl.Len())
	require.EqualValues(t, 8, tbl.Capacity())
	require.EqualValues(t, 1, tbl.Stats().Grows)

	for _, k := range []string{"cat", "dog", "bird", "fish"} {
		r, err := tbl.Find(k)
		require.NoError(t, err)
		require.Equal(t, Found, r.Outcome, k)
		require.Equal(t, k, tbl.Dump().Entries[r.Index].Key)
	}
}

func TestGrowthSmallLoadFactor(t *testing.T) {
	// floor(8*0.1) is still 0 so a single grow step is not enough.
	tbl := mustNew(t, 4, WithLoadFactor(0.1))
	r, err := tbl.Insert("cat")
	require.NoError(t, err)
	require.True(t, r.Grew)
	require.EqualValues(t, 16, tbl.Capacity())
	require.EqualValues(t, 1, tbl.Len())

	// The smallest accepted load factor needs floor(128*0.01) = 1.
	tbl = mustNew(t, 4, WithLoadFactor(MinLoadFactor))
	r, err = tbl.Insert("cat")
	require.NoError(t, err)
	require.True(t, r.Grew)
	require.EqualValues(t, 128, tbl.Capacity())
}

func TestGrownCapacityOverflow(t *testing.T) {
	tbl := mustNew(t, 4)

	c, err := tbl.grownCapacity(4)
	require.NoError(t, err)
	require.EqualValues(t, 8, c)

	_, err = tbl.grownCapacity(math.MaxInt/2 + 1)
	require.ErrorIs(t, err, ErrTableFull)
}

func TestDuplicate(t *testing.T) {
	tbl := mustNew(t, 4)

	r, err := tbl.Insert("cat")
	require.NoError(t, err)
	require.Equal(t, Inserted, r.Outcome)
	require.False(t, r.Collision)

	d, err := tbl.Insert("cat")
	require.NoError(t, err)
	require.Equal(t, Duplicate, d.Outcome)
	require.Equal(t, r.Index, d.Index)
	require.True(t, d.Collision)
	require.EqualValues(t, 1, tbl.Len())
}

func TestDuplicateAtGrowthLimit(t *testing.T) {
	tbl := mustNew(t, 4)
	for _, k := range []string{"cat", "dog", "bird"} {
		_, err := tbl.Insert(k)
		require.NoError(t, err)
	}
	require.EqualValues(t, 3, tbl.growthLimit(tbl.Capacity()))

	// The table is at its limit, but a duplicate places nothing so it
	// does not grow.
	r, err := tbl.Insert("cat")
	require.NoError(t, err)
	require.Equal(t, Duplicate, r.Outcome)
	require.False(t, r.Grew)
	require.EqualValues(t, 4, tbl.Capacity())
	require.EqualValues(t, 0, tbl.Stats().Grows)

	// The next new key does.
	r, err = tbl.Insert("fish")
	require.NoError(t, err)
	require.True(t, r.Grew)
	require.EqualValues(t, 8, tbl.Capacity())
}

func TestDeleteFind(t *testing.T) {
	tbl := mustNew(t, 4)

	_, err := tbl.Insert("cat")
	require.NoError(t, err)

	r, err := tbl.Delete("cat")
	require.NoError(t, err)
	require.Equal(t, Removed, r.Outcome)
	require.EqualValues(t, 0, tbl.Len())

	r, err = tbl.Find("cat")
	require.NoError(t, err)
	require.Equal(t, NotFound, r.Outcome)
	require.Equal(t, -1, r.Index)

	r, err = tbl.Delete("cat")
	require.NoError(t, err)
	require.Equal(t, NotFound, r.Outcome)
	require.EqualValues(t, 0, tbl.Len())
}

func TestBasic(t *testing.T) {
	test := func(t *testing.T, tbl *Table) {
		const count = 100

		e := mapset.NewThreadUnsafeSet()
		require.EqualValues(t, 0, tbl.Len())

		// Non-existent.
		for i := 0; i < count; i++ {
			r, err := tbl.Find(strconv.Itoa(i))
			require.NoError(t, err)
			require.Equal(t, NotFound, r.Outcome)
		}

		// Insert.
		for i := 0; i < count; i++ {
			k := strconv.Itoa(i)
			r, err := tbl.Insert(k)
			require.NoError(t, err)
			require.Equal(t, Inserted, r.Outcome)
			e.Add(k)

			r, err = tbl.Find(k)
			require.NoError(t, err)
			require.Equal(t, Found, r.Outcome)
			require.EqualValues(t, i+1, tbl.Len())
			require.LessOrEqual(t, tbl.Len(), tbl.growthLimit(tbl.Capacity()))
			require.True(t, e.Equal(tbl.toSet()))
		}

		// Duplicates.
		for i := 0; i < count; i++ {
			r, err := tbl.Insert(strconv.Itoa(i))
			require.NoError(t, err)
			require.Equal(t, Duplicate, r.Outcome)
			require.EqualValues(t, count, tbl.Len())
		}

		// Delete.
		for i := 0; i < count; i++ {
			k := strconv.Itoa(i)
			r, err := tbl.Delete(k)
			require.NoError(t, err)
			require.Equal(t, Removed, r.Outcome)
			e.Remove(k)
			require.EqualValues(t, count-i-1, tbl.Len())

			r, err = tbl.Find(k)
			require.NoError(t, err)
			require.Equal(t, NotFound, r.Outcome)
			require.True(t, e.Equal(tbl.toSet()))
		}
	}

	t.Run("normal", func(t *testing.T) {
		test(t, mustNew(t, 4))
	})

	t.Run("xxhash", func(t *testing.T) {
		test(t, mustNew(t, 4, WithHash(XXHash)))
	})

	t.Run("degenerate", func(t *testing.T) {
		for _, v := range []uint64{0, math.MaxUint64} {
			t.Run(fmt.Sprintf("%016x", v), func(t *testing.T) {
				test(t, mustNew(t, 4, WithHash(constantHash(v))))
			})
		}
		for i := 0; i < 10; i++ {
			v := rand.Uint64()
			t.Run(fmt.Sprintf("%016x", v), func(t *testing.T) {
				test(t, mustNew(t, 4, WithHash(constantHash(v))))
			})
		}
	})
}

func TestTombstones(t *testing.T) {
	states := func(tbl *Table) []SlotState {
		var r []SlotState
		for _, e := range tbl.Dump().Entries {
			r = append(r, e.State)
		}
		return r
	}

	t.Run("chain-survives-delete", func(t *testing.T) {
		tbl := mustNew(t, 8, WithHash(constantHash(0)))
		for _, k := range []string{"a", "b", "c"} {
			_, err := tbl.Insert(k)
			require.NoError(t, err)
		}

		r, err := tbl.Delete("b")
		require.NoError(t, err)
		require.Equal(t, 1, r.Index)
		require.EqualValues(t, 1, tbl.Tombstones())

		r, err = tbl.Find("c")
		require.NoError(t, err)
		require.Equal(t, Found, r.Outcome)
		require.Equal(t, 2, r.Index)

		// The tombstone is the first free slot on the probe path.
		r, err = tbl.Insert("d")
		require.NoError(t, err)
		require.Equal(t, 1, r.Index)
		require.True(t, r.Collision)
		require.EqualValues(t, 0, tbl.Tombstones())
	})

	t.Run("tail-delete-clears-run", func(t *testing.T) {
		tbl := mustNew(t, 8, WithHash(constantHash(0)))
		for _, k := range []string{"a", "b", "c"} {
			_, err := tbl.Insert(k)
			require.NoError(t, err)
		}

		_, err := tbl.Delete("b")
		require.NoError(t, err)
		require.EqualValues(t, 1, tbl.Tombstones())

		_, err = tbl.Delete("c")
		require.NoError(t, err)
		require.EqualValues(t, 0, tbl.Tombstones())
		require.Equal(t, []SlotState{
			SlotFull, SlotEmpty, SlotEmpty, SlotEmpty,
			SlotEmpty, SlotEmpty, SlotEmpty, SlotEmpty,
		}, states(tbl))
	})

	t.Run("wraparound", func(t *testing.T) {
		tbl := mustNew(t, 8, WithHash(constantHash(6)))
		for _, k := range []string{"a", "b", "c", "d"} {
			_, err := tbl.Insert(k)
			require.NoError(t, err)
		}
		r, err := tbl.Find("d")
		require.NoError(t, err)
		require.Equal(t, 1, r.Index)

		_, err = tbl.Delete("b")
		require.NoError(t, err)
		r, err = tbl.Find("d")
		require.NoError(t, err)
		require.Equal(t, Found, r.Outcome)
		require.Equal(t, 1, r.Index)
	})
}

func TestCompact(t *testing.T) {
	tbl := mustNew(t, 16, WithHash(constantHash(0)))
	for _, k := range []string{"a", "b", "c", "d"} {
		_, err := tbl.Insert(k)
		require.NoError(t, err)
	}
	for _, k := range []string{"a", "b"} {
		_, err := tbl.Delete(k)
		require.NoError(t, err)
	}
	require.EqualValues(t, 2, tbl.Tombstones())

	require.NoError(t, tbl.Compact())
	require.EqualValues(t, 0, tbl.Tombstones())
	require.EqualValues(t, 16, tbl.Capacity())
	require.EqualValues(t, 1, tbl.Stats().Compactions)

	for i, k := range []string{"c", "d"} {
		r, err := tbl.Find(k)
		require.NoError(t, err)
		require.Equal(t, i, r.Index)
	}

	// Nothing to reclaim.
	require.NoError(t, tbl.Compact())
	require.EqualValues(t, 1, tbl.Stats().Compactions)
}

func TestInsertReclaimsTombstones(t *testing.T) {
	tbl := mustNew(t, 8, WithHash(constantHash(0)))
	for i := 0; i < 6; i++ {
		_, err := tbl.Insert(strconv.Itoa(i))
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		_, err := tbl.Delete(strconv.Itoa(i))
		require.NoError(t, err)
	}
	require.EqualValues(t, 4, tbl.Len())
	require.EqualValues(t, 2, tbl.Tombstones())

	r, err := tbl.Insert("x")
	require.NoError(t, err)
	require.False(t, r.Grew)
	require.Equal(t, 4, r.Index)
	require.EqualValues(t, 8, tbl.Capacity())
	require.EqualValues(t, 0, tbl.Tombstones())
	require.EqualValues(t, 1, tbl.Stats().Compactions)
	require.EqualValues(t, 0, tbl.Stats().Grows)
}

func TestKeyTooLong(t *testing.T) {
	tbl := mustNew(t, 4)

	_, err := tbl.Insert(strings.Repeat("k", DefaultMaxKeyLength))
	require.NoError(t, err)

	_, err = tbl.Insert(strings.Repeat("k", DefaultMaxKeyLength+1))
	require.ErrorIs(t, err, ErrKeyTooLong)
	require.EqualValues(t, 1, tbl.Len())

	tbl = mustNew(t, 4, WithMaxKeyLength(3))
	_, err = tbl.Insert("cat")
	require.NoError(t, err)
	_, err = tbl.Insert("bird")
	require.ErrorIs(t, err, ErrKeyTooLong)
}

func TestRandom(t *testing.T) {
	if invariants {
		t.Skip("skipped due to slowness under invariants")
	}

	test := func(t *testing.T, tbl *Table) {
		e := mapset.NewThreadUnsafeSet()
		for i := 0; i < 10000; i++ {
			k := strconv.Itoa(rand.Intn(500))
			switch r := rand.Float64(); {
			case r < 0.5: // 50% inserts
				res, err := tbl.Insert(k)
				require.NoError(t, err)
				if e.Add(k) {
					require.Equal(t, Inserted, res.Outcome)
				} else {
					require.Equal(t, Duplicate, res.Outcome)
				}
				require.LessOrEqual(t, tbl.Len(), tbl.growthLimit(tbl.Capacity()))
			case r < 0.75: // 25% deletes
				res, err := tbl.Delete(k)
				require.NoError(t, err)
				if e.Contains(k) {
					require.Equal(t, Removed, res.Outcome)
					e.Remove(k)
				} else {
					require.Equal(t, NotFound, res.Outcome)
				}
			case r < 0.99: // 24% lookups
				res, err := tbl.Find(k)
				require.NoError(t, err)
				require.Equal(t, e.Contains(k), res.Outcome == Found)
			default: // 1% compact and iterate
				require.NoError(t, tbl.Compact())
				require.EqualValues(t, 0, tbl.Tombstones())
				require.True(t, e.Equal(tbl.toSet()))
			}
			require.EqualValues(t, e.Cardinality(), tbl.Len())
		}
		require.True(t, e.Equal(tbl.toSet()))
	}

	t.Run("normal", func(t *testing.T) {
		test(t, mustNew(t, 1))
	})

	t.Run("degenerate", func(t *testing.T) {
		test(t, mustNew(t, 1, WithHash(constantHash(0))))
	})
}

func TestDump(t *testing.T) {
	tbl := mustNew(t, 8)
	for _, k := range []string{"cat", "dog"} {
		_, err := tbl.Insert(k)
		require.NoError(t, err)
	}

	d := tbl.Dump()
	require.Len(t, d.Entries, 8)
	require.EqualValues(t, 2, d.Len)
	require.EqualValues(t, 8, d.Capacity)
	require.InDelta(t, 0.25, d.Load, 1e-9)

	keys := mapset.NewThreadUnsafeSet()
	for i, e := range d.Entries {
		require.Equal(t, i, e.Index)
		if e.State == SlotFull {
			keys.Add(e.Key)
		} else {
			require.Empty(t, e.Key)
		}
	}
	require.True(t, keys.Equal(mapset.NewThreadUnsafeSetFromSlice([]interface{}{"cat", "dog"})))
}

func TestClose(t *testing.T) {
	tbl := mustNew(t, 4)
	_, err := tbl.Insert("cat")
	require.NoError(t, err)

	tbl.Close()
	tbl.Close()
	require.EqualValues(t, 0, tbl.Len())
	require.EqualValues(t, 0, tbl.Capacity())

	_, err = tbl.Insert("dog")
	require.ErrorIs(t, err, ErrClosed)
	_, err = tbl.Find("cat")
	require.ErrorIs(t, err, ErrClosed)
	_, err = tbl.Delete("cat")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, tbl.Compact(), ErrClosed)
	require.Empty(t, tbl.Dump().Entries)
}

func TestLogger(t *testing.T) {
	var msgs []string
	logger := funcr.New(func(prefix, args string) {
		msgs = append(msgs, args)
	}, funcr.Options{Verbosity: 1})

	tbl := mustNew(t, 1, WithLogger(logger))
	_, err := tbl.Insert("cat")
	require.NoError(t, err)

	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0], `"msg"="growing table"`)
	require.Contains(t, msgs[0], `"from"=1`)
	require.Contains(t, msgs[0], `"to"=2`)
}
