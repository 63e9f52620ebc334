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

import "github.com/cespare/xxhash/v2"

const (
	fnvOffset64 uint64 = 14695981039346656037
	fnvPrime64  uint64 = 1099511628211
)

// HashFunc maps a key to a 64-bit hash. It must be deterministic for the
// lifetime of a Table.
type HashFunc func(key string) uint64

// FNV1a is the 64-bit Fowler-Noll-Vo 1a hash of key. It is the default
// HashFunc.
func FNV1a(key string) uint64 {
	h := fnvOffset64
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= fnvPrime64
	}
	return h
}

// XXHash hashes key with xxHash64.
func XXHash(key string) uint64 {
	return xxhash.Sum64String(key)
}

// HashByName returns the HashFunc registered under name ("fnv1a" or
// "xxhash").
func HashByName(name string) (HashFunc, bool) {
	switch name {
	case "fnv1a", "fnv":
		return FNV1a, true
	case "xxhash":
		return XXHash, true
	}
	return nil, false
}
