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

import "github.com/go-logr/logr"

const (
	// DefaultLoadFactor is the fraction of slots that may be full before an
	// insert grows the table.
	DefaultLoadFactor = 0.75
	// MinLoadFactor is the smallest load factor New accepts. Smaller values
	// need ever larger tables before a single key fits.
	MinLoadFactor = 0.01
	// DefaultMaxKeyLength is the longest key, in bytes, accepted by Insert.
	DefaultMaxKeyLength = 24
)

// Option configures a Table while it is being created.
type Option interface {
	apply(t *Table)
}

type hashOption struct {
	hash HashFunc
}

func (op hashOption) apply(t *Table) {
	if op.hash != nil {
		t.hash = op.hash
	}
}

// WithHash is an option to specify the hash function to use for a Table.
// A nil hash leaves the default (FNV1a) in place.
func WithHash(hash HashFunc) Option {
	return hashOption{hash}
}

type loadFactorOption struct {
	loadFactor float64
}

func (op loadFactorOption) apply(t *Table) {
	t.loadFactor = op.loadFactor
}

// WithLoadFactor sets the growth threshold. It must lie in
// [MinLoadFactor, 1); New rejects anything else with ErrInvalidLoadFactor.
func WithLoadFactor(loadFactor float64) Option {
	return loadFactorOption{loadFactor}
}

type maxKeyLengthOption struct {
	n int
}

func (op maxKeyLengthOption) apply(t *Table) {
	t.maxKeyLength = op.n
}

// WithMaxKeyLength bounds the length in bytes of keys accepted by Insert.
func WithMaxKeyLength(n int) Option {
	return maxKeyLengthOption{n}
}

type loggerOption struct {
	logger logr.Logger
}

func (op loggerOption) apply(t *Table) {
	t.logger = op.logger
}

// WithLogger is an option to receive growth and compaction events. They are
// logged at V(1).
func WithLogger(logger logr.Logger) Option {
	return loggerOption{logger}
}
