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

// Package repl is the line-oriented command loop in front of a probeset
// table. Every input line is either a command or a key to insert:
//
//	!exit          stop the loop
//	!print         dump every slot
//	!find <key>    look a key up
//	!rm <key>      delete a key
//	!compact       drop tombstones
//	!stats         print table counters
//	<key>          insert key
package repl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cockroachdb/probeset"
	"github.com/sirupsen/logrus"
)

// DefaultMaxLineLength is the longest input line the loop reads. Longer
// lines are reported and skipped.
const DefaultMaxLineLength = 4096

// ErrLineTooLong is reported for input lines over the read limit.
var ErrLineTooLong = errors.New("repl: line too long")

const (
	Prompt = "Enter a value: "

	prefixFind   = "!find"
	prefixRemove = "!rm"
)

// Command names, as reported to the Observer.
const (
	CommandInsert  = "insert"
	CommandFind    = "find"
	CommandRemove  = "remove"
	CommandPrint   = "print"
	CommandCompact = "compact"
	CommandStats   = "stats"
	CommandExit    = "exit"
)

// Store is the table the loop drives. *probeset.Table implements it.
type Store interface {
	Insert(key string) (probeset.Result, error)
	Find(key string) (probeset.Result, error)
	Delete(key string) (probeset.Result, error)
	Compact() error
	Dump() probeset.Dump
	Stats() probeset.Stats
}

// Observer is told about every command once it has run.
type Observer interface {
	Observe(command string, stats probeset.Stats)
}

// Config configures a Loop. The zero value is usable: no prompt, no
// observer, logs discarded.
type Config struct {
	Prompt   bool
	Observer Observer
	Logger   logrus.FieldLogger
	// MaxLineLength bounds the bytes read per line. Zero means
	// DefaultMaxLineLength.
	MaxLineLength int
}

// Loop reads commands and applies them to a Store.
type Loop struct {
	store         Store
	out           io.Writer
	prompt        bool
	observer      Observer
	log           logrus.FieldLogger
	maxLineLength int
}

// New returns a Loop that writes command output to out.
func New(store Store, out io.Writer, cfg Config) *Loop {
	l := &Loop{
		store:         store,
		out:           out,
		prompt:        cfg.Prompt,
		observer:      cfg.Observer,
		log:           cfg.Logger,
		maxLineLength: cfg.MaxLineLength,
	}
	if l.maxLineLength <= 0 {
		l.maxLineLength = DefaultMaxLineLength
	}
	if l.log == nil {
		discard := logrus.New()
		discard.Out = io.Discard
		l.log = discard
	}
	return l
}

// Run executes lines from in until !exit, end of input, or ctx is done. It
// returns nil on !exit and on end of input. A line longer than the
// configured limit is reported and skipped.
func (l *Loop) Run(ctx context.Context, in io.Reader) error {
	r := bufio.NewReader(in)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.prompt {
			fmt.Fprint(l.out, Prompt)
		}

		line, n, err := readLine(r, l.maxLineLength)
		if err != nil {
			if errors.Is(err, io.EOF) {
				l.log.Debug("end of input")
				return nil
			}
			return fmt.Errorf("reading command: %w", err)
		}
		if n > l.maxLineLength {
			l.reject("read", fmt.Errorf("%w: %d bytes, limit is %d", ErrLineTooLong, n, l.maxLineLength))
			continue
		}

		exit, err := l.Execute(line)
		if err != nil {
			return err
		}
		if exit {
			return nil
		}
	}
}

// readLine returns the next line without its line ending and the line's
// full length in bytes. At most limit bytes are kept; the rest of an
// over-long line is read and discarded.
func readLine(r *bufio.Reader, limit int) (string, int, error) {
	var buf []byte
	var n int
	for {
		frag, isPrefix, err := r.ReadLine()
		if err != nil {
			return "", 0, err
		}
		n += len(frag)
		if n <= limit {
			buf = append(buf, frag...)
		}
		if !isPrefix {
			return string(buf), n, nil
		}
	}
}

func (l *Loop) reject(command string, err error) {
	l.log.WithError(err).WithField("command", command).Warn("rejected input")
	fmt.Fprintf(l.out, "Error: %v\n\n", err)
}

// Execute runs a single line. It reports exit=true for !exit. Per-line
// failures such as an over-long key are printed and do not return an error;
// only failures that leave the table unusable do.
func (l *Loop) Execute(line string) (exit bool, err error) {
	command, arg := parse(strings.TrimRight(line, "\r\n"))

	switch command {
	case CommandExit:
		exit = true
	case CommandPrint:
		l.printDump(l.store.Dump())
	case CommandStats:
		s := l.store.Stats()
		fmt.Fprintf(l.out, "Keys: %d  Capacity: %d  Tombstones: %d  Grows: %d  Compactions: %d\n\n",
			s.Len, s.Capacity, s.Tombstones, s.Grows, s.Compactions)
	case CommandCompact:
		err = l.store.Compact()
		if err == nil {
			fmt.Fprintf(l.out, "Compacted Table\n\n")
		}
	case CommandFind:
		var r probeset.Result
		if r, err = l.store.Find(arg); err == nil {
			l.printLookup(r, "Found")
		}
	case CommandRemove:
		var r probeset.Result
		if r, err = l.store.Delete(arg); err == nil {
			l.printLookup(r, "Removed")
		}
	case CommandInsert:
		var r probeset.Result
		if r, err = l.store.Insert(arg); err == nil {
			l.printInsert(r)
		}
	}

	if errors.Is(err, probeset.ErrKeyTooLong) {
		l.reject(command, err)
		err = nil
	}
	if err != nil {
		return false, fmt.Errorf("%s: %w", command, err)
	}

	if l.observer != nil {
		l.observer.Observe(command, l.store.Stats())
	}
	return exit, nil
}

// parse classifies a line. For !find and !rm the prefix and one separating
// space are stripped to give the key.
func parse(line string) (command, arg string) {
	switch {
	case line == "!exit":
		return CommandExit, ""
	case line == "!print":
		return CommandPrint, ""
	case line == "!compact":
		return CommandCompact, ""
	case line == "!stats":
		return CommandStats, ""
	case strings.HasPrefix(line, prefixFind):
		return CommandFind, stripSeparator(line[len(prefixFind):])
	case strings.HasPrefix(line, prefixRemove):
		return CommandRemove, stripSeparator(line[len(prefixRemove):])
	}
	return CommandInsert, line
}

func stripSeparator(s string) string {
	return strings.TrimPrefix(s, " ")
}

func (l *Loop) printInsert(r probeset.Result) {
	if r.Grew {
		fmt.Fprintf(l.out, "\nIncreasing Array Size\n\n")
	}
	fmt.Fprintf(l.out, "Hash: %d\n", r.Hash)
	if r.Collision {
		fmt.Fprintf(l.out, "Collision Detected With Index %d\n", r.Home)
	}
	switch r.Outcome {
	case probeset.Duplicate:
		fmt.Fprintf(l.out, "Duplicate Value Found: %s\n\n", r.Key)
	default:
		fmt.Fprintf(l.out, "Inserting %s Into Index: %d\n\n", r.Key, r.Index)
	}
	l.log.WithFields(logrus.Fields{
		"key":     r.Key,
		"outcome": r.Outcome.String(),
		"index":   r.Index,
		"home":    r.Home,
	}).Debug("insert")
}

func (l *Loop) printLookup(r probeset.Result, verb string) {
	if r.Outcome == probeset.NotFound {
		fmt.Fprintf(l.out, "'%s' Not Found In Table\n\n", r.Key)
		return
	}
	fmt.Fprintf(l.out, "%s %s At Index %d\n\n", verb, r.Key, r.Index)
}

func (l *Loop) printDump(d probeset.Dump) {
	fmt.Fprintf(l.out, "\nTABLE CONTENTS\n")
	fmt.Fprintf(l.out, "Load Percent: %.2f%%\n", d.Load*100)
	for _, e := range d.Entries {
		v := e.Key
		switch e.State {
		case probeset.SlotEmpty:
			v = "(empty)"
		case probeset.SlotDeleted:
			v = "(deleted)"
		}
		fmt.Fprintf(l.out, "Index: %d  Value: %s\n", e.Index, v)
	}
	fmt.Fprintf(l.out, "\n")
}
