// Copyright 2024 The nixvm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config parses the boot-flag surface nixvm starts with:
// booleans named after the original kernel's own flags, parsed by a
// pflag.FlagSet and so given with a double dash (--nocache) (spec.md §8).
package config

import (
	"github.com/spf13/pflag"
)

// Flags holds every boot-time toggle the VM subsystem reads once at
// startup. Nothing here changes after Parse returns.
type Flags struct {
	// NoCache disables the file-content cache: filecache.WithNoCache
	// gives every open a fresh segment that is never retained, so each
	// read goes to the backing channel. The segment text cache has no
	// such switch.
	NoCache bool

	// NoLater disables read-ahead: filecache.Cache.Read never
	// touches its readAhead queue.
	NoLater bool

	// JoinPages enables pgalloc.JoinPages: freed pages that were split
	// or bundled off a larger class are reassembled into it.
	JoinPages bool

	// NoColors disables color-aware allocation: every Arena.Alloc call
	// is treated as pgalloc.AnyColor regardless of what the caller
	// asked for.
	NoColors bool

	// TestPage runs the *testpage self-check instead of normal boot:
	// exhaust memory in small pages, free it, rebuild, and abort on
	// any invariant violation.
	TestPage bool

	// NoPageShare disables copy-on-reference fork entirely: every fork
	// of a DATA segment deep-copies immediately, as STACK already
	// does, instead of sharing pages until the first write.
	NoPageShare bool
}

// Set holds the parsed flags plus the FlagSet they came from, so a
// caller can still add its own flags before calling Parse.
type Set struct {
	Flags Flags
	fs    *pflag.FlagSet
}

// New creates a flag set pre-registered with every boot flag, named
// and described the way the original kernel's flags read, ready for a
// caller to append flags of its own before Parse.
func New(name string) *Set {
	s := &Set{fs: pflag.NewFlagSet(name, pflag.ContinueOnError)}
	s.fs.BoolVar(&s.Flags.NoCache, "nocache", false, "disable the file-content cache")
	s.fs.BoolVar(&s.Flags.NoLater, "nolater", false, "disable file-cache read-ahead")
	s.fs.BoolVar(&s.Flags.JoinPages, "joinpages", false, "reassemble split and bundled pages when they are freed")
	s.fs.BoolVar(&s.Flags.NoColors, "nocolors", false, "disable color-aware page allocation")
	s.fs.BoolVar(&s.Flags.TestPage, "testpage", false, "run the page-allocator self-check instead of booting")
	s.fs.BoolVar(&s.Flags.NoPageShare, "nopageshare", false, "deep-copy every fork instead of sharing pages by reference")
	return s
}

// FlagSet returns the underlying pflag.FlagSet, for a caller that
// wants to register additional flags before Parse.
func (s *Set) FlagSet() *pflag.FlagSet { return s.fs }

// Parse parses args (normally os.Args[1:]) into s.Flags.
func (s *Set) Parse(args []string) error {
	return s.fs.Parse(args)
}
