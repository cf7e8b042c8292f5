// Copyright 2024 The nixvm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package external

import "sync"

// KProc launches fn as a new kernel-style worker thread, standing in
// for the original newproc/sched/kproc(name, fn, arg) trio. name is
// accepted for that signature and is not used; fn runs on a plain
// goroutine.
func KProc(name string, fn func()) {
	go fn()
}

// SummaryFunc reports a component's accounting snapshot, e.g. pgalloc's
// per-class used/free counts or the file cache's nseg/nbytes.
type SummaryFunc func() map[string]any

var (
	summaryMu  sync.Mutex
	summaries  = map[string]SummaryFunc{}
)

// AddSummary registers a named accounting callback (spec.md §6
// "add_summary"). Registering under a name already in use replaces the
// previous callback.
func AddSummary(name string, fn SummaryFunc) {
	summaryMu.Lock()
	defer summaryMu.Unlock()
	summaries[name] = fn
}

// Summaries runs every registered callback and returns the results
// keyed by name, for diagnostics and tests.
func Summaries() map[string]map[string]any {
	summaryMu.Lock()
	fns := make(map[string]SummaryFunc, len(summaries))
	for k, v := range summaries {
		fns[k] = v
	}
	summaryMu.Unlock()

	out := make(map[string]map[string]any, len(fns))
	for name, fn := range fns {
		out[name] = fn()
	}
	return out
}

// FakeColor is a pgalloc.ColorOracle stand-in for memcolor(physaddr)
// that reports a single color for all of memory, used by tests and
// cmd/testpage that don't care about NUMA placement.
func FakeColor(pa uintptr) (color int, runLength uintptr) {
	return 0, 1 << 40
}
