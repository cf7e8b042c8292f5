// Copyright 2024 The nixvm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pgalloc implements the kernel's physical page-frame allocator.
//
// It manages one or more configured page sizes ("classes"), largest first.
// Each class is backed by a list of Pgalloc arenas of three kinds:
// PREALLOC (carved from a memory bank at boot), EMBED (born inside a page
// split off a larger class) and BUNDLE (an allocator whose pages are really
// contiguous runs of a smaller class's pages, reserved rather than owned).
// Allocation walks classes top-down from the requested size, splitting or
// un-bundling as it goes; free walks back up, joining bundles and retiring
// emptied child allocators when joinpages is enabled.
//
// All exported entry points are safe to call from multiple goroutines and,
// true to the kernel this package emulates, never block: the only
// synchronization is one mutex per Arena held for O(1) list surgery.
package pgalloc
