// Copyright 2024 The nixvm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pgalloc

import (
	"fmt"
	"os"
)

var (
	osPageSize = os.Getpagesize()
	osPageMask = osPageSize - 1
)

// Init reserves a bank of physical memory and carves it into PREALLOC
// allocators at the largest configured class, one per aligned sub-range
// per color. classes[0].Kind must be Prealloc.
//
// If the bank spans more than one color, it is split at the first color
// boundary into two banks before any allocator is built, per spec.md §4.A
// "Color split".
func (a *Arena) Init(size int) error {
	if a.classes[0].Kind != Prealloc {
		return fmt.Errorf("pgalloc: Init requires classes[0] to be PREALLOC")
	}
	if size <= 0 || size%a.classes[0].Size != 0 {
		return fmt.Errorf("pgalloc: bank size %d is not a multiple of the largest class size %d", size, a.classes[0].Size)
	}

	bank, err := bankMmap(size)
	if err != nil {
		return fmt.Errorf("pgalloc: reserving %d bytes: %w", size, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	base := a.nextBankBase()
	banks := a.splitByColor(bank, base)
	for _, b := range banks {
		a.addBank(b.bytes, b.base, b.color)
	}
	return nil
}

type colorBank struct {
	bytes []byte
	base  uintptr
	color Color
}

func (a *Arena) nextBankBase() uintptr {
	var top uintptr
	for i, b := range a.banks {
		end := a.bankBase[i] + uintptr(len(b))
		if end > top {
			top = end
		}
	}
	return top
}

// splitByColor implements the "split at the first color boundary" rule: at
// most one split, producing at most two banks.
func (a *Arena) splitByColor(bank []byte, base uintptr) []colorBank {
	if a.colorOf == nil || len(bank) == 0 {
		return []colorBank{{bytes: bank, base: base, color: 0}}
	}
	color, run := a.colorOf(base)
	if run <= 0 || run >= uintptr(len(bank)) {
		return []colorBank{{bytes: bank, base: base, color: Color(color)}}
	}
	return []colorBank{
		{bytes: bank[:run], base: base, color: Color(color)},
		{bytes: bank[run:], base: base + run, color: a.colorAt(base + run)},
	}
}

func (a *Arena) colorAt(pa uintptr) Color {
	if a.colorOf == nil {
		return 0
	}
	c, _ := a.colorOf(pa)
	return Color(c)
}

// addBank registers a memory bank and carves it into one PREALLOC
// allocator at the largest class size. Caller holds a.mu.
func (a *Arena) addBank(bank []byte, base uintptr, color Color) {
	a.banks = append(a.banks, bank)
	a.bankBase = append(a.bankBase, base)

	csize := a.classes[0].Size
	npg := len(bank) / csize
	al := &Pgalloc{
		start:    base,
		npg:      npg,
		color:    color,
		classIdx: 0,
	}
	id := a.newAlloc(al)
	a.classPushMRU(0, id)

	for i := 0; i < npg; i++ {
		pid := a.newPage(Page{
			PA:          base + uintptr(i*csize),
			Log2Size:    a.classes[0].Log2,
			Owner:       id,
			BundleIndex: NotBundled,
		})
		a.pushFree(al, pid)
	}
	a.log.WithFields(map[string]interface{}{
		"bank":  id,
		"color": int32(color),
		"pages": npg,
		"size":  csize,
	}).Debug("pgalloc: bank registered")
}
