package compiler

import (
	"fmt"

	"github.com/colorfulnotion/tierjit/jit"
	"github.com/colorfulnotion/tierjit/log"
)

// NativeBlock is an executable translation of one guest block.
type NativeBlock[C any] func(cpu C) jit.BlockExit

type tableSlot[C any] struct {
	fn       NativeBlock[C]
	entryRIP uint64
	live     bool
}

// Table owns the translations referenced by CompiledBlockHandle.TableIndex
// and implements jit.Backend. Freed slots are reused, so an index is only
// meaningful while the handle carrying it is in the code cache; wire Release
// to the runtime's eviction hook.
//
// Table is not safe for concurrent use; it belongs to the CPU goroutine.
type Table[C any] struct {
	slots []tableSlot[C]
	free  []uint32
	live  int
}

var _ jit.Backend[struct{}] = (*Table[struct{}])(nil)

func NewTable[C any]() *Table[C] {
	return &Table[C]{}
}

// Alloc stores fn and returns its slot index.
func (t *Table[C]) Alloc(entryRIP uint64, fn NativeBlock[C]) uint32 {
	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		idx = uint32(len(t.slots))
		t.slots = append(t.slots, tableSlot[C]{})
	}
	t.slots[idx] = tableSlot[C]{fn: fn, entryRIP: entryRIP, live: true}
	t.live++
	return idx
}

// Free releases idx. Freeing an unused slot is a no-op.
func (t *Table[C]) Free(idx uint32) {
	if int(idx) >= len(t.slots) || !t.slots[idx].live {
		return
	}
	t.slots[idx] = tableSlot[C]{}
	t.free = append(t.free, idx)
	t.live--
}

// Release frees the slot of a handle that left the code cache. The slot is
// only freed if it still belongs to the handle's entry RIP.
func (t *Table[C]) Release(h jit.CompiledBlockHandle) {
	idx := h.TableIndex
	if int(idx) >= len(t.slots) || !t.slots[idx].live || t.slots[idx].entryRIP != h.EntryRIP {
		log.Warn(log.CompileMonitoring, "release of unknown table slot", "idx", idx, "rip", h.EntryRIP)
		return
	}
	t.Free(idx)
}

// Execute runs the translation in slot tableIndex.
func (t *Table[C]) Execute(tableIndex uint32, cpu C) jit.BlockExit {
	if int(tableIndex) >= len(t.slots) || !t.slots[tableIndex].live {
		panic(fmt.Sprintf("compiler: execute of free table slot %d", tableIndex))
	}
	return t.slots[tableIndex].fn(cpu)
}

// Live returns the number of allocated slots.
func (t *Table[C]) Live() int { return t.live }

// Cap returns the number of slots ever created.
func (t *Table[C]) Cap() int { return len(t.slots) }
