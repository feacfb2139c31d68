package jit

import "fmt"

// PageVersionSnapshot is the version observed for one guest physical page.
type PageVersionSnapshot struct {
	Page    uint64 `json:"page"`
	Version uint32 `json:"version"`
}

// CompiledBlockMeta carries the validation data for a translation.
type CompiledBlockMeta struct {
	CodePaddr    uint64                `json:"code_paddr"`
	ByteLen      uint32                `json:"byte_len"`
	PageVersions []PageVersionSnapshot `json:"page_versions"` // versions seen at compile time, ascending by page

	// Hints for the execution loop. The runtime never reads them.
	InstructionCount            uint32 `json:"instruction_count"`
	InhibitInterruptsAfterBlock bool   `json:"inhibit_interrupts_after_block"`
}

// CompiledBlockHandle identifies one compiled translation. TableIndex is
// owned by the backend and is only stored and returned here.
type CompiledBlockHandle struct {
	EntryRIP   uint64            `json:"entry_rip"`
	TableIndex uint32            `json:"table_index"`
	Meta       CompiledBlockMeta `json:"meta"`
}

// Clone returns a deep copy of the handle.
func (h CompiledBlockHandle) Clone() CompiledBlockHandle {
	out := h
	if h.Meta.PageVersions != nil {
		out.Meta.PageVersions = make([]PageVersionSnapshot, len(h.Meta.PageVersions))
		copy(out.Meta.PageVersions, h.Meta.PageVersions)
	}
	return out
}

// covers reports whether the block's code span touches page.
func (m *CompiledBlockMeta) covers(page uint64) bool {
	for _, pv := range m.PageVersions {
		if pv.Page == page {
			return true
		}
		if pv.Page > page {
			return false
		}
	}
	return false
}

func (h CompiledBlockHandle) String() string {
	return fmt.Sprintf("block{rip=%#x idx=%d paddr=%#x len=%d pages=%d}",
		h.EntryRIP, h.TableIndex, h.Meta.CodePaddr, h.Meta.ByteLen, len(h.Meta.PageVersions))
}

// sameVersions compares two snapshots entry by entry; a length mismatch is a mismatch.
func sameVersions(a, b []PageVersionSnapshot) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
