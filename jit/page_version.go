package jit

import (
	"math"
	"sort"
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift // 4 KiB
)

// PageVersionTracker keeps one monotonically increasing (wrapping) counter
// per guest physical page. Pages that were never written are absent and read
// as version 0.
//
// A counter wraps after 2^32 writes to the same page. A translation compiled
// exactly 2^32 writes earlier would then validate again; this is accepted.
type PageVersionTracker struct {
	versions map[uint64]uint32
	maxPages int // 0 = unlimited
}

// NewPageVersionTracker returns an empty tracker. maxPages bounds the number of
// entries Snapshot will produce for a single span (0 = unlimited).
func NewPageVersionTracker(maxPages int) *PageVersionTracker {
	if maxPages < 0 {
		maxPages = 0
	}
	return &PageVersionTracker{
		versions: make(map[uint64]uint32),
		maxPages: maxPages,
	}
}

// pageSpan returns the first and last page touched by [addr, addr+length).
// length must be > 0. The end saturates at the top of the address space.
func pageSpan(addr uint64, length uint64) (first, last uint64) {
	end := addr + length - 1
	if end < addr {
		end = math.MaxUint64
	}
	return addr >> PageShift, end >> PageShift
}

// BumpWrite increments the version of every page touched by [paddr, paddr+length).
func (t *PageVersionTracker) BumpWrite(paddr uint64, length int) {
	if length <= 0 {
		return
	}
	first, last := pageSpan(paddr, uint64(length))
	for page := first; ; page++ {
		t.versions[page]++
		if page == last {
			break
		}
	}
}

// Version returns the current version of page, 0 if never written.
func (t *PageVersionTracker) Version(page uint64) uint32 {
	return t.versions[page]
}

// SetVersion overwrites the version of page. Used by restore paths and tests.
func (t *PageVersionTracker) SetVersion(page uint64, version uint32) {
	t.versions[page] = version
}

// Snapshot returns the versions of every page spanning [codePaddr, codePaddr+byteLen)
// in ascending page order. complete is false when the span has more pages than
// the configured maximum; the returned slice then holds only the first
// maxPages entries and must not be used to validate a translation.
func (t *PageVersionTracker) Snapshot(codePaddr uint64, byteLen uint32) (snap []PageVersionSnapshot, complete bool) {
	if byteLen == 0 {
		return nil, true
	}
	first, last := pageSpan(codePaddr, uint64(byteLen))
	count := last - first + 1
	complete = true
	if t.maxPages != 0 && count > uint64(t.maxPages) {
		count = uint64(t.maxPages)
		complete = false
	}
	snap = make([]PageVersionSnapshot, 0, count)
	for i := uint64(0); i < count; i++ {
		page := first + i
		snap = append(snap, PageVersionSnapshot{Page: page, Version: t.versions[page]})
	}
	return snap, complete
}

// MaxPages returns the configured per-span bound (0 = unlimited).
func (t *PageVersionTracker) MaxPages() int {
	return t.maxPages
}

// Len returns the number of pages that have been written at least once.
func (t *PageVersionTracker) Len() int {
	return len(t.versions)
}

// Versions exports every tracked page in ascending order.
func (t *PageVersionTracker) Versions() []PageVersionSnapshot {
	out := make([]PageVersionSnapshot, 0, len(t.versions))
	for page, v := range t.versions {
		out = append(out, PageVersionSnapshot{Page: page, Version: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Page < out[j].Page })
	return out
}
