package jit

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageVersionTracker_RoundTrip(t *testing.T) {
	tr := NewPageVersionTracker(0)
	const page = 7
	assert.Equal(t, uint32(0), tr.Version(page))

	for k := 1; k <= 5; k++ {
		tr.BumpWrite(page<<PageShift+uint64(k*10), 1)
		assert.Equal(t, uint32(k), tr.Version(page))
	}
	assert.Equal(t, uint32(0), tr.Version(page+1))
	assert.Equal(t, 1, tr.Len())
}

func TestPageVersionTracker_BumpSpansPages(t *testing.T) {
	tr := NewPageVersionTracker(0)
	// Last byte of page 0 through first byte of page 2.
	tr.BumpWrite(PageSize-1, PageSize+2)
	assert.Equal(t, uint32(1), tr.Version(0))
	assert.Equal(t, uint32(1), tr.Version(1))
	assert.Equal(t, uint32(1), tr.Version(2))
	assert.Equal(t, uint32(0), tr.Version(3))

	tr.BumpWrite(0x5000, 0)
	tr.BumpWrite(0x5000, -3)
	assert.Equal(t, uint32(0), tr.Version(5))
}

func TestPageVersionTracker_BumpAtTopOfAddressSpace(t *testing.T) {
	tr := NewPageVersionTracker(0)
	tr.BumpWrite(math.MaxUint64-1, 16)
	assert.Equal(t, uint32(1), tr.Version(math.MaxUint64>>PageShift))
	assert.Equal(t, 1, tr.Len())
}

func TestPageVersionTracker_Wraps(t *testing.T) {
	tr := NewPageVersionTracker(0)
	tr.SetVersion(3, math.MaxUint32)
	tr.BumpWrite(3<<PageShift, 4)
	assert.Equal(t, uint32(0), tr.Version(3))
}

func TestPageVersionTracker_Snapshot(t *testing.T) {
	tr := NewPageVersionTracker(0)
	tr.SetVersion(1, 4)
	tr.SetVersion(2, 9)

	snap, complete := tr.Snapshot(PageSize+0x800, PageSize)
	require.True(t, complete)
	assert.Equal(t, []PageVersionSnapshot{{Page: 1, Version: 4}, {Page: 2, Version: 9}}, snap)

	snap, complete = tr.Snapshot(0x1234, 0)
	assert.True(t, complete)
	assert.Empty(t, snap)

	snap, complete = tr.Snapshot(0x3000, 1)
	assert.True(t, complete)
	assert.Equal(t, []PageVersionSnapshot{{Page: 3, Version: 0}}, snap)
}

func TestPageVersionTracker_SnapshotTruncates(t *testing.T) {
	tr := NewPageVersionTracker(2)
	snap, complete := tr.Snapshot(0, 3*PageSize)
	assert.False(t, complete)
	assert.Len(t, snap, 2)
	assert.Equal(t, uint64(0), snap[0].Page)
	assert.Equal(t, uint64(1), snap[1].Page)

	_, complete = tr.Snapshot(PageSize-1, 2)
	assert.True(t, complete)

	// A huge span must not panic or allocate the whole range.
	snap, complete = tr.Snapshot(0, math.MaxUint32)
	assert.False(t, complete)
	assert.Len(t, snap, 2)
}

func TestPageVersionTracker_Versions(t *testing.T) {
	tr := NewPageVersionTracker(0)
	tr.BumpWrite(0x9000, 1)
	tr.BumpWrite(0x1000, 1)
	tr.BumpWrite(0x1000, 1)
	assert.Equal(t, []PageVersionSnapshot{{Page: 1, Version: 2}, {Page: 9, Version: 1}}, tr.Versions())
}
