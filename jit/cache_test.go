package jit

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testHandle builds a handle whose code sits at paddr == rip.
func testHandle(rip uint64, byteLen uint32) CompiledBlockHandle {
	snap, _ := NewPageVersionTracker(0).Snapshot(rip, byteLen)
	return CompiledBlockHandle{
		EntryRIP:   rip,
		TableIndex: uint32(rip),
		Meta: CompiledBlockMeta{
			CodePaddr:        rip,
			ByteLen:          byteLen,
			PageVersions:     snap,
			InstructionCount: byteLen / 2,
		},
	}
}

func TestCodeCache_EvictionOnInsert(t *testing.T) {
	c := NewCodeCache(2, 0)
	const a, b, cc = 0x1000, 0x2000, 0x3000
	assert.Empty(t, c.Insert(testHandle(a, 16)))
	assert.Empty(t, c.Insert(testHandle(b, 16)))

	evicted := c.Insert(testHandle(cc, 16))
	assert.Equal(t, []uint64{a}, evicted)
	_, ok := c.GetCloned(a)
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestCodeCache_LRUOrderFollowsReads(t *testing.T) {
	c := NewCodeCache(3, 0)
	for _, rip := range []uint64{1, 2, 3} {
		c.Insert(testHandle(rip, 4))
	}
	_, ok := c.GetCloned(1)
	require.True(t, ok)

	assert.Equal(t, []uint64{2}, c.Insert(testHandle(4, 4)))
	assert.Equal(t, []uint64{3}, c.Insert(testHandle(5, 4)))
	assert.True(t, c.Contains(1))
}

func TestCodeCache_ByteBudgetEvictsSeveral(t *testing.T) {
	c := NewCodeCache(0, 100)
	for i := uint64(0); i < 5; i++ {
		c.Insert(testHandle(0x100*(i+1), 20))
	}
	assert.Equal(t, 100, c.CurrentBytes())

	evicted := c.Insert(testHandle(0x9000, 70))
	assert.Equal(t, []uint64{0x100, 0x200, 0x300, 0x400}, evicted)
	assert.Equal(t, 90, c.CurrentBytes())
	assert.Equal(t, 2, c.Len())
}

func TestCodeCache_RefusesOversizedBlock(t *testing.T) {
	c := NewCodeCache(0, 64)
	c.Insert(testHandle(0x10, 32))
	assert.False(t, c.Fits(65))
	assert.Empty(t, c.Insert(testHandle(0x20, 65)))
	assert.False(t, c.Contains(0x20))
	assert.True(t, c.Contains(0x10))
	assert.Equal(t, 32, c.CurrentBytes())
}

func TestCodeCache_ReplaceAccountsBytes(t *testing.T) {
	c := NewCodeCache(0, 100)
	c.Insert(testHandle(0x10, 40))
	c.Insert(testHandle(0x20, 40))

	// The old 0x10 bytes are released before the budget is checked, so the
	// 60 byte replacement fits without evicting 0x20.
	replacement := testHandle(0x10, 60)
	replacement.TableIndex = 99
	assert.Empty(t, c.Insert(replacement))
	assert.Equal(t, 100, c.CurrentBytes())

	got, ok := c.GetCloned(0x10)
	require.True(t, ok)
	assert.Equal(t, uint32(99), got.TableIndex)

	// Growing it again must evict 0x20 but never the key being replaced.
	evicted := c.Insert(testHandle(0x10, 90))
	assert.Equal(t, []uint64{0x20}, evicted)
	assert.Equal(t, 90, c.CurrentBytes())
	assert.Equal(t, 1, c.Len())
}

func TestCodeCache_ReplacePromotes(t *testing.T) {
	c := NewCodeCache(2, 0)
	c.Insert(testHandle(1, 4))
	c.Insert(testHandle(2, 4))
	// 1 is the LRU tail; replacing it makes it MRU.
	c.Insert(testHandle(1, 8))
	assert.Equal(t, []uint64{2}, c.Insert(testHandle(3, 4)))

	// Replacing the head keeps it at the head.
	c.Insert(testHandle(3, 6))
	assert.Equal(t, []uint64{1}, c.Insert(testHandle(4, 4)))
}

func TestCodeCache_GetClonedIsIndependent(t *testing.T) {
	c := NewCodeCache(0, 0)
	c.Insert(testHandle(0x1ff0, 0x20)) // spans pages 1 and 2

	got, ok := c.GetCloned(0x1ff0)
	require.True(t, ok)
	require.Len(t, got.Meta.PageVersions, 2)
	got.Meta.PageVersions[0].Version = 99
	got.Meta.PageVersions[1].Page = 77
	got.Meta.PageVersions = append(got.Meta.PageVersions, PageVersionSnapshot{Page: 3})
	got.TableIndex = 1234

	again, _ := c.GetCloned(0x1ff0)
	assert.Equal(t, []PageVersionSnapshot{{Page: 1, Version: 0}, {Page: 2, Version: 0}}, again.Meta.PageVersions)
	assert.Equal(t, uint32(0x1ff0), again.TableIndex)
	assert.True(t, c.HasCodeOnPage(2))
	assert.False(t, c.HasCodeOnPage(77))

	removed := c.InvalidateOverlapping(2)
	require.Len(t, removed, 1)
	assert.Equal(t, uint64(0x1ff0), removed[0].EntryRIP)
	assert.Zero(t, c.Len())
}

func TestCodeCache_InsertCopiesPageVersions(t *testing.T) {
	c := NewCodeCache(0, 0)
	h := testHandle(0x1ff0, 0x20)
	c.Insert(h)
	h.Meta.PageVersions[0].Page = 42

	got, ok := c.GetCloned(0x1ff0)
	require.True(t, ok)
	assert.Equal(t, uint64(1), got.Meta.PageVersions[0].Page)
	assert.True(t, c.HasCodeOnPage(1))
}

func TestCodeCache_InvalidateOverlapping(t *testing.T) {
	c := NewCodeCache(0, 0)
	c.Insert(testHandle(0x1000, 0x10))  // page 1
	c.Insert(testHandle(0x1ff8, 0x10))  // pages 1, 2
	c.Insert(testHandle(0x2100, 0x10))  // page 2
	c.Insert(testHandle(0x5000, 0x100)) // page 5

	removed := c.InvalidateOverlapping(2)
	rips := make([]uint64, 0, len(removed))
	for _, h := range removed {
		rips = append(rips, h.EntryRIP)
	}
	assert.ElementsMatch(t, []uint64{0x1ff8, 0x2100}, rips)
	assert.True(t, c.Contains(0x1000))
	assert.True(t, c.HasCodeOnPage(1))
	assert.False(t, c.HasCodeOnPage(2))
	assert.Equal(t, 0x110, c.CurrentBytes())
	assert.Empty(t, c.InvalidateOverlapping(9))
}

func TestCodeCache_ZeroLengthBlock(t *testing.T) {
	c := NewCodeCache(0, 0)
	c.Insert(testHandle(0x3000, 0))
	got, ok := c.GetCloned(0x3000)
	require.True(t, ok)
	assert.Empty(t, got.Meta.PageVersions)
	assert.Equal(t, 0, c.CurrentBytes())
}

// TestCodeCache_MatchesModel drives random inserts and lookups against a
// straightforward slice-based LRU and checks both limits after every insert.
func TestCodeCache_MatchesModel(t *testing.T) {
	const maxBlocks, maxBytes = 8, 400
	c := NewCodeCache(maxBlocks, maxBytes)
	rng := rand.New(rand.NewPCG(1, 2))

	type modelEntry struct {
		rip  uint64
		size uint32
		idx  uint32
	}
	var model []modelEntry // MRU first
	find := func(rip uint64) int {
		for i, e := range model {
			if e.rip == rip {
				return i
			}
		}
		return -1
	}
	modelBytes := func() int {
		n := 0
		for _, e := range model {
			n += int(e.size)
		}
		return n
	}

	for step := 0; step < 5000; step++ {
		rip := uint64(rng.IntN(24)) * 0x40
		if rng.IntN(3) == 0 {
			size := uint32(1 + rng.IntN(120))
			h := testHandle(rip, size)
			h.TableIndex = uint32(step)
			evicted := c.Insert(h)

			if i := find(rip); i >= 0 {
				model = append(model[:i], model[i+1:]...)
			}
			var want []uint64
			for len(model)+1 > maxBlocks || modelBytes()+int(size) > maxBytes {
				last := model[len(model)-1]
				want = append(want, last.rip)
				model = model[:len(model)-1]
			}
			model = append([]modelEntry{{rip: rip, size: size, idx: uint32(step)}}, model...)

			require.Equal(t, want, evicted, "step %d", step)
			require.LessOrEqual(t, c.CurrentBytes(), maxBytes)
			require.LessOrEqual(t, c.Len(), maxBlocks)
		} else {
			got, ok := c.GetCloned(rip)
			i := find(rip)
			require.Equal(t, i >= 0, ok, "step %d", step)
			if ok {
				assert.Equal(t, model[i].idx, got.TableIndex)
				assert.Equal(t, model[i].size, got.Meta.ByteLen)
				e := model[i]
				model = append(model[:i], model[i+1:]...)
				model = append([]modelEntry{e}, model...)
			}
		}
		require.Equal(t, len(model), c.Len())
		require.Equal(t, modelBytes(), c.CurrentBytes())
	}
}
