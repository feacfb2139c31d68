package jit

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCPU struct {
	rip uint64
}

func (c *testCPU) RIP() uint64       { return c.rip }
func (c *testCPU) SetRIP(rip uint64) { c.rip = rip }

type recordingBackend struct {
	calls []uint32
	exit  BlockExit
}

func (b *recordingBackend) Execute(tableIndex uint32, cpu *testCPU) BlockExit {
	b.calls = append(b.calls, tableIndex)
	return b.exit
}

type recordingSink struct {
	rips []uint64
}

func (s *recordingSink) RequestCompile(entryRIP uint64) { s.rips = append(s.rips, entryRIP) }

func newTestRuntime(t *testing.T, mutate func(*Config)) (*Runtime[*testCPU], *recordingBackend, *recordingSink, *AtomicMetrics) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.HotThreshold = 1
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())
	backend := &recordingBackend{exit: BlockExit{Committed: true}}
	sink := &recordingSink{}
	metrics := NewAtomicMetrics()
	rt := NewRuntime[*testCPU](cfg, backend, sink).WithMetricsSink(metrics)
	return rt, backend, sink, metrics
}

func TestRuntime_EndToEnd(t *testing.T) {
	rt, backend, sink, metrics := newTestRuntime(t, nil)
	const rip = 0x1000

	_, ok := rt.PrepareBlock(rip)
	require.False(t, ok)
	assert.Equal(t, []uint64{rip}, sink.rips)

	_, ok = rt.PrepareBlock(rip)
	require.False(t, ok)
	assert.Len(t, sink.rips, 1, "request is outstanding")

	evicted, err := rt.InstallBlock(rip, 7, rip, 32, 0)
	require.NoError(t, err)
	assert.Empty(t, evicted)

	h, ok := rt.PrepareBlock(rip)
	require.True(t, ok)
	assert.Equal(t, uint32(7), h.TableIndex)
	assert.Equal(t, uint64(rip), h.EntryRIP)

	exit := rt.Execute(h, &testCPU{rip: rip})
	assert.True(t, exit.Committed)
	assert.Equal(t, []uint32{7}, backend.calls)

	snap := metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.CacheHits)
	assert.Equal(t, uint64(2), snap.CacheMisses)
	assert.Equal(t, uint64(1), snap.Installs)
	assert.Equal(t, uint64(1), snap.CompileRequests)
	assert.Equal(t, uint64(32), snap.CacheUsedBytes)
}

func TestRuntime_StaleInstallRejected(t *testing.T) {
	rt, _, sink, metrics := newTestRuntime(t, nil)
	const rip = 0x2000

	rt.PrepareBlock(rip)
	require.Len(t, sink.rips, 1)

	meta, err := rt.SnapshotMeta(rip, 16)
	require.NoError(t, err)
	// The guest rewrites the block while it is being compiled.
	rt.OnGuestWrite(rip+4, 1)

	_, err = rt.InstallHandle(CompiledBlockHandle{EntryRIP: rip, TableIndex: 1, Meta: meta})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStaleInstall))
	assert.False(t, rt.IsCompiled(rip))
	assert.Equal(t, uint64(1), metrics.Snapshot().StaleInstallRejects)

	// The request was cleared, so the next miss asks again.
	rt.PrepareBlock(rip)
	assert.Equal(t, []uint64{rip, rip}, sink.rips)

	meta, err = rt.SnapshotMeta(rip, 16)
	require.NoError(t, err)
	_, err = rt.InstallHandle(CompiledBlockHandle{EntryRIP: rip, TableIndex: 2, Meta: meta})
	require.NoError(t, err)
	assert.True(t, rt.IsCompiled(rip))
}

func TestRuntime_Disabled(t *testing.T) {
	rt, backend, sink, metrics := newTestRuntime(t, func(c *Config) { c.Enabled = false })

	for i := 0; i < 10; i++ {
		_, ok := rt.PrepareBlock(0x3000)
		assert.False(t, ok)
	}
	assert.Empty(t, sink.rips)
	assert.Equal(t, uint32(0), rt.Hotness(0x3000))
	assert.Equal(t, MetricsSnapshot{}, metrics.Snapshot())

	_, err := rt.InstallBlock(0x3000, 1, 0x3000, 8, 0)
	assert.ErrorIs(t, err, ErrDisabled)
	assert.Equal(t, 0, rt.CacheLen())
	assert.Empty(t, backend.calls)
}

func TestRuntime_OnGuestWriteInvalidates(t *testing.T) {
	rt, _, _, metrics := newTestRuntime(t, nil)
	var hooked []uint64
	rt.WithEvictionHook(func(h CompiledBlockHandle) { hooked = append(hooked, h.EntryRIP) })

	_, err := rt.InstallBlock(0x1000, 1, 0x1000, 16, 0)
	require.NoError(t, err)
	_, err = rt.InstallBlock(0x5000, 2, 0x5000, 16, 0)
	require.NoError(t, err)

	// A write far from any code only bumps versions.
	assert.Empty(t, rt.OnGuestWrite(0x9000, 8))
	assert.Empty(t, rt.OnGuestWrite(0x1000, 0))

	invalidated := rt.OnGuestWrite(0x1ff0, 0x20) // last bytes of page 1, first of page 2
	assert.Equal(t, []uint64{0x1000}, invalidated)
	assert.Equal(t, []uint64{0x1000}, hooked)
	assert.False(t, rt.IsCompiled(0x1000))
	assert.True(t, rt.IsCompiled(0x5000))
	assert.Equal(t, uint32(1), rt.Tracker().Version(1))
	assert.Equal(t, uint32(1), rt.Tracker().Version(2))

	snap := metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.Invalidations)
	assert.Equal(t, uint64(16), snap.CacheUsedBytes)

	_, ok := rt.PrepareBlock(0x1000)
	assert.False(t, ok)
}

func TestRuntime_EvictionHook(t *testing.T) {
	rt, _, _, metrics := newTestRuntime(t, func(c *Config) { c.CacheMaxBlocks = 1 })
	var hooked []CompiledBlockHandle
	rt.WithEvictionHook(func(h CompiledBlockHandle) { hooked = append(hooked, h) })

	_, err := rt.InstallBlock(0xa000, 10, 0xa000, 4, 0)
	require.NoError(t, err)
	evicted, err := rt.InstallBlock(0xb000, 11, 0xb000, 4, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0xa000}, evicted)
	require.Len(t, hooked, 1)
	assert.Equal(t, uint32(10), hooked[0].TableIndex)

	// Replacement hands the old slot back too.
	_, err = rt.InstallBlock(0xb000, 12, 0xb000, 4, 0)
	require.NoError(t, err)
	require.Len(t, hooked, 2)
	assert.Equal(t, uint32(11), hooked[1].TableIndex)

	assert.True(t, rt.InvalidateBlock(0xb000))
	assert.False(t, rt.InvalidateBlock(0xb000))
	require.Len(t, hooked, 3)
	assert.Equal(t, uint32(12), hooked[2].TableIndex)

	snap := metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.Evictions)
	assert.Equal(t, uint64(1), snap.Invalidations)
	assert.Equal(t, uint64(3), snap.Installs)
}

func TestRuntime_SpanTooLarge(t *testing.T) {
	rt, _, sink, _ := newTestRuntime(t, func(c *Config) { c.CodeVersionMaxPages = 1 })
	const rip = 0x0ff0

	rt.PrepareBlock(rip)
	require.Len(t, sink.rips, 1)

	_, err := rt.InstallBlock(rip, 0, rip, 0x20, 0)
	assert.ErrorIs(t, err, ErrSpanTooLarge)

	// A handle built elsewhere with a full snapshot is refused the same way.
	h := CompiledBlockHandle{EntryRIP: rip, Meta: CompiledBlockMeta{
		CodePaddr:    rip,
		ByteLen:      0x20,
		PageVersions: []PageVersionSnapshot{{Page: 0}, {Page: 1}},
	}}
	_, err = rt.InstallHandle(h)
	assert.ErrorIs(t, err, ErrSpanTooLarge)
	assert.Equal(t, 0, rt.CacheLen())

	rt.PrepareBlock(rip)
	assert.Len(t, sink.rips, 2, "request cleared after refusal")
}

func TestRuntime_BlockTooLarge(t *testing.T) {
	rt, _, _, _ := newTestRuntime(t, func(c *Config) { c.CacheMaxBytes = 16 })
	_, err := rt.InstallBlock(0x100, 0, 0x100, 8, 0)
	require.NoError(t, err)

	_, err = rt.InstallBlock(0x200, 1, 0x200, 32, 0)
	assert.ErrorIs(t, err, ErrBlockTooLarge)
	assert.True(t, rt.IsCompiled(0x100), "refusal must not evict")
}

func TestRuntime_HitKeepsCounterWarm(t *testing.T) {
	rt, _, sink, _ := newTestRuntime(t, func(c *Config) { c.HotThreshold = 100 })
	_, err := rt.InstallBlock(0x4000, 0, 0x4000, 8, 0)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, ok := rt.PrepareBlock(0x4000)
		require.True(t, ok)
	}
	assert.Equal(t, uint32(3), rt.Hotness(0x4000))
	assert.Empty(t, sink.rips)
}

func TestRuntime_NilMetricsSink(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HotThreshold = 1
	rt := NewRuntime[*testCPU](cfg, &recordingBackend{}, nil).WithMetricsSink(nil)

	_, ok := rt.PrepareBlock(0x10)
	assert.False(t, ok)
	_, err := rt.InstallBlock(0x10, 3, 0x10, 4, 0)
	require.NoError(t, err)
	h, ok := rt.PrepareBlock(0x10)
	require.True(t, ok)
	assert.Equal(t, uint32(3), h.TableIndex)
	assert.Nil(t, rt.StatsSnapshot().Metrics)
}

func TestRuntime_RequestTimeout(t *testing.T) {
	rt, _, sink, _ := newTestRuntime(t, func(c *Config) { c.RequestTimeoutTicks = 2 })

	rt.PrepareBlock(0xa) // tick 1, requested
	rt.PrepareBlock(0xb) // tick 2
	rt.PrepareBlock(0xc) // tick 3
	rt.PrepareBlock(0xd) // tick 4, 0xa expires
	assert.Equal(t, []uint64{0xa, 0xb, 0xc, 0xd}, sink.rips)

	rt.PrepareBlock(0xa)
	assert.Equal(t, []uint64{0xa, 0xb, 0xc, 0xd, 0xa}, sink.rips)
}

func TestRuntime_AbandonRequest(t *testing.T) {
	rt, _, sink, _ := newTestRuntime(t, nil)
	rt.PrepareBlock(0x77)
	rt.PrepareBlock(0x77)
	require.Len(t, sink.rips, 1)

	rt.AbandonRequest(0x77)
	rt.PrepareBlock(0x77)
	assert.Len(t, sink.rips, 2)
}

func TestRuntime_StatsSnapshot(t *testing.T) {
	rt, _, _, _ := newTestRuntime(t, func(c *Config) { c.CacheMaxBytes = 1024 })
	rt.PrepareBlock(0x1000)
	_, err := rt.InstallBlock(0x2000, 0, 0x2000, 100, 0)
	require.NoError(t, err)

	s := rt.StatsSnapshot()
	assert.Equal(t, 1, s.CacheLen)
	assert.Equal(t, 100, s.CacheBytes)
	assert.Equal(t, 1024, s.CacheMaxBytes)
	assert.Equal(t, 1, s.PendingCompile)
	assert.Equal(t, 1, s.HotnessLen)
	require.NotNil(t, s.Metrics)
	assert.Equal(t, uint64(1), s.Metrics.CacheMisses)
}

func TestRuntime_ExportImportState(t *testing.T) {
	rt, _, _, _ := newTestRuntime(t, func(c *Config) { c.HotThreshold = 50 })
	_, err := rt.InstallBlock(0x1000, 1, 0x1000, 16, 0)
	require.NoError(t, err)
	_, err = rt.InstallBlock(0x3000, 2, 0x3000, 16, 0)
	require.NoError(t, err)
	rt.OnGuestWrite(0x8000, 4)
	for i := 0; i < 4; i++ {
		rt.PrepareBlock(0x1000)
	}
	rt.PrepareBlock(0x6000)

	st := rt.ExportState()
	require.Len(t, st.Blocks, 2)
	assert.Equal(t, uint64(0x3000), st.Blocks[0].EntryRIP, "least recently used first")
	assert.Equal(t, []PageVersionSnapshot{{Page: 8, Version: 1}}, st.Versions)

	// Page 3 was rewritten after the blocks were captured.
	st.Versions = append(st.Versions, PageVersionSnapshot{Page: 3, Version: 5})

	restoredRT, _, _, metrics := newTestRuntime(t, func(c *Config) { c.HotThreshold = 50 })
	restored, dropped := restoredRT.ImportState(st)
	assert.Equal(t, 1, restored)
	assert.Equal(t, 1, dropped)
	assert.True(t, restoredRT.IsCompiled(0x1000))
	assert.False(t, restoredRT.IsCompiled(0x3000))
	assert.Equal(t, uint32(4), restoredRT.Hotness(0x1000))
	assert.Equal(t, uint32(1), restoredRT.Hotness(0x6000))
	assert.Equal(t, uint32(5), restoredRT.Tracker().Version(3))

	// Restoring is not compile activity.
	snap := metrics.Snapshot()
	assert.Zero(t, snap.StaleInstallRejects)
	assert.Zero(t, snap.Installs)
	assert.Zero(t, snap.Evictions)
	assert.Equal(t, uint64(16), snap.CacheUsedBytes)
	assert.NotZero(t, snap.CacheCapacityBytes)

	// The sink is live again afterwards.
	_, err = restoredRT.InstallBlock(0x5000, 3, 0x5000, 16, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), metrics.Snapshot().Installs)
	assert.Equal(t, uint64(32), metrics.Snapshot().CacheUsedBytes)
}

func TestRuntime_HitPathAllocatesOnlyPageVersions(t *testing.T) {
	rt, _, _, _ := newTestRuntime(t, nil)
	rt.WithMetricsSink(nil)
	_, err := rt.InstallBlock(0x1000, 1, 0x1ff0, 0x20, 0)
	require.NoError(t, err)
	rt.PrepareBlock(0x1000)

	allocs := testing.AllocsPerRun(1000, func() {
		if _, ok := rt.PrepareBlock(0x1000); !ok {
			panic("expected hit")
		}
	})
	assert.LessOrEqual(t, allocs, 1.0)
}

func TestRuntime_HitHandleIsACopy(t *testing.T) {
	rt, _, _, _ := newTestRuntime(t, nil)
	_, err := rt.InstallBlock(0x1000, 1, 0x1ff0, 0x20, 0)
	require.NoError(t, err)

	h, ok := rt.PrepareBlock(0x1000)
	require.True(t, ok)
	require.Len(t, h.Meta.PageVersions, 2)
	h.Meta.PageVersions[0].Version = 99
	h.Meta.PageVersions[1].Page = 77

	fresh, _, _, _ := newTestRuntime(t, nil)
	restored, dropped := fresh.ImportState(rt.ExportState())
	assert.Equal(t, 1, restored)
	assert.Zero(t, dropped)

	// A write to page 2 still finds the block through the page index.
	assert.Equal(t, []uint64{0x1000}, rt.OnGuestWrite(0x2004, 4))
}
