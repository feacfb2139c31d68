package jit

import (
	"fmt"

	"github.com/colorfulnotion/tierjit/log"
)

// Runtime ties the code cache, hotness profile and page-version tracker
// together behind PrepareBlock, called at every block boundary, and
// InstallHandle, called when a compile finishes.
//
// A Runtime has a single owner: every method must be called from the
// goroutine running the guest CPU. Compile results produced elsewhere are
// handed back to that goroutine before being installed.
type Runtime[C any] struct {
	cfg     Config
	backend Backend[C]
	sink    CompileRequestSink
	metrics MetricsSink
	onEvict func(CompiledBlockHandle)

	tracker *PageVersionTracker
	profile *HotnessProfile
	cache   *CodeCache
}

// NewRuntime creates a runtime. sink may be nil, in which case hot addresses
// are still marked as requested but no request leaves the runtime.
func NewRuntime[C any](cfg Config, backend Backend[C], sink CompileRequestSink) *Runtime[C] {
	if sink == nil {
		sink = CompileRequestFunc(func(uint64) {})
	}
	return &Runtime[C]{
		cfg:     cfg,
		backend: backend,
		sink:    sink,
		metrics: noopMetrics{},
		tracker: NewPageVersionTracker(cfg.CodeVersionMaxPages),
		profile: NewHotnessProfile(cfg.HotThreshold, cfg.HotnessCapacity),
		cache:   NewCodeCache(cfg.CacheMaxBlocks, cfg.CacheMaxBytes),
	}
}

// WithMetricsSink attaches an observability sink. A nil sink disables telemetry.
func (rt *Runtime[C]) WithMetricsSink(m MetricsSink) *Runtime[C] {
	if m == nil {
		rt.metrics = noopMetrics{}
	} else {
		rt.metrics = m
	}
	return rt
}

// WithEvictionHook registers fn to be called with every handle that leaves
// the cache (eviction, replacement, invalidation) so the backend can release
// its native slot.
func (rt *Runtime[C]) WithEvictionHook(fn func(CompiledBlockHandle)) *Runtime[C] {
	rt.onEvict = fn
	return rt
}

// PrepareBlock returns the translation for rip if one is cached. On a miss it
// updates the hotness profile and may emit one compile request.
func (rt *Runtime[C]) PrepareBlock(rip uint64) (CompiledBlockHandle, bool) {
	if !rt.cfg.Enabled {
		return CompiledBlockHandle{}, false
	}
	if h, ok := rt.cache.GetCloned(rip); ok {
		rt.metrics.RecordCacheHit()
		rt.profile.RecordHit(rip, true)
		return h, true
	}
	rt.metrics.RecordCacheMiss()
	if rt.profile.RecordHit(rip, false) {
		rt.sink.RequestCompile(rip)
		rt.metrics.RecordCompileRequest()
		log.Trace(log.JitMonitoring, "compile requested", "rip", rip, "count", rt.profile.Counter(rip))
	}
	if rt.cfg.RequestTimeoutTicks != 0 {
		for _, expired := range rt.profile.ExpireRequested(rt.cfg.RequestTimeoutTicks) {
			log.Debug(log.JitMonitoring, "compile request expired", "rip", expired)
		}
	}
	return CompiledBlockHandle{}, false
}

// Execute runs an installed translation through the backend.
func (rt *Runtime[C]) Execute(h CompiledBlockHandle, cpu C) BlockExit {
	return rt.backend.Execute(h.TableIndex, cpu)
}

// InstallHandle publishes a finished compile. The page versions recorded at
// compile time must still match the tracker; otherwise the guest modified the
// code while it was being compiled and the handle is rejected. Every outcome
// resolves the pending request for h.EntryRIP.
func (rt *Runtime[C]) InstallHandle(h CompiledBlockHandle) ([]uint64, error) {
	rip := h.EntryRIP
	if !rt.cfg.Enabled {
		rt.profile.ClearRequested(rip)
		return nil, ErrDisabled
	}
	current, complete := rt.tracker.Snapshot(h.Meta.CodePaddr, h.Meta.ByteLen)
	if !complete {
		rt.profile.ClearRequested(rip)
		log.Debug(log.JitMonitoring, "install refused: span too large", "rip", rip, "bytes", h.Meta.ByteLen)
		return nil, fmt.Errorf("install %#x: %w", rip, ErrSpanTooLarge)
	}
	if !sameVersions(current, h.Meta.PageVersions) {
		rt.metrics.RecordStaleInstallReject()
		rt.profile.ClearRequested(rip)
		log.Debug(log.JitMonitoring, "stale install rejected", "rip", rip, "paddr", h.Meta.CodePaddr)
		return nil, fmt.Errorf("install %#x: %w", rip, ErrStaleInstall)
	}
	if !rt.cache.Fits(h.Meta.ByteLen) {
		rt.profile.ClearRequested(rip)
		return nil, fmt.Errorf("install %#x (%d bytes): %w", rip, h.Meta.ByteLen, ErrBlockTooLarge)
	}

	evicted, replaced := rt.cache.insert(h)
	rt.metrics.RecordInstall()
	rt.metrics.RecordEvict(uint64(len(evicted)))
	rt.profile.ClearRequested(rip)
	rt.updateCacheBytes()

	if rt.onEvict != nil {
		if replaced != nil {
			rt.onEvict(*replaced)
		}
		for _, e := range evicted {
			rt.onEvict(e)
		}
	}
	out := make([]uint64, len(evicted))
	for i, e := range evicted {
		out[i] = e.EntryRIP
	}
	log.Trace(log.JitMonitoring, "block installed", "rip", rip, "idx", h.TableIndex, "evicted", len(out))
	return out, nil
}

// SnapshotMeta captures the current page versions for a code span.
func (rt *Runtime[C]) SnapshotMeta(codePaddr uint64, byteLen uint32) (CompiledBlockMeta, error) {
	snap, complete := rt.tracker.Snapshot(codePaddr, byteLen)
	if !complete {
		return CompiledBlockMeta{}, fmt.Errorf("snapshot %#x+%d: %w", codePaddr, byteLen, ErrSpanTooLarge)
	}
	return CompiledBlockMeta{
		CodePaddr:    codePaddr,
		ByteLen:      byteLen,
		PageVersions: snap,
	}, nil
}

// InstallBlock installs a translation whose metadata is taken from the
// tracker right now. instructions is the guest instruction count reported by
// committed exits of the block. Only use it when the guest cannot have
// written the code since compilation started; otherwise build the handle with
// SnapshotMeta before compiling and call InstallHandle.
func (rt *Runtime[C]) InstallBlock(entryRIP uint64, tableIndex uint32, codePaddr uint64, byteLen, instructions uint32) ([]uint64, error) {
	meta, err := rt.SnapshotMeta(codePaddr, byteLen)
	if err != nil {
		rt.profile.ClearRequested(entryRIP)
		return nil, err
	}
	meta.InstructionCount = instructions
	return rt.InstallHandle(CompiledBlockHandle{EntryRIP: entryRIP, TableIndex: tableIndex, Meta: meta})
}

// OnGuestWrite must be called for every guest write that may hit code (CPU
// store, DMA, device) before the write is visible to the CPU. It bumps the
// touched pages and drops every cached block that covers them. It returns the
// invalidated RIPs.
func (rt *Runtime[C]) OnGuestWrite(paddr uint64, length int) []uint64 {
	if length <= 0 {
		return nil
	}
	rt.tracker.BumpWrite(paddr, length)
	if rt.cache.Len() == 0 {
		return nil
	}
	var out []uint64
	first, last := pageSpan(paddr, uint64(length))
	for page := first; ; page++ {
		if rt.cache.HasCodeOnPage(page) {
			for _, h := range rt.cache.InvalidateOverlapping(page) {
				rt.metrics.RecordInvalidate()
				if rt.onEvict != nil {
					rt.onEvict(h)
				}
				out = append(out, h.EntryRIP)
			}
		}
		if page == last {
			break
		}
	}
	if len(out) > 0 {
		rt.updateCacheBytes()
		log.Debug(log.SmcMonitoring, "code invalidated by guest write", "paddr", paddr, "len", length, "blocks", len(out))
	}
	return out
}

// InvalidateBlock drops the cached translation for rip, if any.
func (rt *Runtime[C]) InvalidateBlock(rip uint64) bool {
	h, ok := rt.cache.Remove(rip)
	if !ok {
		return false
	}
	rt.metrics.RecordInvalidate()
	rt.updateCacheBytes()
	if rt.onEvict != nil {
		rt.onEvict(h)
	}
	return true
}

// AbandonRequest resolves the pending request for rip without installing
// anything, e.g. when the compiler failed or the job could not be queued.
func (rt *Runtime[C]) AbandonRequest(rip uint64) {
	rt.profile.ClearRequested(rip)
}

func (rt *Runtime[C]) updateCacheBytes() {
	rt.metrics.SetCacheBytes(uint64(rt.cache.CurrentBytes()), uint64(rt.cache.MaxBytes()))
}

func (rt *Runtime[C]) IsCompiled(rip uint64) bool   { return rt.cache.Contains(rip) }
func (rt *Runtime[C]) CacheLen() int                { return rt.cache.Len() }
func (rt *Runtime[C]) Hotness(rip uint64) uint32    { return rt.profile.Counter(rip) }
func (rt *Runtime[C]) Config() Config               { return rt.cfg }
func (rt *Runtime[C]) Tracker() *PageVersionTracker { return rt.tracker }

// Stats is a diagnostic view of the runtime.
type Stats struct {
	CacheLen       int    `json:"cache_len"`
	CacheBytes     int    `json:"cache_bytes"`
	CacheMaxBytes  int    `json:"cache_max_bytes"`
	CacheMaxBlocks int    `json:"cache_max_blocks"`
	HotnessLen     int    `json:"hotness_len"`
	PendingCompile int    `json:"pending_compile"`
	TrackedPages   int    `json:"tracked_pages"`
	HotThreshold   uint32 `json:"hot_threshold"`

	// Metrics is filled in when the attached sink is an *AtomicMetrics.
	Metrics *MetricsSnapshot `json:"metrics,omitempty"`
}

func (rt *Runtime[C]) StatsSnapshot() Stats {
	s := Stats{
		CacheLen:       rt.cache.Len(),
		CacheBytes:     rt.cache.CurrentBytes(),
		CacheMaxBytes:  rt.cache.MaxBytes(),
		CacheMaxBlocks: rt.cache.MaxBlocks(),
		HotnessLen:     rt.profile.Len(),
		PendingCompile: rt.profile.RequestedLen(),
		TrackedPages:   rt.tracker.Len(),
		HotThreshold:   rt.profile.Threshold(),
	}
	if am, ok := rt.metrics.(*AtomicMetrics); ok {
		snap := am.Snapshot()
		s.Metrics = &snap
	}
	return s
}

// State is a consistent copy of everything the runtime owns.
type State struct {
	Versions []PageVersionSnapshot `json:"versions"`
	Hotness  []HotnessEntry        `json:"hotness"`
	Blocks   []CompiledBlockHandle `json:"blocks"` // least recently used first
}

// ExportState copies the tracker, the hotness counters and the cache.
func (rt *Runtime[C]) ExportState() State {
	handles := rt.cache.Handles()
	for i, j := 0, len(handles)-1; i < j; i, j = i+1, j-1 {
		handles[i], handles[j] = handles[j], handles[i]
	}
	return State{
		Versions: rt.tracker.Versions(),
		Hotness:  rt.profile.Entries(),
		Blocks:   handles,
	}
}

// ImportState loads st into a freshly created runtime. Blocks are validated
// against the restored versions exactly like a compile result; stale or
// oversized blocks are dropped. It returns how many blocks were restored and
// dropped. Restoring is not compile activity: the install, eviction and stale
// reject counters of the attached sink are left untouched and only the cache
// size gauge is refreshed once the blocks are in.
func (rt *Runtime[C]) ImportState(st State) (restored, dropped int) {
	sink := rt.metrics
	rt.metrics = noopMetrics{}
	defer func() {
		rt.metrics = sink
		rt.updateCacheBytes()
	}()
	for _, pv := range st.Versions {
		rt.tracker.SetVersion(pv.Page, pv.Version)
	}
	for _, e := range st.Hotness {
		rt.profile.Restore(e.RIP, e.Counter)
	}
	for _, h := range st.Blocks {
		if _, err := rt.InstallHandle(h); err != nil {
			log.Debug(log.StoreMonitoring, "restored block dropped", "rip", h.EntryRIP, "err", err)
			dropped++
			continue
		}
		restored++
	}
	return restored, dropped
}
