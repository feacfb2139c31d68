package sim

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/colorfulnotion/tierjit/jit"
	"github.com/colorfulnotion/tierjit/jit/compiler"
	"github.com/colorfulnotion/tierjit/log"
	"github.com/colorfulnotion/tierjit/memory"
	"github.com/colorfulnotion/tierjit/storage"
)

const settleTimeout = 10 * time.Second

// Sample is a point-in-time view of the runtime taken during a run.
type Sample struct {
	Step          uint64  `json:"step"`
	CacheLen      int     `json:"cache_len"`
	CacheBytes    int     `json:"cache_bytes"`
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	Installs      uint64  `json:"installs"`
	Invalidations uint64  `json:"invalidations"`
	StaleRejects  uint64  `json:"stale_rejects"`
	JitRatio      float64 `json:"jit_ratio"`
}

// Report summarizes a run.
type Report struct {
	Steps             uint64                    `json:"steps"`
	JitSteps          uint64                    `json:"jit_steps"`
	InterpSteps       uint64                    `json:"interp_steps"`
	Retired           uint64                    `json:"retired"`
	SMCWrites         uint64                    `json:"smc_writes"`
	DMAWrites         uint64                    `json:"dma_writes"`
	WriteLogOverflows uint64                    `json:"write_log_overflows"`
	TableLive         int                       `json:"table_live"`
	Elapsed           time.Duration             `json:"elapsed"`
	CPU               string                    `json:"cpu"`
	Runtime           jit.Stats                 `json:"runtime"`
	Metrics           jit.MetricsSnapshot       `json:"metrics"`
	Compiler          compiler.Stats            `json:"compiler"`
	Decode            compiler.DecodeCacheStats `json:"decode"`
}

type Option func(*Simulator)

// WithMetricsSink adds a sink next to the simulator's own counters.
func WithMetricsSink(m jit.MetricsSink) Option {
	return func(s *Simulator) { s.sinks = append(s.sinks, m) }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Simulator) { s.tp = tp }
}

// Simulator runs a generated guest program on the tiered engine: the
// interpreter, the compile service and the runtime bookkeeping, with
// self-modifying writes from the CPU and optional device writes from a
// second goroutine.
//
// Step, Run and the accessors that touch the runtime must be called from one
// goroutine.
type Simulator struct {
	cfg   Config
	ram   *memory.RAM
	wlog  *memory.WriteLog
	prog  *Program
	cpu   *CPU
	sinks []jit.MetricsSink
	tp    trace.TracerProvider

	metrics *jit.AtomicMetrics
	rt      *jit.Runtime[*CPU]
	queue   *jit.CompileQueue
	table   *compiler.Table[*CPU]
	svc     *compiler.Service[*CPU]
	disp    *jit.Dispatcher[*CPU]
	rng     *rand.Rand

	samples   []Sample
	steps     uint64
	jitSteps  uint64
	smcWrites uint64
	dmaWrites atomic.Uint64
}

func New(cfg Config, opts ...Option) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	prog, err := GenerateProgram(cfg.ProgramBase, cfg.Loops, cfg.Seed)
	if err != nil {
		return nil, err
	}
	if prog.End() > uint64(cfg.MemorySize) {
		return nil, fmt.Errorf("sim: program ends at %#x beyond memory size %#x", prog.End(), cfg.MemorySize)
	}
	ram := memory.NewRAM(cfg.MemorySize)
	if err := ram.Write(prog.Base, prog.Code); err != nil {
		return nil, err
	}

	s := &Simulator{
		cfg:     cfg,
		ram:     ram,
		wlog:    memory.NewWriteLog(cfg.WriteLogCapacity),
		prog:    prog,
		cpu:     &CPU{},
		metrics: jit.NewAtomicMetrics(),
		queue:   jit.NewCompileQueue(),
		table:   compiler.NewTable[*CPU](),
		rng:     rand.New(rand.NewPCG(cfg.Seed, 1)),
	}
	for _, opt := range opts {
		opt(s)
	}

	var sink jit.MetricsSink = s.metrics
	if len(s.sinks) > 0 {
		sink = jit.TeeMetrics(append([]jit.MetricsSink{s.metrics}, s.sinks...)...)
	}
	s.rt = jit.NewRuntime[*CPU](cfg.JIT, s.table, s.queue).WithMetricsSink(sink)
	s.svc, err = compiler.NewService(cfg.Compiler, s.rt, s.queue, ram, s.table, ClosureCodegen{})
	if err != nil {
		return nil, err
	}
	if s.tp != nil {
		s.svc.WithTracerProvider(s.tp)
	}
	ram.SetWriteHook(func(paddr uint64, n int) { s.rt.OnGuestWrite(paddr, n) })
	s.disp = jit.NewDispatcher[*CPU](s.rt, NewInterpreter(ram, cfg.Compiler.Limits))
	s.cpu.SetRIP(prog.Base)
	return s, nil
}

func (s *Simulator) Config() Config                   { return s.cfg }
func (s *Simulator) Program() *Program                { return s.prog }
func (s *Simulator) CPU() *CPU                        { return s.cpu }
func (s *Simulator) RAM() *memory.RAM                 { return s.ram }
func (s *Simulator) WriteLog() *memory.WriteLog       { return s.wlog }
func (s *Simulator) Runtime() *jit.Runtime[*CPU]      { return s.rt }
func (s *Simulator) Service() *compiler.Service[*CPU] { return s.svc }
func (s *Simulator) Metrics() *jit.AtomicMetrics      { return s.metrics }
func (s *Simulator) Samples() []Sample                { return s.samples }

// Start launches the compile workers and, when configured, the device
// writer. The returned function stops them and waits for them to exit.
func (s *Simulator) Start(ctx context.Context) (stop func() error) {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.svc.Run(gctx) })
	if s.cfg.DMAInterval > 0 {
		g.Go(func() error { return s.deviceWriter(gctx) })
	}
	return func() error {
		cancel()
		return g.Wait()
	}
}

// Run executes up to steps blocks with the workers running, waits for the
// compiles still in flight and returns the final report. It stops early when
// ctx is cancelled or the guest faults.
func (s *Simulator) Run(ctx context.Context, steps int) (Report, error) {
	start := time.Now()
	stop := s.Start(ctx)

	var err error
	for i := 0; i < steps && ctx.Err() == nil; i++ {
		if err = s.Step(); err != nil {
			break
		}
	}
	if err == nil && ctx.Err() == nil {
		settleCtx, cancel := context.WithTimeout(ctx, settleTimeout)
		_, err = s.svc.Settle(settleCtx)
		cancel()
	}
	if werr := stop(); err == nil {
		err = werr
	}
	s.replayDeviceWrites()

	rep := s.Report()
	rep.Elapsed = time.Since(start)
	log.Info(log.SimMonitoring, "run finished", "steps", rep.Steps, "jit", rep.JitSteps, "elapsed", rep.Elapsed)
	return rep, err
}

// Step executes one guest block. Device writes are applied and finished
// compiles installed before the block runs; compile requests raised by it
// are dispatched afterwards.
func (s *Simulator) Step() error {
	s.replayDeviceWrites()
	s.svc.Drain()

	out, err := s.disp.Step(s.cpu)
	if err != nil {
		return fmt.Errorf("step %d at %#x: %w", s.steps, out.EntryRIP, err)
	}
	s.steps++
	if out.Tier == jit.TierJit {
		s.jitSteps++
	}
	if s.cfg.SMCEvery > 0 && s.steps%uint64(s.cfg.SMCEvery) == 0 {
		if err := s.selfModify(); err != nil {
			return err
		}
	}
	s.svc.Dispatch()
	if s.cfg.SampleEvery > 0 && s.steps%uint64(s.cfg.SampleEvery) == 0 {
		s.samples = append(s.samples, s.sample())
	}
	if s.cpu.Halted {
		return ErrHalted
	}
	return nil
}

func (s *Simulator) replayDeviceWrites() {
	s.wlog.Replay(s.ram.Size(), func(paddr uint64, n int) {
		s.rt.OnGuestWrite(paddr, n)
	})
}

// selfModify rewrites the immediate of a random loop body through a CPU
// store, which goes through the RAM write hook.
func (s *Simulator) selfModify() error {
	i := s.rng.IntN(len(s.prog.Loops))
	addr, data := s.prog.PatchImm(i, s.rng.Uint32())
	if err := s.ram.Write(addr, data); err != nil {
		return fmt.Errorf("self-modifying write at %#x: %w", addr, err)
	}
	s.smcWrites++
	log.Trace(log.SmcMonitoring, "code patched", "loop", i, "addr", addr)
	return nil
}

// dataRegion is the page-aligned area after the program that device writes
// target. It is empty when the program fills memory.
func (s *Simulator) dataRegion() (lo, hi uint64) {
	lo = (s.prog.End() + 2*jit.PageSize - 1) &^ (jit.PageSize - 1)
	hi = s.ram.Size()
	if lo+4 > hi {
		return 0, 0
	}
	return lo, hi - 4
}

// deviceWriter stands in for a DMA engine: it writes guest memory from its
// own goroutine through the write log, sometimes hitting code.
func (s *Simulator) deviceWriter(ctx context.Context) error {
	rng := rand.New(rand.NewPCG(s.cfg.Seed, 2))
	lo, hi := s.dataRegion()
	ticker := time.NewTicker(s.cfg.DMAInterval)
	defer ticker.Stop()
	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		var (
			addr uint64
			data []byte
		)
		switch {
		case s.cfg.DMACodeRatio > 0 && n%s.cfg.DMACodeRatio == 0:
			addr, data = s.prog.PatchImm(rng.IntN(len(s.prog.Loops)), rng.Uint32())
		case hi > lo:
			addr = lo + rng.Uint64N(hi-lo)
			data = []byte{byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24)}
		default:
			continue
		}
		if err := s.ram.WriteExternal(addr, data, s.wlog); err != nil {
			return fmt.Errorf("device write at %#x: %w", addr, err)
		}
		s.dmaWrites.Add(1)
	}
}

func (s *Simulator) sample() Sample {
	m := s.metrics.Snapshot()
	smp := Sample{
		Step:          s.steps,
		CacheLen:      s.rt.CacheLen(),
		CacheBytes:    int(m.CacheUsedBytes),
		Hits:          m.CacheHits,
		Misses:        m.CacheMisses,
		Installs:      m.Installs,
		Invalidations: m.Invalidations,
		StaleRejects:  m.StaleInstallRejects,
	}
	if s.steps > 0 {
		smp.JitRatio = float64(s.jitSteps) / float64(s.steps)
	}
	return smp
}

func (s *Simulator) Report() Report {
	return Report{
		Steps:             s.steps,
		JitSteps:          s.jitSteps,
		InterpSteps:       s.steps - s.jitSteps,
		Retired:           s.cpu.Retired,
		SMCWrites:         s.smcWrites,
		DMAWrites:         s.dmaWrites.Load(),
		WriteLogOverflows: s.wlog.Overflows(),
		TableLive:         s.table.Live(),
		CPU:               s.cpu.String(),
		Runtime:           s.rt.StatsSnapshot(),
		Metrics:           s.metrics.Snapshot(),
		Compiler:          s.svc.Stats(),
		Decode:            s.svc.DecodeCache().Stats(),
	}
}

// SaveState persists the runtime's tracker, hotness and cache.
func (s *Simulator) SaveState(store *storage.PersistenceStore) error {
	st := s.rt.ExportState()
	if err := store.SaveJitState(st); err != nil {
		return err
	}
	log.Info(log.StoreMonitoring, "runtime state saved", "blocks", len(st.Blocks), "hotness", len(st.Hotness), "pages", len(st.Versions))
	return nil
}

// LoadState restores a state saved by SaveState. It must be called before
// the first Step.
func (s *Simulator) LoadState(ctx context.Context, store *storage.PersistenceStore) (restored, dropped int, found bool, err error) {
	st, found, err := store.LoadJitState()
	if err != nil || !found {
		return 0, 0, found, err
	}
	restored, dropped = s.svc.Restore(ctx, st)
	log.Info(log.StoreMonitoring, "runtime state loaded", "restored", restored, "dropped", dropped)
	return restored, dropped, true, nil
}
