package compiler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/colorfulnotion/tierjit/jit"
	"github.com/colorfulnotion/tierjit/log"
)

const tracerName = "github.com/colorfulnotion/tierjit/jit/compiler"

var (
	ErrQueueFull      = errors.New("compiler: job queue full")
	errNilTranslation = errors.New("compiler: codegen returned no translation")
)

// Codegen turns a discovered block into native code. It runs on worker
// goroutines and must only read the block it is given.
type Codegen[C any] interface {
	Compile(ctx context.Context, b *Block) (NativeBlock[C], error)
}

// CodegenFunc adapts a function to Codegen.
type CodegenFunc[C any] func(ctx context.Context, b *Block) (NativeBlock[C], error)

func (f CodegenFunc[C]) Compile(ctx context.Context, b *Block) (NativeBlock[C], error) {
	return f(ctx, b)
}

// Config sizes the compile service.
type Config struct {
	Workers         int    `yaml:"workers" json:"workers"`
	QueueDepth      int    `yaml:"queue_depth" json:"queue_depth"`
	DecodeCacheSize int    `yaml:"decode_cache_size" json:"decode_cache_size"`
	Limits          Limits `yaml:"limits" json:"limits"`
}

func DefaultConfig() Config {
	return Config{
		Workers:         2,
		QueueDepth:      64,
		DecodeCacheSize: DefaultDecodeCacheSize,
		Limits:          DefaultLimits(),
	}
}

type job struct {
	block *Block
	meta  jit.CompiledBlockMeta
}

type result[C any] struct {
	job job
	fn  NativeBlock[C]
	err error
}

// Stats counts what happened to compile requests.
type Stats struct {
	Dispatched     uint64 `json:"dispatched"`
	DiscoverFailed uint64 `json:"discover_failed"`
	Oversize       uint64 `json:"oversize"`
	QueueFull      uint64 `json:"queue_full"`
	Compiled       uint64 `json:"compiled"`
	CompileFailed  uint64 `json:"compile_failed"`
	Installed      uint64 `json:"installed"`
	Rejected       uint64 `json:"rejected"`
}

type serviceCounters struct {
	dispatched, discoverFailed, oversize, queueFull atomic.Uint64
	compiled, compileFailed, installed, rejected    atomic.Uint64
	inflight                                        atomic.Int64
}

// Service moves compile requests from a CompileQueue through a worker pool
// and installs the results. Dispatch and Drain run on the CPU goroutine and
// are the only methods that touch the runtime; Run hosts the workers.
type Service[C any] struct {
	cfg     Config
	rt      *jit.Runtime[C]
	queue   *jit.CompileQueue
	src     CodeSource
	table   *Table[C]
	codegen Codegen[C]
	decoded *DecodeCache
	tracer  trace.Tracer

	jobs    chan job
	results chan result[C]
	stats   serviceCounters
}

// NewService wires a compile service. It registers table.Release as the
// runtime's eviction hook.
func NewService[C any](cfg Config, rt *jit.Runtime[C], queue *jit.CompileQueue, src CodeSource, table *Table[C], codegen Codegen[C]) (*Service[C], error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultConfig().QueueDepth
	}
	decoded, err := NewDecodeCache(cfg.DecodeCacheSize, cfg.Limits)
	if err != nil {
		return nil, fmt.Errorf("decode cache: %w", err)
	}
	rt.WithEvictionHook(table.Release)
	return &Service[C]{
		cfg:     cfg,
		rt:      rt,
		queue:   queue,
		src:     src,
		table:   table,
		codegen: codegen,
		decoded: decoded,
		tracer:  otel.Tracer(tracerName),
		jobs:    make(chan job, cfg.QueueDepth),
		results: make(chan result[C], cfg.QueueDepth+cfg.Workers),
	}, nil
}

// WithTracerProvider replaces the global tracer provider for job spans.
func (s *Service[C]) WithTracerProvider(tp trace.TracerProvider) *Service[C] {
	s.tracer = tp.Tracer(tracerName)
	return s
}

// Run starts the workers and blocks until ctx is cancelled.
func (s *Service[C]) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		id := i
		g.Go(func() error { return s.worker(ctx, id) })
	}
	log.Debug(log.CompileMonitoring, "compile workers started", "workers", s.cfg.Workers)
	return g.Wait()
}

func (s *Service[C]) worker(ctx context.Context, id int) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-s.jobs:
			log.Trace(log.CompileMonitoring, "compiling", "worker", id, "rip", j.block.EntryRIP)
			r := s.compile(ctx, j)
			select {
			case s.results <- r:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (s *Service[C]) compile(ctx context.Context, j job) (r result[C]) {
	b := j.block
	ctx, span := s.tracer.Start(ctx, "jit.compile", trace.WithAttributes(
		attribute.String("rip", fmt.Sprintf("%#x", b.EntryRIP)),
		attribute.Int("bytes", len(b.Bytes)),
		attribute.Int("instructions", len(b.Insts)),
		attribute.String("term", b.Term.String()),
	))
	defer span.End()

	r.job = j
	defer func() {
		if p := recover(); p != nil {
			r.fn, r.err = nil, fmt.Errorf("codegen panic: %v", p)
		}
		if r.err != nil {
			span.RecordError(r.err)
			span.SetStatus(codes.Error, r.err.Error())
			s.stats.compileFailed.Add(1)
			return
		}
		s.stats.compiled.Add(1)
	}()

	r.fn, r.err = s.codegen.Compile(ctx, b)
	if r.err == nil && r.fn == nil {
		r.err = errNilTranslation
	}
	return r
}

// Dispatch drains the compile queue, discovers each requested block and
// hands it to the workers. Requests that cannot be queued are abandoned so
// the address can be requested again. It returns the number of jobs queued.
func (s *Service[C]) Dispatch() int {
	queued := 0
	for _, rip := range s.queue.Drain() {
		if s.rt.IsCompiled(rip) {
			s.rt.AbandonRequest(rip)
			continue
		}
		j, err := s.prepare(rip)
		if err != nil {
			s.rt.AbandonRequest(rip)
			log.Debug(log.CompileMonitoring, "compile request dropped", "rip", rip, "err", err)
			continue
		}
		select {
		case s.jobs <- j:
			s.stats.dispatched.Add(1)
			s.stats.inflight.Add(1)
			queued++
		default:
			s.stats.queueFull.Add(1)
			s.rt.AbandonRequest(rip)
			log.Debug(log.CompileMonitoring, "compile request dropped", "rip", rip, "err", ErrQueueFull)
		}
	}
	return queued
}

// prepare discovers the block at rip and snapshots its page versions. The
// snapshot is taken here, before any worker sees the bytes.
func (s *Service[C]) prepare(rip uint64) (job, error) {
	b, err := s.decoded.Discover(s.src, rip)
	if err != nil {
		s.stats.discoverFailed.Add(1)
		return job{}, err
	}
	if limit := s.rt.Config().CacheMaxBytes; limit != 0 && len(b.Bytes) > limit {
		s.stats.oversize.Add(1)
		return job{}, fmt.Errorf("%d byte block: %w", len(b.Bytes), jit.ErrBlockTooLarge)
	}
	meta, err := s.rt.SnapshotMeta(b.Paddr, b.ByteLen())
	if err != nil {
		s.stats.oversize.Add(1)
		return job{}, err
	}
	meta.InstructionCount = b.InstructionCount()
	meta.InhibitInterruptsAfterBlock = b.InhibitInterrupts
	return job{block: b, meta: meta}, nil
}

// Drain installs every finished compile without blocking. It returns the
// number of blocks installed.
func (s *Service[C]) Drain() int {
	installed := 0
	for {
		select {
		case r := <-s.results:
			s.stats.inflight.Add(-1)
			if s.install(r) {
				installed++
			}
		default:
			return installed
		}
	}
}

func (s *Service[C]) install(r result[C]) bool {
	rip := r.job.block.EntryRIP
	if r.err != nil {
		s.rt.AbandonRequest(rip)
		log.Debug(log.CompileMonitoring, "compile failed", "rip", rip, "err", r.err)
		return false
	}
	idx := s.table.Alloc(rip, r.fn)
	h := jit.CompiledBlockHandle{EntryRIP: rip, TableIndex: idx, Meta: r.job.meta}
	if _, err := s.rt.InstallHandle(h); err != nil {
		s.table.Free(idx)
		s.stats.rejected.Add(1)
		log.Debug(log.CompileMonitoring, "install rejected", "rip", rip, "err", err)
		return false
	}
	s.stats.installed.Add(1)
	return true
}

// CompileSync discovers, compiles and installs rip on the calling goroutine,
// bypassing the queue and the workers.
func (s *Service[C]) CompileSync(ctx context.Context, rip uint64) (jit.CompiledBlockHandle, error) {
	j, err := s.prepare(rip)
	if err != nil {
		s.rt.AbandonRequest(rip)
		return jit.CompiledBlockHandle{}, err
	}
	r := s.compile(ctx, j)
	if r.err != nil {
		s.rt.AbandonRequest(rip)
		return jit.CompiledBlockHandle{}, r.err
	}
	idx := s.table.Alloc(rip, r.fn)
	h := jit.CompiledBlockHandle{EntryRIP: rip, TableIndex: idx, Meta: j.meta}
	if _, err := s.rt.InstallHandle(h); err != nil {
		s.table.Free(idx)
		s.stats.rejected.Add(1)
		return jit.CompiledBlockHandle{}, err
	}
	s.stats.installed.Add(1)
	return h, nil
}

// Settle installs results as they arrive until every queued job has been
// resolved. The workers must be running. It returns the number of blocks
// installed.
func (s *Service[C]) Settle(ctx context.Context) (int, error) {
	installed := 0
	for s.Inflight() > 0 {
		select {
		case r := <-s.results:
			s.stats.inflight.Add(-1)
			if s.install(r) {
				installed++
			}
		case <-ctx.Done():
			return installed, ctx.Err()
		}
	}
	return installed, nil
}

// Inflight returns the number of jobs queued or compiled but not yet drained.
func (s *Service[C]) Inflight() int { return int(s.stats.inflight.Load()) }

func (s *Service[C]) DecodeCache() *DecodeCache { return s.decoded }

func (s *Service[C]) Stats() Stats {
	return Stats{
		Dispatched:     s.stats.dispatched.Load(),
		DiscoverFailed: s.stats.discoverFailed.Load(),
		Oversize:       s.stats.oversize.Load(),
		QueueFull:      s.stats.queueFull.Load(),
		Compiled:       s.stats.compiled.Load(),
		CompileFailed:  s.stats.compileFailed.Load(),
		Installed:      s.stats.installed.Load(),
		Rejected:       s.stats.rejected.Load(),
	}
}

// Restore imports a saved runtime state. Table indices in st belong to the
// process that saved it, so every saved block is recompiled from the current
// guest bytes first; blocks whose span no longer matches are dropped. The
// runtime then validates the rebound handles against the saved page versions.
func (s *Service[C]) Restore(ctx context.Context, st jit.State) (restored, dropped int) {
	blocks := make([]jit.CompiledBlockHandle, 0, len(st.Blocks))
	for _, saved := range st.Blocks {
		b, err := s.decoded.Discover(s.src, saved.EntryRIP)
		if err != nil || b.Paddr != saved.Meta.CodePaddr || b.ByteLen() != saved.Meta.ByteLen {
			log.Debug(log.StoreMonitoring, "saved block no longer matches guest code", "rip", saved.EntryRIP, "err", err)
			dropped++
			continue
		}
		r := s.compile(ctx, job{block: b, meta: saved.Meta})
		if r.err != nil {
			dropped++
			continue
		}
		h := saved.Clone()
		h.TableIndex = s.table.Alloc(saved.EntryRIP, r.fn)
		blocks = append(blocks, h)
	}
	st.Blocks = blocks

	n, stale := s.rt.ImportState(st)
	for _, h := range blocks {
		if !s.rt.IsCompiled(h.EntryRIP) {
			s.table.Free(h.TableIndex)
		}
	}
	return n, dropped + stale
}
