package compiler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/arch/x86/x86asm"

	"github.com/colorfulnotion/tierjit/jit"
	"github.com/colorfulnotion/tierjit/memory"
)

type fixture struct {
	ram   *memory.RAM
	rt    *jit.Runtime[*counterCPU]
	queue *jit.CompileQueue
	table *Table[*counterCPU]
	svc   *Service[*counterCPU]
}

func successorCodegen() CodegenFunc[*counterCPU] {
	return func(ctx context.Context, b *Block) (NativeBlock[*counterCPU], error) {
		next := b.EndRIP()
		if len(b.Successors) > 0 {
			next = b.Successors[0]
		}
		return jumpTo(next), nil
	}
}

func newFixture(t *testing.T, cfg Config, cg Codegen[*counterCPU], mutate func(*jit.Config)) *fixture {
	t.Helper()
	f := &fixture{
		ram:   memory.NewRAM(testRAMSize),
		queue: jit.NewCompileQueue(),
		table: NewTable[*counterCPU](),
	}
	jc := jit.DefaultConfig()
	jc.HotThreshold = 1
	if mutate != nil {
		mutate(&jc)
	}
	f.rt = jit.NewRuntime[*counterCPU](jc, f.table, f.queue)
	f.ram.SetWriteHook(func(paddr uint64, n int) { f.rt.OnGuestWrite(paddr, n) })

	svc, err := NewService(cfg, f.rt, f.queue, f.ram, f.table, cg)
	require.NoError(t, err)
	f.svc = svc
	return f
}

// load writes a jump block at each rip; each block jumps to rip+0x100.
func (f *fixture) load(t *testing.T, rips ...uint64) {
	t.Helper()
	for _, rip := range rips {
		e := NewEmitter(rip)
		e.Nop().Jmp(rip + 0x100)
		require.NoError(t, f.ram.Write(rip, e.Bytes()))
	}
}

// start runs the workers until the test ends.
func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("workers did not stop")
		}
	})
}

// settle waits for every dispatched job to be installed or rejected.
func (f *fixture) settle(t *testing.T) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	installed, err := f.svc.Settle(ctx)
	require.NoError(t, err, "compile jobs did not finish")
	return installed
}

func TestService_EndToEnd(t *testing.T) {
	f := newFixture(t, DefaultConfig(), successorCodegen(), nil)
	f.load(t, 0x1000, 0x2000)
	f.start(t)

	for _, rip := range []uint64{0x1000, 0x2000} {
		_, ok := f.rt.PrepareBlock(rip)
		require.False(t, ok)
	}
	assert.Equal(t, 2, f.svc.Dispatch())
	assert.Equal(t, 2, f.settle(t))

	h, ok := f.rt.PrepareBlock(0x1000)
	require.True(t, ok)
	assert.Equal(t, uint32(2), h.Meta.InstructionCount)
	assert.Equal(t, uint32(6), h.Meta.ByteLen)
	exit := f.rt.Execute(h, &counterCPU{})
	assert.Equal(t, uint64(0x1100), exit.NextRIP)

	assert.Equal(t, 2, f.table.Live())
	st := f.svc.Stats()
	assert.Equal(t, uint64(2), st.Dispatched)
	assert.Equal(t, uint64(2), st.Compiled)
	assert.Equal(t, uint64(2), st.Installed)
}

func TestService_StaleInstallRejected(t *testing.T) {
	f := newFixture(t, DefaultConfig(), successorCodegen(), nil)
	f.load(t, 0x1000)

	f.rt.PrepareBlock(0x1000)
	require.Equal(t, 1, f.svc.Dispatch())

	// The guest rewrites its code while the job waits for a worker.
	e := NewEmitter(0x1000)
	e.Nop().Jmp(0x3000)
	require.NoError(t, f.ram.Write(0x1000, e.Bytes()))

	f.start(t)
	assert.Equal(t, 0, f.settle(t))
	assert.False(t, f.rt.IsCompiled(0x1000))
	assert.Equal(t, 0, f.table.Live())
	assert.Equal(t, uint64(1), f.svc.Stats().Rejected)

	// The request was resolved, so the next miss asks again and the fresh
	// bytes are compiled.
	f.rt.PrepareBlock(0x1000)
	require.Equal(t, 1, f.queue.Len())
	require.Equal(t, 1, f.svc.Dispatch())
	assert.Equal(t, 1, f.settle(t))

	h, ok := f.rt.PrepareBlock(0x1000)
	require.True(t, ok)
	assert.Equal(t, uint64(0x3000), f.rt.Execute(h, &counterCPU{}).NextRIP)
	assert.Equal(t, uint64(1), f.svc.DecodeCache().Stats().Stale)
}

func TestService_QueueFullAbandons(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueDepth = 1
	f := newFixture(t, cfg, successorCodegen(), nil)
	f.load(t, 0x1000, 0x2000)

	f.rt.PrepareBlock(0x1000)
	f.rt.PrepareBlock(0x2000)
	assert.Equal(t, 1, f.svc.Dispatch())
	assert.Equal(t, uint64(1), f.svc.Stats().QueueFull)

	f.rt.PrepareBlock(0x2000)
	assert.Equal(t, 1, f.queue.Len())
}

func TestService_CompileFailures(t *testing.T) {
	cg := CodegenFunc[*counterCPU](func(ctx context.Context, b *Block) (NativeBlock[*counterCPU], error) {
		switch b.EntryRIP {
		case 0x1000:
			return nil, errors.New("unsupported")
		case 0x2000:
			panic("boom")
		}
		return nil, nil
	})
	f := newFixture(t, DefaultConfig(), cg, nil)
	f.load(t, 0x1000, 0x2000, 0x3000)
	f.start(t)

	for _, rip := range []uint64{0x1000, 0x2000, 0x3000} {
		f.rt.PrepareBlock(rip)
	}
	require.Equal(t, 3, f.svc.Dispatch())
	assert.Equal(t, 0, f.settle(t))
	assert.Equal(t, uint64(3), f.svc.Stats().CompileFailed)
	assert.Equal(t, 0, f.table.Live())

	f.rt.PrepareBlock(0x2000)
	assert.Equal(t, 1, f.queue.Len())
}

func TestService_DispatchDropsUnusableBlocks(t *testing.T) {
	f := newFixture(t, DefaultConfig(), successorCodegen(), func(c *jit.Config) {
		c.CacheMaxBytes = 4
	})
	f.load(t, 0x1000)
	require.NoError(t, f.ram.Write(0x2000, []byte{0xFF, 0xFF}))

	f.rt.PrepareBlock(0x1000)
	f.rt.PrepareBlock(0x2000)
	assert.Equal(t, 0, f.svc.Dispatch())
	st := f.svc.Stats()
	assert.Equal(t, uint64(1), st.Oversize)
	assert.Equal(t, uint64(1), st.DiscoverFailed)
}

func TestService_CompileSync(t *testing.T) {
	f := newFixture(t, DefaultConfig(), successorCodegen(), func(c *jit.Config) {
		c.CacheMaxBlocks = 1
	})
	f.load(t, 0x1000, 0x2000)

	h, err := f.svc.CompileSync(context.Background(), 0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000), h.EntryRIP)

	// Already compiled: a stray request is dropped without a job.
	f.queue.RequestCompile(0x1000)
	assert.Equal(t, 0, f.svc.Dispatch())

	_, err = f.svc.CompileSync(context.Background(), 0x2000)
	require.NoError(t, err)
	assert.False(t, f.rt.IsCompiled(0x1000))
	assert.Equal(t, 1, f.table.Live())
}

func TestService_InhibitInterruptsHint(t *testing.T) {
	f := newFixture(t, Config{Limits: Limits{MaxInstructions: 2}}, successorCodegen(), nil)
	e := NewEmitter(0x1000)
	e.Nop().Sti().Nop().Ret()
	require.NoError(t, f.ram.Write(0x1000, e.Bytes()))

	h, err := f.svc.CompileSync(context.Background(), 0x1000)
	require.NoError(t, err)
	assert.True(t, h.Meta.InhibitInterruptsAfterBlock)
	assert.Equal(t, uint32(2), h.Meta.InstructionCount)
}

func TestService_TracesCompiles(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	cg := CodegenFunc[*counterCPU](func(ctx context.Context, b *Block) (NativeBlock[*counterCPU], error) {
		if b.Insts[0].Inst.Op == x86asm.HLT {
			return nil, errors.New("hlt")
		}
		return jumpTo(b.EndRIP()), nil
	})
	f := newFixture(t, DefaultConfig(), cg, nil)
	f.svc.WithTracerProvider(tp)
	f.load(t, 0x1000)
	require.NoError(t, f.ram.Write(0x2000, []byte{0xF4}))

	_, err := f.svc.CompileSync(context.Background(), 0x1000)
	require.NoError(t, err)
	_, err = f.svc.CompileSync(context.Background(), 0x2000)
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "jit.compile", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("rip", "0x1000"))
	assert.Contains(t, spans[0].Attributes(), attribute.Int("instructions", 2))
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Contains(t, spans[1].Attributes(), attribute.String("term", "trap"))
}

func TestService_Restore(t *testing.T) {
	src := newFixture(t, DefaultConfig(), successorCodegen(), nil)
	src.load(t, 0x1000, 0x2000)
	for _, rip := range []uint64{0x1000, 0x2000} {
		_, err := src.svc.CompileSync(context.Background(), rip)
		require.NoError(t, err)
	}
	st := src.rt.ExportState()
	require.Len(t, st.Blocks, 2)

	dst := newFixture(t, DefaultConfig(), successorCodegen(), nil)
	dst.load(t, 0x1000)
	e := NewEmitter(0x2000)
	e.Nop().Nop().Jmp(0x2400)
	require.NoError(t, dst.ram.Write(0x2000, e.Bytes()))
	// Occupy slot 0 so restored indices differ from the saved ones.
	dst.table.Alloc(0xdead, jumpTo(0))

	restored, dropped := dst.svc.Restore(context.Background(), st)
	assert.Equal(t, 1, restored)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 2, dst.table.Live())
	assert.False(t, dst.rt.IsCompiled(0x2000))

	h, ok := dst.rt.PrepareBlock(0x1000)
	require.True(t, ok)
	assert.Equal(t, uint32(1), h.TableIndex)
	assert.Equal(t, uint64(0x1100), dst.rt.Execute(h, &counterCPU{}).NextRIP)
}
