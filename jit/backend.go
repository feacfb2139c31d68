package jit

// BlockExit is the outcome of running one translation.
type BlockExit struct {
	NextRIP uint64
	// ExitToInterpreter asks the caller to run the next block in the
	// interpreter, e.g. for an instruction the translation does not handle.
	ExitToInterpreter bool
	// Committed is false when the translation rolled back its side effects.
	Committed bool
}

// Backend runs installed translations by table index. The index is the only
// thing the runtime knows about native code.
type Backend[C any] interface {
	Execute(tableIndex uint32, cpu C) BlockExit
}

// CompileRequestSink accepts fire-and-forget compile requests. The runtime
// guarantees at most one outstanding request per RIP; sinks need not dedupe.
type CompileRequestSink interface {
	RequestCompile(entryRIP uint64)
}

// CompileRequestFunc adapts a function to CompileRequestSink.
type CompileRequestFunc func(entryRIP uint64)

func (f CompileRequestFunc) RequestCompile(entryRIP uint64) { f(entryRIP) }
