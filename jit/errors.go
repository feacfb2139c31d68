package jit

import "errors"

// Install outcomes. None of these are fatal; the handle is simply not cached
// and the compile request for its RIP is cleared so it can be re-triggered.
var (
	ErrStaleInstall  = errors.New("jit: guest code changed since compilation")
	ErrSpanTooLarge  = errors.New("jit: code span exceeds code_version_max_pages")
	ErrBlockTooLarge = errors.New("jit: block exceeds cache_max_bytes")
	ErrDisabled      = errors.New("jit: runtime disabled")
)
