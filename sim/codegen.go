package sim

import (
	"context"

	"github.com/colorfulnotion/tierjit/jit"
	"github.com/colorfulnotion/tierjit/jit/compiler"
)

// ClosureCodegen compiles a block into a chain of pre-decoded closures. It
// stands in for a native code generator: operands are resolved once at
// compile time instead of on every execution.
type ClosureCodegen struct{}

var _ compiler.Codegen[*CPU] = ClosureCodegen{}

func (ClosureCodegen) Compile(ctx context.Context, b *compiler.Block) (compiler.NativeBlock[*CPU], error) {
	ops := make([]op, 0, len(b.Insts))
	for _, in := range b.Insts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		o, err := lower(in)
		if err != nil {
			return nil, err
		}
		ops = append(ops, o)
	}
	end := b.EndRIP()
	return func(c *CPU) jit.BlockExit {
		next := end
		for _, o := range ops {
			n, done := o(c)
			c.Retired++
			next = n
			if done {
				break
			}
		}
		return jit.BlockExit{NextRIP: next, Committed: true}
	}, nil
}
