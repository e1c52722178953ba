// Package prompt post-processes the prompt of each fan-out sub-call before
// dispatch (expansion, translation, per-slot variation).
package prompt

import "context"

// Processor rewrites prompt for sub-call index of total. Implementations
// must be stateless: the same inputs must yield an equivalent prompt.
type Processor interface {
	Process(ctx context.Context, prompt string, index, total int) (string, error)
}

// Func adapts a function to Processor.
type Func func(ctx context.Context, prompt string, index, total int) (string, error)

func (f Func) Process(ctx context.Context, prompt string, index, total int) (string, error) {
	return f(ctx, prompt, index, total)
}
