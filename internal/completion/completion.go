// Package completion abstracts the text-completion capability every agent
// tool is built on. Implementations are treated as unreliable: slow calls and
// malformed output are the caller's problem to degrade around, not this
// package's to hide.
package completion

import "context"

type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Func adapts a plain function into a Client. Used by tests to script
// deterministic completions.
type Func func(ctx context.Context, prompt string) (string, error)

func (f Func) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}
