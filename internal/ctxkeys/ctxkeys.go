// Package ctxkeys holds the context keys used to propagate handoff chain
// identity through a call tree.
package ctxkeys

import "context"

// contextKey is the key type for values stored in a context.
type contextKey string

const (
	chainIDKey      contextKey = "handoff_chain_id"
	handoffDepthKey contextKey = "handoff_depth"
)

// WithChainID sets the handoff chain ID.
func WithChainID(ctx context.Context, chainID string) context.Context {
	return context.WithValue(ctx, chainIDKey, chainID)
}

// ChainID returns the handoff chain ID.
func ChainID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(chainIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithHandoffDepth sets the current handoff depth for the chain.
func WithHandoffDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, handoffDepthKey, depth)
}

// HandoffDepth returns the current handoff depth, 0 when unset.
func HandoffDepth(ctx context.Context) int {
	v, ok := ctx.Value(handoffDepthKey).(int)
	if !ok {
		return 0
	}
	return v
}
