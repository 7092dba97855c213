package store

import (
	"context"
	"fmt"
)

// MaxForwardDepth bounds how many forwarding pointers ResolveForward follows.
const MaxForwardDepth = 16

// ResolveForward returns the active survivor for id, following MergedInto
// pointers. It returns ErrNotFound if the chain dead-ends, loops, or is
// longer than MaxForwardDepth.
func ResolveForward(ctx context.Context, r Reader, id string) (*Entity, error) {
	seen := make(map[string]bool)
	current := id
	for depth := 0; depth <= MaxForwardDepth; depth++ {
		if seen[current] {
			return nil, fmt.Errorf("forwarding cycle at entity %s: %w", current, ErrNotFound)
		}
		seen[current] = true

		e, err := r.GetEntity(ctx, current)
		if err != nil {
			return nil, err
		}
		if e.Active() {
			return e, nil
		}
		if e.MergedInto == nil || *e.MergedInto == "" {
			return nil, fmt.Errorf("merged entity %s has no forwarding pointer: %w", current, ErrNotFound)
		}
		current = *e.MergedInto
	}
	return nil, fmt.Errorf("forwarding chain from %s exceeds depth %d: %w", id, MaxForwardDepth, ErrNotFound)
}
