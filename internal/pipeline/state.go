package pipeline

import "context"

// CursorStore persists the highest converted offense id.
type CursorStore interface {
	LoadCursor(ctx context.Context) (int64, error)
	SaveCursor(ctx context.Context, cursor int64) error
}

// RunGuard keeps two sync runs from overlapping. Acquire reports false when
// another run holds the guard. The guard is a lease: Refresh extends it and
// reports false once it has been taken over.
type RunGuard interface {
	Acquire(ctx context.Context) (bool, error)
	Refresh(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}
