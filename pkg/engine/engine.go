package engine

import (
	"context"
	"errors"
)

// FailureKindCallback is the error kind reported to the engine when an
// outside actor reports failure.
const FailureKindCallback = "CallbackFailure"

var (
	// ErrAlreadyResolved means the execution behind the handle was resumed
	// before. Resolving twice is harmless and callers treat it as success.
	ErrAlreadyResolved = errors.New("execution already resolved")
	// ErrUnknownHandle means the engine does not recognise the handle
	ErrUnknownHandle = errors.New("unknown resumption handle")
)

// Resumer is the engine's resume interface. Both calls must be idempotent
// per handle.
type Resumer interface {
	ResolveSuccess(ctx context.Context, handle string, payload []byte) error
	ResolveFailure(ctx context.Context, handle, errorKind, cause string) error
}
