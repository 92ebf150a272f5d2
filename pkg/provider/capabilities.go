package provider

import "context"

// Optional provider capability interfaces.
//
// These interfaces are used for feature detection (type assertions). The core
// Provider interface remains intentionally small.

// InPlaceCopier can refresh an object's metadata by copying it onto itself
// with a metadata-replace directive. The object body is untouched; the
// rewritten metadata is what a lifecycle rule keys on to begin tiering.
//
// The operation must be idempotent: restamping a key that was already
// restamped (or already archived) is not an error. Implementations report
// an already-archived source via ErrObjectArchived so callers can classify
// the key as needing no further work.
type InPlaceCopier interface {
	CopyInPlace(ctx context.Context, key string) error
}
