package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// AnyTag skips the tag comparison for an existing key.
const AnyTag = "*"

var (
	// ErrConflict matches every [*ConflictError].
	ErrConflict = errors.New("storage: etag conflict")
	// ErrUnavailable wraps backend failures.
	ErrUnavailable = errors.New("storage: backend unavailable")
	// ErrInvalidKey is returned for empty keys.
	ErrInvalidKey = errors.New("storage: invalid key")
)

// ConflictError reports that a supplied tag did not match the stored one.
// The whole batch containing Key was rejected.
type ConflictError struct {
	Key      string
	Expected string
	Current  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("storage: etag conflict on key %q", e.Key)
}

// Is reports whether target is [ErrConflict].
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// IsConflict reports whether err signals an optimistic concurrency conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// Item is an opaque payload plus its concurrency tag.
//
// On Read, ETag holds the tag currently stored. On Write, ETag is the tag the
// caller expects to replace; empty or [AnyTag] overwrites unconditionally.
type Item struct {
	Value []byte
	ETag  string
}

// Store is the durable key-value contract.
//
// Read omits absent keys from the result. Write is all-or-nothing: if any
// supplied tag mismatches, nothing is written and a [*ConflictError] is
// returned. Delete is idempotent.
type Store interface {
	Read(ctx context.Context, keys []string) (map[string]Item, error)
	Write(ctx context.Context, changes map[string]Item) error
	Delete(ctx context.Context, keys []string) error
}

func newTag() string {
	return uuid.NewString()
}

// tagMatches applies the write rules for one key. Absent keys always accept
// the write; present keys require an empty, wildcard, or equal tag.
func tagMatches(supplied string, current string, exists bool) bool {
	if !exists {
		return true
	}
	if supplied == "" || supplied == AnyTag {
		return true
	}
	return supplied == current
}

func validateKeys(keys []string) error {
	for _, k := range keys {
		if k == "" {
			return ErrInvalidKey
		}
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
