package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied is the only hard failure a retrieval can surface:
	// an explicit non-empty KB set with an empty permitted intersection.
	// It deliberately does not distinguish "not found" from "not permitted".
	ErrPermissionDenied = errors.New("permission denied")

	ErrInvalidInput = errors.New("invalid input")

	// ErrEmbeddingUnavailable marks embedding-provider degradation. It is
	// absorbed by the dispatcher (vector branches are skipped), never
	// propagated to the caller.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	ErrTemporary = errors.New("temporary failure")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
