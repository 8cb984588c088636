package relay

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the relay, its transports, and its stores.
var (
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrInvalidContent   = errors.New("invalid content")
	ErrNotFound         = errors.New("not found")
	ErrForbidden        = errors.New("forbidden")
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrConnectionClosed is returned when an operation refers to a
	// connection that has already been torn down.
	ErrConnectionClosed = errors.New("connection closed")
)

// Code is the stable, wire-visible name of an error class.
type Code string

// Wire codes reported in operation failures.
const (
	CodeUnauthenticated  Code = "unauthenticated"
	CodeInvalidContent   Code = "invalid_content"
	CodeNotFound         Code = "not_found"
	CodeForbidden        Code = "forbidden"
	CodeStoreUnavailable Code = "store_unavailable"
	CodeInvalidRequest   Code = "invalid_request"
	CodeRateLimited      Code = "rate_limited"
	CodeInternal         Code = "internal"
)

// CodeOf classifies err into a wire code.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrInvalidContent):
		return CodeInvalidContent
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrStoreUnavailable):
		return CodeStoreUnavailable
	default:
		return CodeInternal
	}
}

// storeError keeps ErrNotFound visible and classifies every other store
// failure as ErrStoreUnavailable.
func storeError(op string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}
