package tmdb

import (
	"errors"
	"fmt"
)

// Kind classifies a provider failure.
type Kind string

const (
	KindRateLimited  Kind = "rate_limited"
	KindNotFound     Kind = "not_found"
	KindUnauthorized Kind = "unauthorized"
	KindTransient    Kind = "transient"
	KindDecode       Kind = "decode"
)

// ProviderError wraps a catalog provider failure with its classification.
type ProviderError struct {
	Kind     Kind
	Endpoint string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("tmdb %s: %s: %v", e.Endpoint, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a ProviderError of the given kind.
func IsKind(err error, kind Kind) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == kind
}

// IsNotFound reports whether the provider had no match.
func IsNotFound(err error) bool {
	return IsKind(err, KindNotFound)
}
