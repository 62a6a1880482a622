package market

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindNetwork ErrorKind = "network"
	KindHTTP    ErrorKind = "http"
	KindDecode  ErrorKind = "decode"
)

// ProviderError is returned for every failed provider call. A failed call
// yields no snapshot at all.
type ProviderError struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	switch e.Kind {
	case KindHTTP:
		return fmt.Sprintf("%s: http status %d: %v", e.Provider, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("%s: %s error: %v", e.Provider, e.Kind, e.Err)
	}
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ErrorKindOf reports the kind of a wrapped *ProviderError, or "" when err is
// not one.
func ErrorKindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
