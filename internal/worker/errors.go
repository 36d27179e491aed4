package worker

import (
	"errors"
	"fmt"
)

// FailureKind classifies a Failure.
type FailureKind string

const (
	// KindResourceUnavailable means a manifest resource could not be fetched
	// during install.
	KindResourceUnavailable FailureKind = "resource-unavailable"
	// KindNetworkUnavailable means a live fetch failed and no fallback applied.
	KindNetworkUnavailable FailureKind = "network-unavailable"
	// KindStorageFailure means the persistent store rejected a read or write.
	KindStorageFailure FailureKind = "storage-failure"
)

// Failure is a typed error produced by the cache lifecycle.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

func failf(kind FailureKind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the FailureKind carried by err, or "" when err is not a Failure.
func KindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}
