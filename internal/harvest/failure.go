package harvest

import (
	"errors"
	"fmt"
)

// FailureKind distinguishes remote/configuration mismatches, which stay
// eligible for scheduled retry, from everything else.
type FailureKind int

const (
	// KindOAI covers remote protocol and configuration mismatches
	// (unsupported format, unknown set, unreachable server).
	KindOAI FailureKind = iota
	// KindUnknown covers unexpected errors, interruption and timeout.
	KindUnknown
)

// Failure is a cycle-level harvest failure. It propagates by return value
// through the cycle instead of panics or sentinel status codes; the kind
// decides the terminal unit status.
type Failure struct {
	Kind    FailureKind
	Message string
	Err     error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Message, f.Err)
	}
	return f.Message
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func oaiFailure(err error, format string, args ...any) *Failure {
	return &Failure{Kind: KindOAI, Message: fmt.Sprintf(format, args...), Err: err}
}

func unknownFailure(err error, format string, args ...any) *Failure {
	return &Failure{Kind: KindUnknown, Message: fmt.Sprintf(format, args...), Err: err}
}

// ErrHandleCollision marks an attempt to re-assign an existing handle to an
// incoming harvested item. Deliberately fatal to the whole cycle: it is not
// caught at the per-record boundary.
var ErrHandleCollision = errors.New("handle collision")
