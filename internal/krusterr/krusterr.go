// Package krusterr defines the error kinds shared across krust's core
// components and the exit-code classification used at the CLI boundary.
package krusterr

import "fmt"

// Kind classifies an Error for the purposes of CLI exit-code mapping
// and for callers that need to decide whether an error is retryable.
type Kind string

const (
	Config         Kind = "config"
	Compile        Kind = "compile"
	LayerBuild     Kind = "layer_build"
	Serialise      Kind = "serialise"
	Auth           Kind = "auth"
	Network        Kind = "network"
	Protocol       Kind = "protocol"
	DigestMismatch Kind = "digest_mismatch"
	Cancelled      Kind = "cancelled"
)

// Error is krust's structured error type. It carries a cause chain
// (Op/Target/Err) in addition to its Kind so that the orchestrator and
// the CLI can report a human-readable message without losing the
// ability to classify the failure programmatically.
type Error struct {
	Kind   Kind
	Op     string // the operation that failed, e.g. "push blob", "parse reference"
	Target string // the reference, URL, or path the operation concerned
	Err    error
}

func New(kind Kind, op, target string, err error) *Error {
	return &Error{Kind: kind, Op: op, Target: target, Err: err}
}

func (e *Error) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Target, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf walks the error chain looking for a *Error and returns its
// Kind, or "" if none is found.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}

// ExitCode maps a Kind to the process exit code described in the
// external CLI contract: 10=config, 20=compile, 30=network, 40=auth,
// 50=protocol, 1=other.
func ExitCode(kind Kind) int {
	switch kind {
	case Config:
		return 10
	case Compile:
		return 20
	case Network:
		return 30
	case Auth:
		return 40
	case Protocol, DigestMismatch:
		return 50
	default:
		return 1
	}
}
