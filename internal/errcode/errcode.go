// Package errcode implements sps2's stable error taxonomy (spec §7).
//
// Every fatal error surfaced to a caller carries one of a fixed set of
// kinds and a stable wire code (PM01xx resolver, PM02xx fetch/index,
// PM03xx install, PM04xx build, PM05xx state/db, PM06xx platform,
// PM07xx guard, PM99xx unknown), following the single-closed-enum
// approach of distribution/distribution's errcode package and
// storj.io/drpc's zeebo/errs: one declared value per kind, wrapped with
// stdlib errors so Is/As keep working, never an ad hoc string.
package errcode

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error kinds from spec §7.
type Kind string

const (
	NotFound               Kind = "NotFound"
	InvalidInput           Kind = "InvalidInput"
	VersionConstraint      Kind = "VersionConstraint"
	ResolveConflict        Kind = "ResolveConflict"
	ResolveTimeout         Kind = "ResolveTimeout"
	NetworkTransient       Kind = "NetworkTransient"
	NetworkPermanent       Kind = "NetworkPermanent"
	HashMismatch           Kind = "HashMismatch"
	FormatInvalid          Kind = "FormatInvalid"
	ExpandedSizeExceeded   Kind = "ExpandedSizeExceeded"
	FilesystemError        Kind = "FilesystemError"
	SameFilesystemRequired Kind = "SameFilesystemRequired"
	DatabaseError          Kind = "DatabaseError"
	SwapFailure            Kind = "SwapFailure"
	StateActiveMissing     Kind = "StateActiveMissing"
	GuardDiscrepancy       Kind = "GuardDiscrepancy"
	GuardHealingFailed     Kind = "GuardHealingFailed"
	StoreObjectMissing     Kind = "StoreObjectMissing"
	RefcountUnderflow      Kind = "RefcountUnderflow"
	Cancelled              Kind = "Cancelled"
	Timeout                Kind = "Timeout"
)

// wireCode maps each kind to its stable PMxxxx code prefix family.
var wireCode = map[Kind]string{
	NotFound:               "PM0101",
	InvalidInput:           "PM0102",
	VersionConstraint:      "PM0103",
	ResolveConflict:        "PM0104",
	ResolveTimeout:         "PM0105",
	NetworkTransient:       "PM0201",
	NetworkPermanent:       "PM0202",
	HashMismatch:           "PM0301",
	FormatInvalid:          "PM0302",
	ExpandedSizeExceeded:   "PM0303",
	FilesystemError:        "PM0601",
	SameFilesystemRequired: "PM0602",
	DatabaseError:          "PM0501",
	SwapFailure:            "PM0502",
	StateActiveMissing:     "PM0503",
	GuardDiscrepancy:       "PM0701",
	GuardHealingFailed:     "PM0702",
	StoreObjectMissing:     "PM0504",
	RefcountUnderflow:      "PM0505",
	Cancelled:              "PM9901",
	Timeout:                "PM9902",
}

// retryableKinds is the set of kinds whose Error.Retryable defaults true.
var retryableKinds = map[Kind]bool{
	NetworkTransient: true,
}

// Error is a stable, user-facing fatal error: a kind, wire code,
// one-line message, optional hint, and retryable flag.
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Hint      string
	Retryable bool
	cause     error
}

func (e *Error) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is(err, errcode.New(SomeKind, "")) match on Kind alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New creates an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:      kind,
		Code:      wireCode[kind],
		Message:   message,
		Retryable: retryableKinds[kind],
	}
}

// Wrap creates an Error of the given kind, chaining cause via Unwrap.
func Wrap(kind Kind, cause error, message string) *Error {
	e := New(kind, message)
	e.cause = cause
	return e
}

// WithHint attaches a hint and returns e for chaining.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// WithRetryable overrides the default retryable flag and returns e.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// ConflictCore is the structured payload of a ResolveConflict error: the
// minimal set of mutually-incompatible specs/candidates, serialized so
// tooling can render them as a list (spec §7).
type ConflictCore struct {
	Members []string
}

// NewConflict builds a ResolveConflict Error carrying its minimal core.
func NewConflict(core ConflictCore) *Error {
	e := New(ResolveConflict, fmt.Sprintf("conflicting requirements: %v", core.Members))
	e.Hint = "no version selection satisfies all of: " + fmt.Sprint(core.Members)
	return e
}
