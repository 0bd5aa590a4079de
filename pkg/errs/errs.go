// Package errs defines the error kinds raised by the catalog store, tree
// operations, and generator pipeline (spec section 7).
package errs

import "fmt"

// Kind classifies an error the core can raise.
type Kind int

const (
	// KindNotFound is raised for a missing channel, device, image, or pool file.
	KindNotFound Kind = iota
	// KindConflict is raised when creating an entity that already exists.
	KindConflict
	// KindInvalidArgument is raised for malformed caller input.
	KindInvalidArgument
	// KindCorrupt is raised when on-disk state can't be trusted.
	KindCorrupt
	// KindExternal is raised when a subprocess or signer fails.
	KindExternal
	// KindNetwork is raised for download timeouts or I/O errors. Generators
	// return it; Dispatcher.Dispatch swallows it into a "no payload" result.
	KindNetwork
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindConflict:
		return "conflict"
	case KindInvalidArgument:
		return "invalid argument"
	case KindCorrupt:
		return "corrupt"
	case KindExternal:
		return "external"
	case KindNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// Error is a Kind-tagged error, constructed with one of the NewXxx helpers.
type Error struct {
	kind    Kind
	message string
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %s", e.kind, e.message, e.wrapped.Error())
	}
	return fmt.Sprintf("%s: %s", e.kind, e.message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Kind reports the error's classification.
func (e *Error) Kind() Kind { return e.kind }

// Is allows errors.Is(err, errs.NotFound) style checks against a bare Kind
// sentinel produced by newKind below.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.kind == e.kind && other.message == ""
}

func newKind(kind Kind) *Error { return &Error{kind: kind} }

// Sentinels usable with errors.Is(err, errs.NotFound) to test kind only.
var (
	NotFound        = newKind(KindNotFound)
	Conflict        = newKind(KindConflict)
	InvalidArgument = newKind(KindInvalidArgument)
	Corrupt         = newKind(KindCorrupt)
	External        = newKind(KindExternal)
	Network         = newKind(KindNetwork)
)

// NewNotFound builds a NotFound error.
func NewNotFound(format string, a ...any) error {
	return &Error{kind: KindNotFound, message: fmt.Sprintf(format, a...)}
}

// NewConflict builds a Conflict error.
func NewConflict(format string, a ...any) error {
	return &Error{kind: KindConflict, message: fmt.Sprintf(format, a...)}
}

// NewInvalidArgument builds an InvalidArgument error.
func NewInvalidArgument(format string, a ...any) error {
	return &Error{kind: KindInvalidArgument, message: fmt.Sprintf(format, a...)}
}

// NewCorrupt builds a Corrupt error.
func NewCorrupt(format string, a ...any) error {
	return &Error{kind: KindCorrupt, message: fmt.Sprintf(format, a...)}
}

// NewExternal wraps a subprocess/signer failure as an External error.
func NewExternal(message string, wrapped error) error {
	return &Error{kind: KindExternal, message: message, wrapped: wrapped}
}

// NewNetwork wraps a download failure as a Network error.
func NewNetwork(message string, wrapped error) error {
	return &Error{kind: KindNetwork, message: message, wrapped: wrapped}
}

// Has reports whether err is a *Error of the given kind.
func Has(err error, kind Kind) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.kind == kind
}
