// Package fault defines the error taxonomy shared by the observer's components.
//
// Every error carries a Kind; callers branch with errors.Is against the
// sentinel values below instead of inspecting messages.
package fault

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation is a malformed request or out-of-range value. Never retried.
	KindValidation
	// KindConfiguration is missing required configuration. Fatal for the invocation.
	KindConfiguration
	// KindDependency is a transport failure talking to an external collaborator.
	KindDependency
	// KindAuth is a rejected credential exchange. It is also a dependency failure.
	KindAuth
	// KindStorage is a marker store failure. It is also a dependency failure.
	KindStorage
	// KindNoData means the imagery provider had nothing for the requested window.
	KindNoData
	// KindNotFound is a lookup of a record that does not exist.
	KindNotFound
)

var (
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrDependency    = errors.New("dependency error")
	ErrAuth          = errors.New("auth error")
	ErrStorage       = errors.New("storage error")
	ErrNoData        = errors.New("no data")
	ErrNotFound      = errors.New("not found")
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConfiguration:
		return "configuration"
	case KindDependency:
		return "dependency"
	case KindAuth:
		return "auth"
	case KindStorage:
		return "storage"
	case KindNoData:
		return "no_data"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindConfiguration:
		return ErrConfiguration
	case KindDependency:
		return ErrDependency
	case KindAuth:
		return ErrAuth
	case KindStorage:
		return ErrStorage
	case KindNoData:
		return ErrNoData
	case KindNotFound:
		return ErrNotFound
	default:
		return nil
	}
}

// Error is a classified failure of operation Op.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind. Auth and storage failures
// also match ErrDependency.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if target == e.Kind.sentinel() {
		return true
	}
	return target == ErrDependency && (e.Kind == KindAuth || e.Kind == KindStorage)
}

func newErr(k Kind, op string, err error) error {
	if err == nil {
		err = k.sentinel()
	}
	return &Error{Kind: k, Op: op, Err: err}
}

func Validation(op string, err error) error    { return newErr(KindValidation, op, err) }
func Configuration(op string, err error) error { return newErr(KindConfiguration, op, err) }
func Dependency(op string, err error) error    { return newErr(KindDependency, op, err) }
func Auth(op string, err error) error          { return newErr(KindAuth, op, err) }
func Storage(op string, err error) error       { return newErr(KindStorage, op, err) }
func NoData(op string, err error) error        { return newErr(KindNoData, op, err) }
func NotFound(op string, err error) error      { return newErr(KindNotFound, op, err) }

func Validationf(op, format string, args ...any) error {
	return newErr(KindValidation, op, fmt.Errorf(format, args...))
}

func Configurationf(op, format string, args ...any) error {
	return newErr(KindConfiguration, op, fmt.Errorf(format, args...))
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Retryable reports whether a later attempt on the same input may succeed.
// Validation, configuration, no-data and not-found outcomes are permanent.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindValidation, KindConfiguration, KindNoData, KindNotFound:
		return false
	default:
		return true
	}
}
