package normalizer

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCircularReference is returned when an object is reached again through its own path
	ErrCircularReference = errors.New("circular reference")
	// ErrMaxDepth is returned when the traversal goes deeper than the configured depth
	ErrMaxDepth = errors.New("maximum depth exceeded")

	// ErrIdentityIncomplete is returned when incoming data names part of a composite identity
	ErrIdentityIncomplete = errors.New("identity incomplete")
	// ErrIdentityNull is returned when an identity field of incoming data is null
	ErrIdentityNull = errors.New("identity null")

	// ErrAbstractNotConstructible is returned when denormalization must create an abstract class
	ErrAbstractNotConstructible = errors.New("abstract class cannot be constructed")
	// ErrConstructionParameterUnwritable is returned for a required parameter without a writable value
	ErrConstructionParameterUnwritable = errors.New("construction parameter is not writable")
	// ErrConstructionParameterInvalidArity is returned when a variadic parameter receives a non-sequence
	ErrConstructionParameterInvalidArity = errors.New("variadic construction parameter expects a sequence")
	// ErrUnhandledConstructorParameter is returned for a parameter matching no field
	ErrUnhandledConstructorParameter = errors.New("unhandled constructor parameter")

	// ErrExtraAttributes is returned in strict mode when data holds keys that cannot be written
	ErrExtraAttributes = errors.New("extra attributes are not allowed")
	// ErrUnsupportedValue is returned for values that are neither scalars, sequences nor mapped objects
	ErrUnsupportedValue = errors.New("value cannot be normalized")
	// ErrInvalidData is returned when incoming data does not match the declared type
	ErrInvalidData = errors.New("invalid data")
)

// TraversalError reports a circular reference or an excessive depth with the
// path that led to it
type TraversalError struct {
	Err      error
	MaxDepth int
	Path     string
}

func (e *TraversalError) Error() string {
	if errors.Is(e.Err, ErrMaxDepth) {
		return fmt.Sprintf("Maximum normalization depth (%d) exceeded, while trying to normalize %s", e.MaxDepth, e.Path)
	}
	return fmt.Sprintf("A circular reference has been detected, while trying to normalize %s", e.Path)
}

func (e *TraversalError) Unwrap() error {
	return e.Err
}

// IdentityError reports incoming data that names an identity incorrectly
type IdentityError struct {
	Err   error
	Class string
	Field string
}

func (e *IdentityError) Error() string {
	if errors.Is(e.Err, ErrIdentityNull) {
		return fmt.Sprintf("cannot retrieve instance of %s because identity field %s is null", e.Class, e.Field)
	}
	return fmt.Sprintf("cannot retrieve instance of %s because part of the identity has been specified but %s has been omitted", e.Class, e.Field)
}

func (e *IdentityError) Unwrap() error {
	return e.Err
}

// ConstructionError reports a class that cannot be instantiated from the data
type ConstructionError struct {
	Err     error
	Class   string
	Param   string
	Factory bool
}

func (e *ConstructionError) Error() string {
	target := "constructor"
	if e.Factory {
		target = "factory"
	}
	switch {
	case errors.Is(e.Err, ErrAbstractNotConstructible):
		return fmt.Sprintf("cannot create an instance of %s: class is abstract", e.Class)
	case e.Param != "":
		return fmt.Sprintf("cannot create an instance of %s: %s parameter %s: %v", e.Class, target, e.Param, e.Err)
	default:
		return fmt.Sprintf("cannot create an instance of %s: %v", e.Class, e.Err)
	}
}

func (e *ConstructionError) Unwrap() error {
	return e.Err
}

// ExtraAttributesError lists the keys rejected in strict mode
type ExtraAttributesError struct {
	Class      string
	Attributes []string
}

func (e *ExtraAttributesError) Error() string {
	return fmt.Sprintf("%s: extra attributes are not allowed (%s)", e.Class, strings.Join(e.Attributes, ", "))
}

func (e *ExtraAttributesError) Unwrap() error {
	return ErrExtraAttributes
}
