package relationships

import "errors"

var (
	// ErrUnknownInitializer is returned when a mapping names an initializer kind that is not bound
	ErrUnknownInitializer = errors.New("unknown initializer")

	// ErrNotInitialized is returned when a batch left an object or collection unloaded
	ErrNotInitialized = errors.New("batch did not initialize object")
)
