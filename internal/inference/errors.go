package inference

import (
	"errors"
	"fmt"
)

// ErrUnavailable is returned by Predict when the engine cannot become ready.
// It wraps the underlying load error.
var ErrUnavailable = errors.New("inference engine unavailable")

// ErrClosed is returned once the engine has been closed.
var ErrClosed = errors.New("inference engine closed")

// ResourceLoadError reports a resource that could not be fetched, parsed or
// applied during initialization.
type ResourceLoadError struct {
	Resource string
	Err      error
}

func (e *ResourceLoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.Resource, e.Err)
}

func (e *ResourceLoadError) Unwrap() error { return e.Err }
