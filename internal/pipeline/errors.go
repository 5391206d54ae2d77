package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingConfig marks a required setting (URL, model, key) that was not provided.
	ErrMissingConfig = errors.New("missing configuration")
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("pipeline already started")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("pipeline closed")
)

// ComponentError attributes a construction or runtime failure to one pipeline stage.
type ComponentError struct {
	Component string
	Err       error
}

func (e *ComponentError) Error() string {
	return fmt.Sprintf("%s: %v", e.Component, e.Err)
}

func (e *ComponentError) Unwrap() error { return e.Err }
