package config

import (
	"errors"
	"fmt"
)

// Sentinel errors for classifying configuration failures.
var (
	// ErrConfigNotFound indicates the pipeline file does not exist.
	ErrConfigNotFound = errors.New("configuration file not found")

	// ErrInvalidYAML indicates the file exists but cannot be parsed.
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// ErrValidationFailed indicates the YAML parsed but the settings are
	// invalid.
	ErrValidationFailed = errors.New("configuration validation failed")
)

// ValidationError provides context about which component failed validation.
type ValidationError struct {
	Component string // "source", "sink", "transform", "gate", "aggregation", "coalesce", "landscape", ...
	Name      string // component name, empty for singletons
	Field     string // offending field, empty when the whole component is at fault
	Err       error
}

func (e *ValidationError) Error() string {
	switch {
	case e.Name != "" && e.Field != "":
		return fmt.Sprintf("%s %q: field %q: %v", e.Component, e.Name, e.Field, e.Err)
	case e.Name != "":
		return fmt.Sprintf("%s %q: %v", e.Component, e.Name, e.Err)
	case e.Field != "":
		return fmt.Sprintf("%s: field %q: %v", e.Component, e.Field, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Component, e.Err)
	}
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// validationErrorf builds a ValidationError wrapping ErrValidationFailed so
// callers can classify with errors.Is while reading a precise message.
func validationErrorf(component, name, field, format string, args ...any) *ValidationError {
	return &ValidationError{
		Component: component,
		Name:      name,
		Field:     field,
		Err:       fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrValidationFailed),
	}
}

// LoadError provides context about which file failed to load.
type LoadError struct {
	File string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
