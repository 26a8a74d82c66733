package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Load reads and validates the pipeline configuration at path.
func Load(path string) (*Settings, error) {
	return LoadProfile(path, "")
}

// LoadProfile is Load with a named profile overlaid onto the base
// configuration. Profiles live under the top-level profiles key and
// deep-merge over the base; keys a profile sets win even when set to false
// or zero, keys it omits keep the base values.
func LoadProfile(path, profile string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &LoadError{File: path, Err: fmt.Errorf("%w: %v", ErrConfigNotFound, err)}
		}
		return nil, &LoadError{File: path, Err: err}
	}

	settings, err := Parse(data, profile)
	if err != nil {
		return nil, &LoadError{File: path, Err: err}
	}

	slog.Info("Pipeline configuration loaded",
		"path", path,
		"profile", profile,
		"transforms", len(settings.Transforms),
		"gates", len(settings.Gates),
		"aggregations", len(settings.Aggregations),
		"coalesce", len(settings.Coalesce),
		"sinks", len(settings.Sinks))

	return settings, nil
}

// Parse builds Settings from raw YAML. The pipeline: expand environment
// variables, decode to a generic map, overlay the selected profile, decode
// the merged map over DefaultSettings, validate field constraints, then
// cross-field rules.
func Parse(data []byte, profile string) (*Settings, error) {
	expanded := ExpandEnv(data)

	var base map[string]any
	if err := yaml.Unmarshal(expanded, &base); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	if base == nil {
		base = map[string]any{}
	}

	profiles, _ := base["profiles"].(map[string]any)
	delete(base, "profiles")

	if profile != "" {
		raw, ok := profiles[profile]
		if !ok {
			return nil, validationErrorf("profiles", profile, "", "profile not defined")
		}
		overlay, ok := raw.(map[string]any)
		if !ok {
			return nil, validationErrorf("profiles", profile, "", "profile must be a mapping")
		}
		// WithOverwriteWithEmptyValue lets an explicit false or zero in the
		// profile override the base; absent keys are still untouched
		// because map merges only visit keys the overlay has.
		if err := mergo.Merge(&base, overlay, mergo.WithOverwriteWithEmptyValue); err != nil {
			return nil, fmt.Errorf("merging profile %q: %w", profile, err)
		}
	}

	merged, err := yaml.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("re-encoding merged configuration: %w", err)
	}

	settings := DefaultSettings()
	if err := yaml.Unmarshal(merged, settings); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	if err := structValidator.Struct(settings); err != nil {
		return nil, wrapStructError(err)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// wrapStructError converts the first field-constraint failure into a
// ValidationError. Fail fast: one precise message beats a wall of them.
func wrapStructError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}
	first := fieldErrs[0]
	return &ValidationError{
		Component: "settings",
		Field:     first.Namespace(),
		Err:       fmt.Errorf("failed %q constraint: %w", first.Tag(), ErrValidationFailed),
	}
}
