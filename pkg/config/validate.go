package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is shared: validator.Validate caches struct metadata and is
// safe for concurrent use.
var validate = newValidator()

// newValidator returns a validator with the config-specific tags
// registered. It panics if a tag cannot be registered.
func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("indexpair", validIndexPair); err != nil {
		panic(fmt.Sprintf("config: register indexpair validation: %v", err))
	}
	return v
}

func validIndexPair(fl validator.FieldLevel) bool {
	_, err := ParseIndexPair(fl.Field().String())
	return err == nil
}

// Validate checks the configuration and returns every problem found in a
// single error.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("configuration is nil")
	}

	var msgs []string
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validation error: %w", err)
		}
		for _, e := range verrs {
			msgs = append(msgs, formatValidationError(e))
		}
	}

	if t := c.Transactions; t.Timeout > 0 && t.LockWaitTimeout > t.Timeout {
		msgs = append(msgs, fmt.Sprintf(
			"transactions.lock_wait_timeout must not exceed transactions.timeout (got: %s > %s)",
			t.LockWaitTimeout, t.Timeout))
	}
	if _, err := c.Runtime.MemoryLimitBytes(); err != nil {
		msgs = append(msgs, fmt.Sprintf("runtime.memory_limit must be a size like 512MiB or 2GB (got: %s)", c.Runtime.MemoryLimit))
	}

	if len(msgs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
	}
	return nil
}

// formatValidationError formats a single validation error with field path and details.
func formatValidationError(e validator.FieldError) string {
	fieldPath := formatFieldPath(e.Namespace())

	switch e.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", fieldPath)
	case "gte":
		return fmt.Sprintf("%s must be at least %s (got: %v)", fieldPath, e.Param(), e.Value())
	case "lte":
		return fmt.Sprintf("%s must be at most %s (got: %v)", fieldPath, e.Param(), e.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s] (got: %v)", fieldPath, e.Param(), e.Value())
	case "indexpair":
		return fmt.Sprintf("%s must be of the form Label.property (got: %v)", fieldPath, e.Value())
	default:
		return fmt.Sprintf("%s failed validation '%s' (got: %v)", fieldPath, e.Tag(), e.Value())
	}
}

// formatFieldPath converts validator namespace to a more readable field path.
// Example: "Config.Cache.NodeCapacity" -> "cache.node_capacity"
func formatFieldPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) <= 1 {
		return namespace
	}

	result := make([]string, 0, len(parts)-1)
	for i := 1; i < len(parts); i++ {
		result = append(result, camelToSnake(parts[i]))
	}

	return strings.Join(result, ".")
}

// camelToSnake converts CamelCase to snake_case.
func camelToSnake(s string) string {
	var result strings.Builder
	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			result.WriteRune('_')
		}
		result.WriteRune(r)
	}
	return strings.ToLower(result.String())
}
