package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Validation bounds.
const (
	minSessionTTL = 10 * time.Second
	minTimeout    = 1 * time.Second
)

// newValidator reports fields by their TOML names, e.g. "session.cache".
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
		if name == "-" {
			return ""
		}

		return name
	})

	return v
}

// Validate checks all configuration values and returns all errors found,
// so users can fix every issue in one pass.
func Validate(cfg *Config) error {
	var errs []error

	if err := newValidator().Struct(cfg); err != nil {
		errs = append(errs, formatValidationErrors(err)...)
	}

	errs = append(errs, validateDurations(cfg)...)
	errs = append(errs, validateEndpoints(cfg.Endpoints)...)

	return errors.Join(errs...)
}

// ValidateConnection checks that the connection section carries everything
// the configured strategy needs to open a session. Only commands that talk
// to the backend call it.
func ValidateConnection(c *ConnectionConfig) error {
	var errs []error

	if c.BaseURL == "" {
		errs = append(errs, fmt.Errorf("connection.base_url is required (or set %s)", EnvBaseURL))
	}

	switch c.Strategy {
	case StrategyPassword:
		if c.Username == "" {
			errs = append(errs, fmt.Errorf("connection.username is required for the password strategy (or set %s)", EnvUsername))
		}

		if c.Password == "" {
			errs = append(errs, fmt.Errorf("connection.password is required for the password strategy (or set %s)", EnvPassword))
		}
	case StrategyConnectToken:
		if c.UserID == "" {
			errs = append(errs, fmt.Errorf("connection.user_id is required for the connect_token strategy (or set %s)", EnvUserID))
		}

		if c.ConnectToken == "" {
			errs = append(errs, fmt.Errorf("connection.connect_token is required for the connect_token strategy (or set %s)", EnvConnectToken))
		}
	default:
		errs = append(errs, fmt.Errorf("connection.strategy: unknown strategy %q", c.Strategy))
	}

	return errors.Join(errs...)
}

func validateDurations(cfg *Config) []error {
	var errs []error

	check := func(field, value string, minimum time.Duration) {
		d, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", field, value))

			return
		}

		if d < minimum {
			errs = append(errs, fmt.Errorf("%s: must be at least %s, got %s", field, minimum, value))
		}
	}

	check("session.ttl", cfg.Session.TTL, minSessionTTL)
	check("network.timeout", cfg.Network.Timeout, minTimeout)
	check("gateway.shutdown_timeout", cfg.Gateway.ShutdownTimeout, 0)

	return errs
}

func validateEndpoints(m map[string]string) []error {
	var errs []error

	for name, path := range m {
		if strings.Trim(path, "/ ") == "" {
			errs = append(errs, fmt.Errorf("endpoints.%s: path must not be empty", name))
		}
	}

	return errs
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly
// messages.
func formatValidationErrors(err error) []error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return []error{err}
	}

	errs := make([]error, 0, len(validationErrors))
	for _, e := range validationErrors {
		errs = append(errs, errors.New(formatFieldError(e)))
	}

	return errs
}

func formatFieldError(e validator.FieldError) string {
	field := strings.TrimPrefix(e.Namespace(), "Config.")

	switch e.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s, got %q", field, e.Param(), e.Value())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "ip":
		return fmt.Sprintf("%s must be a valid IP address", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
