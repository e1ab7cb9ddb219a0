package config

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/aluiziolira/go-source-aggregator/models"
)

// ConfigError reports bad input detected before any work starts.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %v", e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Kind implements models.Kinded.
func (e *ConfigError) Kind() string {
	return models.KindConfig
}

// IsConfigError reports whether err carries a ConfigError.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}

func newConfigError(format string, args ...interface{}) error {
	return &ConfigError{Err: errors.Newf(format, args...)}
}

func wrapConfigError(err error, format string, args ...interface{}) error {
	return &ConfigError{Err: errors.Wrapf(err, format, args...)}
}
