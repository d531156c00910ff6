package core

import (
	"errors"
	"fmt"
)

// ErrConfig marks errors in the static configuration. They abort startup.
var ErrConfig = errors.New("config error")

// ConfigError names the component and what was wrong with its config
type ConfigError struct {
	Component string
	Msg       string
}

func (e *ConfigError) Error() string {
	return e.Component + ": " + e.Msg
}

func (e *ConfigError) Unwrap() error {
	return ErrConfig
}

// ConfigErrorf builds a ConfigError for component
func ConfigErrorf(component, format string, args ...any) error {
	return &ConfigError{Component: component, Msg: fmt.Sprintf(format, args...)}
}
