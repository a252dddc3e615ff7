package config

import "fmt"

// ConfigError reports a malformed or missing artifact. It is fatal at load
// time: a workspace that fails to load is never used.
type ConfigError struct {
	File    string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config error in %s: %s: %v", e.File, e.Message, e.Err)
	}
	return fmt.Sprintf("config error in %s: %s", e.File, e.Message)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func NewConfigError(file, message string, err error) *ConfigError {
	return &ConfigError{File: file, Message: message, Err: err}
}
