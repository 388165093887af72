package youtube

import "fmt"

// ValidationError is a caller mistake: the sender was not started or the input is unusable.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

func errNotStarted() error {
	return &ValidationError{Msg: "sender not started, call Start first"}
}

// NetworkError is a failed exchange with the ingestion endpoint. StatusCode is set when a
// response was received but its body could not be read.
type NetworkError struct {
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("HTTP request failed: %s", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ConfigError is an unusable client configuration file.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("config: %s", e.Err)
	}
	return fmt.Sprintf("config %s: %s", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
