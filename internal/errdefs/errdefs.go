// Package errdefs holds the runtime's error kinds. Every failure surfaced by a
// session wraps exactly one of the sentinels below so callers can branch with errors.Is.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig marks a model configuration or artifact mismatch detected at Init.
	ErrConfig = errors.New("config_error")
	// ErrExecutor marks a tensor executor load or run failure.
	ErrExecutor = errors.New("executor_error")
	// ErrTokenizer marks a tokenizer load, encode or decode failure.
	ErrTokenizer = errors.New("tokenizer_error")
	// ErrBusy is returned when a second Run is started on a session that is already running.
	ErrBusy = errors.New("session_busy")
)

type configError struct {
	msg string
	err error
}

func (e configError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e configError) Unwrap() []error {
	if e.err != nil {
		return []error{ErrConfig, e.err}
	}
	return []error{ErrConfig}
}

// Config builds a configuration error. cause may be nil.
func Config(cause error, format string, args ...any) error {
	return configError{msg: fmt.Sprintf(format, args...), err: cause}
}

// ExecutorError reports which layer and phase failed.
type ExecutorError struct {
	Layer int // -1 for the post processor or an encoder stage
	Stage string
	Err   error
}

func (e *ExecutorError) Error() string {
	if e.Layer >= 0 {
		return fmt.Sprintf("executor: layer %d %s: %v", e.Layer, e.Stage, e.Err)
	}
	return fmt.Sprintf("executor: %s: %v", e.Stage, e.Err)
}

func (e *ExecutorError) Unwrap() []error { return []error{ErrExecutor, e.Err} }

// Executor wraps err as an executor failure of layer at stage.
func Executor(layer int, stage string, err error) error {
	if err == nil {
		return nil
	}
	return &ExecutorError{Layer: layer, Stage: stage, Err: err}
}

type tokenizerError struct {
	op  string
	err error
}

func (e tokenizerError) Error() string { return "tokenizer " + e.op + ": " + e.err.Error() }

func (e tokenizerError) Unwrap() []error { return []error{ErrTokenizer, e.err} }

// Tokenizer wraps err as a tokenizer failure during op ("load", "encode", "decode").
func Tokenizer(op string, err error) error {
	if err == nil {
		return nil
	}
	return tokenizerError{op: op, err: err}
}
