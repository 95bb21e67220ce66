package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/samcharles93/tessera/internal/errdefs"
	"github.com/samcharles93/tessera/internal/tokenizer"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// classify maps a Run failure to an HTTP status and error type.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, errdefs.ErrBusy):
		return http.StatusConflict, "busy_error"
	case errors.Is(err, errdefs.ErrConfig):
		return http.StatusBadRequest, "config_error"
	case errors.Is(err, tokenizer.ErrRemote):
		return http.StatusBadGateway, "tokenizer_error"
	case errors.Is(err, errdefs.ErrTokenizer):
		return http.StatusBadRequest, "tokenizer_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, "cancelled"
	case errors.Is(err, errdefs.ErrExecutor):
		return http.StatusInternalServerError, "executor_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}
