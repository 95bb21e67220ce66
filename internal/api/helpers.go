package api

import (
	"bytes"
	"encoding/base64"
	"image"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/tessera/internal/vision"
)

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg)
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg)
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{
		"error": ErrorBody{
			Message: msg,
			Type:    errType,
		},
	})
}

func writeFailure(c *echo.Context, err error) error {
	status, errType := classify(err)
	return writeError(c, status, errType, err.Error())
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

// decodeImage accepts raw base64 or a data URL.
func decodeImage(s string) (image.Image, error) {
	if s == "" {
		return nil, nil
	}
	if strings.HasPrefix(s, "data:") {
		_, payload, ok := strings.Cut(s, ",")
		if !ok {
			return nil, newInvalidRequest("image: malformed data URL")
		}
		s = payload
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, newInvalidRequest("image: " + err.Error())
	}
	img, err := vision.DecodeImage(bytes.NewReader(raw))
	if err != nil {
		return nil, newInvalidRequest("image: " + err.Error())
	}
	return img, nil
}

func newGenerationID() string {
	return "gen_" + uuid.NewString()
}
