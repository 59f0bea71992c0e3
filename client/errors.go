package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/heartreel/heartreel/api"
)

// ErrNotConfigured is returned by every call on a Client without a
// backend URL.
var ErrNotConfigured = errors.New("heartreel: backend not configured")

var errNoUnlockedSite = errors.New("heartreel: unlock response carries no site")

// Error is a non-2xx response from the backend.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("heartreel: %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("heartreel: %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *Error) ErrorCode() string { return e.Code }

func (e *Error) ErrorMessage() string { return e.Message }

// IsStatus reports whether err is an *Error with the given status.
func IsStatus(err error, status int) bool {
	e, ok := errors.AsType[*Error](err)
	return ok && e.Status == status
}

func decodeError(resp *http.Response) error {
	e := &Error{Status: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var er api.ErrorResponse
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		e.Code, e.Message = er.Code, er.Error
	} else {
		e.Message = http.StatusText(resp.StatusCode)
	}
	return e
}
