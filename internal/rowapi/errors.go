package rowapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/imroc/req/v3"
)

var (
	ErrNoBaseURL    = errors.New("rowapi: base url missing")
	ErrUnauthorized = errors.New("rowapi: unauthorized")
	ErrNotFound     = errors.New("rowapi: row not found")
	ErrNoRemoteID   = errors.New("rowapi: empty remote id")
)

const (
	CodeInvalidRequest = "E_INVALID_REQUEST"
	CodeUnauthorized   = "E_UNAUTHORIZED"
	CodeNotFound       = "E_NOT_FOUND"
	CodeConflict       = "E_CONFLICT"
	CodeRateLimited    = "E_RATE_LIMITED"
	CodeInternalError  = "E_INTERNAL_ERROR"
)

// APIError is the error envelope returned by the row API
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: %s - %s", e.Code, e.Message)
}

// handleAPIError turns a transport error or an error response into an error
func handleAPIError(resp *req.Response, requestErr error, operation string) error {
	if resp == nil || resp.Response == nil || !resp.IsErrorState() {
		if requestErr != nil {
			return fmt.Errorf("%s: %w", operation, requestErr)
		}
		return nil
	}

	// an error status wins over a failure to decode its body

	var sentinel error
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		sentinel = ErrUnauthorized
	case http.StatusNotFound:
		sentinel = ErrNotFound
	}

	if apiErr, ok := resp.ErrorResult().(*APIError); ok && apiErr.Code != "" {
		if sentinel != nil {
			return fmt.Errorf("%s: %w: %w", operation, sentinel, apiErr)
		}
		return fmt.Errorf("%s: %w", operation, apiErr)
	}

	if sentinel != nil {
		return fmt.Errorf("%s: %w", operation, sentinel)
	}
	return fmt.Errorf("%s: unexpected status %d", operation, resp.StatusCode)
}
