package hlscache

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidRequest is returned when the origin parameter is missing or
	// does not hold an absolute http(s) URL.
	ErrInvalidRequest = errors.New("invalid proxy request")

	// ErrUnsupportedContentType is returned when an upstream manifest comes
	// back with a MIME type that is not a playlist type.
	ErrUnsupportedContentType = errors.New("unsupported content type")

	// ErrUpstreamFetch covers transport errors and non-2xx upstream replies.
	ErrUpstreamFetch = errors.New("upstream fetch failed")
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnsupportedContentType):
		return http.StatusBadRequest
	case errors.Is(err, ErrUpstreamFetch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, ErrUnsupportedContentType):
		return "unsupported-type"
	case errors.Is(err, ErrUpstreamFetch):
		return "bad-gateway"
	default:
		return "error"
	}
}
