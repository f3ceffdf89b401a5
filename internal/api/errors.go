package api

import (
	"errors"
	"net/http"
)

// ErrMalformedResponse marks a response that is missing required fields or
// is not the JSON shape the endpoint promises.
var ErrMalformedResponse = errors.New("malformed response from server")

// Error is a rejection reported by the server, either as a non-2xx status or
// as a 2xx body with success=false.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return "API request failed: " + e.Message
}

func (e *Error) NotFound() bool    { return e.Status == http.StatusNotFound }
func (e *Error) ServerFault() bool { return e.Status >= 500 }
