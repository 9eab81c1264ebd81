// Package interfaces defines types shared between the API handlers and the
// components they drive.
package interfaces

import "net/http"

// ErrorMessage encapsulates an error with the HTTP status code that should be
// returned to the client.
type ErrorMessage struct {
	// StatusCode is the HTTP status code returned to the client.
	StatusCode int

	// Error is the underlying error; its text becomes the response message.
	Error error

	// Addon contains additional headers to be added to the response.
	Addon http.Header
}
