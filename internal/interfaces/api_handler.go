package interfaces

// APIHandler is implemented by the endpoint handler families mounted on the server.
type APIHandler interface {
	// HandlerType names the API surface, e.g. "openai".
	HandlerType() string
}
