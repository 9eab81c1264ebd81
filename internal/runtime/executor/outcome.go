package executor

import (
	"io"
	"net/http"
)

// OutcomeKind classifies the result of one upstream attempt.
type OutcomeKind int

const (
	// OutcomeSuccess is any 2xx response.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeRateLimited is an HTTP 429 response.
	OutcomeRateLimited
	// OutcomeUpstreamError is any other non-2xx response.
	OutcomeUpstreamError
	// OutcomeTransportError is a network, DNS, reset, timeout or cancellation failure.
	OutcomeTransportError
)

// String returns the label used in logs and metrics.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeUpstreamError:
		return "upstream_error"
	case OutcomeTransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

// TransportErrorStatus is the status reported for attempts that never got a response.
const TransportErrorStatus = http.StatusServiceUnavailable

// Outcome is produced once per attempt and consumed immediately by the dispatcher.
// Exactly one of Body or Stream is meaningful for a success: Stream is set only
// for streaming requests and must be closed by whoever takes ownership of it.
type Outcome struct {
	Kind       OutcomeKind
	StatusCode int

	// Header holds the framing headers (Content-Type, Content-Encoding) of a success.
	Header http.Header

	// Body is the fully read response body (buffered success or any failure).
	Body []byte

	// Stream is the unread response body of a streaming success.
	Stream io.ReadCloser

	// Detail is the upstream error body or transport error text of a failure.
	Detail string

	// Err is the underlying transport error, if any.
	Err error
}

// Success reports whether the attempt produced a usable response.
func (o Outcome) Success() bool {
	return o.Kind == OutcomeSuccess
}

// Release closes the stream of a success that will not be relayed.
func (o Outcome) Release() {
	if o.Stream != nil {
		_ = o.Stream.Close()
	}
}

// Classify maps an HTTP status code to an outcome kind.
func Classify(status int) OutcomeKind {
	switch {
	case status >= 200 && status < 300:
		return OutcomeSuccess
	case status == http.StatusTooManyRequests:
		return OutcomeRateLimited
	default:
		return OutcomeUpstreamError
	}
}

// framingHeaders are the only upstream headers forwarded on success.
var framingHeaders = []string{"Content-Type", "Content-Encoding"}

// FramingHeaders copies the body framing subset of src.
func FramingHeaders(src http.Header) http.Header {
	out := make(http.Header, len(framingHeaders))
	for _, key := range framingHeaders {
		if v := src.Values(key); len(v) > 0 {
			out[key] = append([]string(nil), v...)
		}
	}
	return out
}
