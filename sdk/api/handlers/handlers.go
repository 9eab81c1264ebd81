// Package handlers provides core API handler functionality for the keyrotor server.
// It includes the OpenAI-compatible error envelope, request context plumbing and
// the dispatcher-backed execution paths shared by the endpoint handlers.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/keyrotor/keyrotor/internal/dispatch"
	"github.com/keyrotor/keyrotor/internal/interfaces"
	"github.com/keyrotor/keyrotor/internal/logging"
	"github.com/keyrotor/keyrotor/internal/metrics"
	"github.com/keyrotor/keyrotor/internal/relay"
	"github.com/keyrotor/keyrotor/internal/runtime/executor"
	"github.com/keyrotor/keyrotor/internal/usage"
	"github.com/keyrotor/keyrotor/sdk/config"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// ErrorResponse represents a standard error response format for the API.
type ErrorResponse struct {
	// Error contains detailed information about the error that occurred.
	Error ErrorDetail `json:"error"`

	// Detail repeats Error.Message in the {"detail": "..."} shape older clients read.
	Detail string `json:"detail,omitempty"`
}

// ErrorDetail provides specific information about an error that occurred.
// It includes a human-readable message, an error type, and an optional error code.
type ErrorDetail struct {
	// Message is a human-readable message providing more details about the error.
	Message string `json:"message"`

	// Type is the category of error that occurred (e.g., "invalid_request_error").
	Type string `json:"type"`

	// Code is a short code identifying the error, if applicable.
	Code string `json:"code,omitempty"`
}

// BuildErrorResponseBody builds an OpenAI-compatible JSON error response body.
// If errText is already valid JSON, it is returned as-is to preserve upstream error payloads.
func BuildErrorResponseBody(status int, errText string) []byte {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	if strings.TrimSpace(errText) == "" {
		errText = http.StatusText(status)
	}

	trimmed := strings.TrimSpace(errText)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return []byte(trimmed)
	}

	errType := "invalid_request_error"
	var code string
	switch status {
	case http.StatusUnauthorized:
		errType = "authentication_error"
		code = "invalid_api_key"
	case http.StatusForbidden:
		errType = "permission_error"
		code = "insufficient_quota"
	case http.StatusTooManyRequests:
		errType = "rate_limit_error"
		code = "rate_limit_exceeded"
	case http.StatusNotFound:
		errType = "invalid_request_error"
		code = "model_not_found"
	default:
		if status >= http.StatusInternalServerError {
			errType = "server_error"
			code = "internal_server_error"
		}
	}

	payload, err := json.Marshal(ErrorResponse{
		Error: ErrorDetail{
			Message: errText,
			Type:    errType,
			Code:    code,
		},
		Detail: errText,
	})
	if err != nil {
		return []byte(fmt.Sprintf(`{"error":{"message":%q,"type":"server_error","code":"internal_server_error"},"detail":%q}`, errText, errText))
	}
	return payload
}

// BaseAPIHandler contains the shared state of the API endpoint handlers.
type BaseAPIHandler struct {
	// Dispatcher rotates credentials across upstream attempts.
	Dispatcher *dispatch.Dispatcher

	// Models serves the upstream model catalogue.
	Models executor.ModelLister

	// Usage records per-token usage; nil disables accounting.
	Usage *usage.Recorder

	// Metrics tracks live streams; nil disables the gauge.
	Metrics *metrics.Collector

	// Cfg holds the current application configuration.
	Cfg *config.SDKConfig
}

// NewBaseAPIHandlers creates a new API handlers instance.
func NewBaseAPIHandlers(cfg *config.SDKConfig, dispatcher *dispatch.Dispatcher, models executor.ModelLister) *BaseAPIHandler {
	return &BaseAPIHandler{
		Cfg:        cfg,
		Dispatcher: dispatcher,
		Models:     models,
	}
}

// GetContextWithCancel derives the execution context of one request. It carries
// the request ID and the gin context, and is cancelled when the caller goes away.
// The returned cancel function also captures the response for request logging.
func (h *BaseAPIHandler) GetContextWithCancel(handler interfaces.APIHandler, c *gin.Context, ctx context.Context) (context.Context, APIHandlerCancelFunc) {
	parentCtx := ctx
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	var requestCtx context.Context
	if c != nil && c.Request != nil {
		requestCtx = c.Request.Context()
	}

	if requestCtx != nil && logging.GetRequestID(parentCtx) == "" {
		if requestID := logging.GetRequestID(requestCtx); requestID != "" {
			parentCtx = logging.WithRequestID(parentCtx, requestID)
		} else if requestID := logging.GetGinRequestID(c); requestID != "" {
			parentCtx = logging.WithRequestID(parentCtx, requestID)
		}
	}
	cancelCtx, cancel := context.WithCancel(parentCtx)
	if requestCtx != nil && requestCtx != parentCtx {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-cancelCtx.Done():
			}
		}()
	}
	newCtx := context.WithValue(cancelCtx, ginContextKey{}, c)
	newCtx = context.WithValue(newCtx, handlerContextKey{}, handler)
	return newCtx, func(params ...interface{}) {
		if h.Cfg != nil && h.Cfg.RequestLog && len(params) == 1 && c != nil {
			var payload []byte
			switch data := params[0].(type) {
			case []byte:
				payload = data
			case error:
				if data != nil {
					payload = []byte(data.Error())
				}
			case string:
				payload = []byte(data)
			}
			appendAPIResponse(c, payload)
		}
		cancel()
	}
}

type ginContextKey struct{}

type handlerContextKey struct{}

// GinContextFrom returns the gin context embedded by GetContextWithCancel.
func GinContextFrom(ctx context.Context) *gin.Context {
	if ctx == nil {
		return nil
	}
	c, _ := ctx.Value(ginContextKey{}).(*gin.Context)
	return c
}

func accessTokenFromContext(ctx context.Context) string {
	c := GinContextFrom(ctx)
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.GetString("apiKey"))
}

func usageRequest(ctx context.Context, rawJSON []byte) usage.Request {
	return usage.Request{
		AccessToken: accessTokenFromContext(ctx),
		Model:       gjson.GetBytes(rawJSON, "model").String(),
		Payload:     rawJSON,
	}
}

// appendAPIResponse preserves any previously captured API response and appends new data.
func appendAPIResponse(c *gin.Context, data []byte) {
	if c == nil || len(data) == 0 {
		return
	}

	if _, exists := c.Get("API_RESPONSE_TIMESTAMP"); !exists {
		c.Set("API_RESPONSE_TIMESTAMP", time.Now())
	}

	if existing, exists := c.Get("API_RESPONSE"); exists {
		if existingBytes, ok := existing.([]byte); ok && len(existingBytes) > 0 {
			combined := make([]byte, 0, len(existingBytes)+len(data)+1)
			combined = append(combined, existingBytes...)
			if existingBytes[len(existingBytes)-1] != '\n' {
				combined = append(combined, '\n')
			}
			combined = append(combined, data...)
			c.Set("API_RESPONSE", combined)
			return
		}
	}

	c.Set("API_RESPONSE", bytes.Clone(data))
}

// ExecuteWithDispatcher runs a buffered request through the credential rotation.
func (h *BaseAPIHandler) ExecuteWithDispatcher(ctx context.Context, rawJSON []byte) (executor.Outcome, *interfaces.ErrorMessage) {
	res := h.Dispatcher.Dispatch(ctx, rawJSON, false)
	req := usageRequest(ctx, rawJSON)
	if !res.Completed {
		if res.LastStatus != dispatch.StatusClientClosedRequest {
			h.Usage.RecordBuffered(req, nil, "", true)
		}
		return executor.Outcome{}, exhaustedError(res)
	}
	h.Usage.RecordBuffered(req, res.Outcome.Body, res.Outcome.Header.Get("Content-Encoding"), false)
	return res.Outcome, nil
}

// ExecuteStreamWithDispatcher runs a streaming request through the credential
// rotation. When every credential fails, the data channel is nil and the error
// channel carries the exhaustion error. Otherwise the returned header holds the
// upstream framing headers and chunks flow until the stream ends; a mid-stream
// upstream failure is reported on the error channel and is never retried.
func (h *BaseAPIHandler) ExecuteStreamWithDispatcher(ctx context.Context, rawJSON []byte) (http.Header, <-chan []byte, <-chan *interfaces.ErrorMessage) {
	res := h.Dispatcher.Dispatch(ctx, rawJSON, true)
	req := usageRequest(ctx, rawJSON)
	if !res.Completed {
		if res.LastStatus != dispatch.StatusClientClosedRequest {
			h.Usage.RecordBuffered(req, nil, "", true)
		}
		errChan := make(chan *interfaces.ErrorMessage, 1)
		errChan <- exhaustedError(res)
		close(errChan)
		return nil, nil, errChan
	}

	header := res.Outcome.Header
	var opts []relay.Option
	var tap *usage.StreamTap
	if h.Usage != nil {
		tap = h.Usage.NewStreamTap(req, header.Get("Content-Encoding"))
		opts = append(opts, relay.WithTap(tap.Observe))
	}
	session := relay.New(res.Outcome.Stream, opts...)
	streamDone := h.Metrics.StreamStarted()
	chunks, relayErrs := session.Chunks(ctx)

	dataChan := make(chan []byte)
	errChan := make(chan *interfaces.ErrorMessage, 1)
	go func() {
		defer close(errChan)
		defer close(dataChan)
		defer streamDone()
		defer func() { _ = session.Close() }()

		for chunk := range chunks {
			select {
			case <-ctx.Done():
				// Let the relay observe cancellation and release the body.
				for range chunks {
				}
			case dataChan <- chunk:
			}
		}

		failed := ctx.Err() != nil
		if errRelay := <-relayErrs; errRelay != nil {
			failed = true
			logging.WithContext(ctx).WithFields(log.Fields{
				"key_index": res.KeyIndex,
				"forwarded": session.Forwarded(),
			}).Errorf("upstream stream failed mid-response: %v", errRelay)
			errChan <- &interfaces.ErrorMessage{StatusCode: http.StatusBadGateway, Error: errRelay}
		}
		tap.Finish(failed)
	}()
	return header, dataChan, errChan
}

func exhaustedError(res dispatch.Result) *interfaces.ErrorMessage {
	detail := res.LastDetail
	if strings.TrimSpace(detail) == "" {
		detail = dispatch.DefaultExhaustedDetail
	}
	return &interfaces.ErrorMessage{StatusCode: res.LastStatus, Error: errors.New(detail)}
}

// WriteErrorResponse writes an error message to the response writer using the HTTP status embedded in the message.
func (h *BaseAPIHandler) WriteErrorResponse(c *gin.Context, msg *interfaces.ErrorMessage) {
	status := http.StatusInternalServerError
	if msg != nil && msg.StatusCode > 0 {
		status = msg.StatusCode
	}
	if msg != nil && msg.Addon != nil {
		for key, values := range msg.Addon {
			if len(values) == 0 {
				continue
			}
			c.Writer.Header().Del(key)
			for _, value := range values {
				c.Writer.Header().Add(key, value)
			}
		}
	}

	errText := http.StatusText(status)
	if msg != nil && msg.Error != nil {
		if v := strings.TrimSpace(msg.Error.Error()); v != "" {
			errText = v
		}
	}

	body := BuildErrorResponseBody(status, errText)
	if h.Cfg != nil && h.Cfg.RequestLog {
		appendAPIResponse(c, body)
	}

	if !c.Writer.Written() {
		c.Writer.Header().Set("Content-Type", "application/json")
	}
	c.Status(status)
	_, _ = c.Writer.Write(body)
}

// LoggingAPIResponseError records err on the gin context when request logging is enabled.
func (h *BaseAPIHandler) LoggingAPIResponseError(ctx context.Context, err *interfaces.ErrorMessage) {
	if h.Cfg == nil || !h.Cfg.RequestLog || err == nil {
		return
	}
	ginContext := GinContextFrom(ctx)
	if ginContext == nil {
		return
	}
	if apiResponseErrors, isExist := ginContext.Get("API_RESPONSE_ERROR"); isExist {
		if slicesAPIResponseError, isOk := apiResponseErrors.([]*interfaces.ErrorMessage); isOk {
			ginContext.Set("API_RESPONSE_ERROR", append(slicesAPIResponseError, err))
		}
		return
	}
	ginContext.Set("API_RESPONSE_ERROR", []*interfaces.ErrorMessage{err})
}

// APIHandlerCancelFunc is a function type for canceling an API handler's context.
// It can optionally accept parameters, which are used for logging the response.
type APIHandlerCancelFunc func(params ...interface{})
