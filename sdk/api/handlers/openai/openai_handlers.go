// Package openai provides the OpenAI-compatible endpoints served by keyrotor:
// chat completions (buffered and streaming) and the model catalogue.
package openai

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/keyrotor/keyrotor/internal/interfaces"
	"github.com/keyrotor/keyrotor/internal/logging"
	"github.com/keyrotor/keyrotor/internal/runtime/executor"
	"github.com/keyrotor/keyrotor/sdk/api/handlers"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// OpenAIAPIHandler serves the /v1 endpoints.
type OpenAIAPIHandler struct {
	*handlers.BaseAPIHandler
}

// NewOpenAIAPIHandler creates a new OpenAI API handlers instance.
func NewOpenAIAPIHandler(apiHandlers *handlers.BaseAPIHandler) *OpenAIAPIHandler {
	return &OpenAIAPIHandler{BaseAPIHandler: apiHandlers}
}

// HandlerType returns the identifier for this handler implementation.
func (h *OpenAIAPIHandler) HandlerType() string { return "openai" }

// OpenAIModels forwards GET /v1/models upstream with the first credential and
// returns the upstream status and body unchanged.
func (h *OpenAIAPIHandler) OpenAIModels(c *gin.Context) {
	cliCtx, cliCancel := h.GetContextWithCancel(h, c, context.Background())
	out := h.Models.ListModels(cliCtx, h.Dispatcher.Pool().First())
	if out.Kind == executor.OutcomeTransportError {
		errMsg := &interfaces.ErrorMessage{
			StatusCode: executor.TransportErrorStatus,
			Error:      errors.New("Failed to fetch models from upstream: " + out.Detail),
		}
		logging.WithContext(cliCtx).Errorf("list models failed: %s", out.Detail)
		h.WriteErrorResponse(c, errMsg)
		cliCancel(errMsg.Error)
		return
	}
	c.Data(out.StatusCode, contentTypeOr(out.Header, "application/json"), out.Body)
	cliCancel(out.Body)
}

// ChatCompletions handles POST /v1/chat/completions. The body must be a JSON
// object; it is forwarded byte for byte to every upstream attempt.
func (h *OpenAIAPIHandler) ChatCompletions(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil || !gjson.ValidBytes(rawJSON) || !gjson.ParseBytes(rawJSON).IsObject() {
		h.WriteErrorResponse(c, &interfaces.ErrorMessage{
			StatusCode: http.StatusBadRequest,
			Error:      errors.New("Invalid JSON body"),
		})
		return
	}

	stream := gjson.GetBytes(rawJSON, "stream").Bool()
	model := gjson.GetBytes(rawJSON, "model").String()
	if model == "" {
		model = "unknown_model"
	}
	logging.WithContext(c.Request.Context()).WithFields(log.Fields{
		"model":  model,
		"stream": stream,
	}).Info("chat completion request")

	if stream {
		h.handleStreamingResponse(c, rawJSON)
		return
	}
	h.handleNonStreamingResponse(c, rawJSON)
}

func (h *OpenAIAPIHandler) handleNonStreamingResponse(c *gin.Context, rawJSON []byte) {
	cliCtx, cliCancel := h.GetContextWithCancel(h, c, context.Background())
	cliCtx = executor.WithAcceptEncoding(cliCtx, c.GetHeader("Accept-Encoding"))

	out, errMsg := h.ExecuteWithDispatcher(cliCtx, rawJSON)
	if errMsg != nil {
		h.LoggingAPIResponseError(cliCtx, errMsg)
		h.WriteErrorResponse(c, errMsg)
		cliCancel(errMsg.Error)
		return
	}
	if enc := out.Header.Get("Content-Encoding"); enc != "" {
		c.Header("Content-Encoding", enc)
	}
	c.Data(out.StatusCode, contentTypeOr(out.Header, "application/json"), out.Body)
	cliCancel(out.Body)
}

func (h *OpenAIAPIHandler) handleStreamingResponse(c *gin.Context, rawJSON []byte) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		h.WriteErrorResponse(c, &interfaces.ErrorMessage{
			StatusCode: http.StatusInternalServerError,
			Error:      errors.New("Streaming not supported"),
		})
		return
	}

	cliCtx, cliCancel := h.GetContextWithCancel(h, c, context.Background())
	cliCtx = executor.WithAcceptEncoding(cliCtx, c.GetHeader("Accept-Encoding"))

	header, dataChan, errChan := h.ExecuteStreamWithDispatcher(cliCtx, rawJSON)
	if dataChan == nil {
		errMsg := <-errChan
		h.LoggingAPIResponseError(cliCtx, errMsg)
		h.WriteErrorResponse(c, errMsg)
		if errMsg != nil {
			cliCancel(errMsg.Error)
		} else {
			cliCancel()
		}
		return
	}

	// The credential is committed from here on: headers go out before the first byte.
	c.Header("Content-Type", contentTypeOr(header, "text/event-stream"))
	if enc := header.Get("Content-Encoding"); enc != "" {
		c.Header("Content-Encoding", enc)
	}
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	flusher.Flush()

	h.forwardStream(c, flusher, cliCtx, cliCancel, dataChan, errChan)
}

func (h *OpenAIAPIHandler) forwardStream(c *gin.Context, flusher http.Flusher, ctx context.Context, cancel handlers.APIHandlerCancelFunc, data <-chan []byte, errs <-chan *interfaces.ErrorMessage) {
	for {
		select {
		case <-c.Request.Context().Done():
			cancel(c.Request.Context().Err())
			// Wait for the relay to release the upstream body.
			for range data {
			}
			return
		case chunk, okData := <-data:
			if !okData {
				if errMsg := <-errs; errMsg != nil {
					h.LoggingAPIResponseError(ctx, errMsg)
					cancel(errMsg.Error)
					return
				}
				flusher.Flush()
				cancel()
				return
			}
			if _, errWrite := c.Writer.Write(chunk); errWrite != nil {
				logging.WithContext(ctx).Debugf("client write failed: %v", errWrite)
				cancel(errWrite)
				for range data {
				}
				return
			}
			flusher.Flush()
		}
	}
}

func contentTypeOr(h http.Header, fallback string) string {
	if h != nil {
		if ct := h.Get("Content-Type"); ct != "" {
			return ct
		}
	}
	return fallback
}
