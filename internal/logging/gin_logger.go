package logging

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// GinLogrusLogger logs one line per request through logrus.
func GinLogrusLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		entry := WithContext(c.Request.Context()).WithFields(log.Fields{
			"status":  c.Writer.Status(),
			"latency": time.Since(start).Round(time.Millisecond).String(),
			"client":  c.ClientIP(),
		})
		if captured, ok := c.Get("API_RESPONSE"); ok {
			if b, okBytes := captured.([]byte); okBytes && len(b) > 0 {
				entry = entry.WithField("response", truncateResponse(b))
			}
		}
		msg := fmt.Sprintf("%s %s", c.Request.Method, path)
		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			entry.Error(msg)
		case status >= http.StatusBadRequest:
			entry.Warn(msg)
		default:
			entry.Info(msg)
		}
	}
}

// GinLogrusRecovery turns handler panics into 500 responses and logs the stack.
func GinLogrusRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		WithContext(c.Request.Context()).WithFields(log.Fields{
			"panic": recovered,
			"stack": string(debug.Stack()),
		}).Error("recovered from panic")
		c.AbortWithStatus(http.StatusInternalServerError)
	})
}

// maxLoggedResponse caps the captured response written to the access log.
const maxLoggedResponse = 2048

func truncateResponse(b []byte) string {
	if len(b) <= maxLoggedResponse {
		return string(b)
	}
	return string(b[:maxLoggedResponse]) + "...(truncated)"
}
