package middleware

import (
	"bytes"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/keyrotor/keyrotor/internal/config"
	"github.com/keyrotor/keyrotor/internal/logging"
	"github.com/keyrotor/keyrotor/internal/policy"
	"github.com/keyrotor/keyrotor/internal/usage"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const accessPolicyContextKey = "accessPolicy"

// AccessPolicyMiddleware enforces per-token model restrictions and quotas.
// It assumes AuthMiddleware already stored the authenticated token under
// AccessTokenContextKey. Bodies that are not JSON objects pass through
// untouched so the handler can reject them.
func AccessPolicyMiddleware(getConfig func() *config.Config, limiter policy.DailyLimiter, costReader usage.DailyCostReader) gin.HandlerFunc {
	return accessPolicyMiddleware(getConfig, limiter, costReader, time.Now)
}

func accessPolicyMiddleware(getConfig func() *config.Config, limiter policy.DailyLimiter, costReader usage.DailyCostReader, now func() time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c == nil || c.Request == nil {
			return
		}
		var cfg *config.Config
		if getConfig != nil {
			cfg = getConfig()
		}
		if cfg == nil {
			c.Next()
			return
		}

		token := strings.TrimSpace(c.GetString(AccessTokenContextKey))
		if token == "" {
			c.Next()
			return
		}
		found := cfg.FindAccessPolicy(token)
		if found == nil {
			c.Next()
			return
		}
		entry := *found
		c.Set(accessPolicyContextKey, &entry)

		// Model rules only apply to JSON body endpoints.
		if c.Request.Method != http.MethodPost {
			c.Next()
			return
		}

		bodyBytes, err := io.ReadAll(c.Request.Body)
		if err != nil {
			abortWithError(c, http.StatusBadRequest, "Invalid JSON body")
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))

		if !gjson.ValidBytes(bodyBytes) || !gjson.ParseBytes(bodyBytes).IsObject() {
			c.Next()
			return
		}

		dayKey := policy.DayKey(now())

		if entry.DailyBudgetUSD > 0 {
			if costReader == nil {
				abortWithError(c, http.StatusInternalServerError, "usage store unavailable")
				return
			}
			spentMicro, errSpent := costReader.GetDailyCostMicroUSD(c.Request.Context(), token, dayKey)
			if errSpent != nil {
				abortWithError(c, http.StatusInternalServerError, errSpent.Error())
				return
			}
			budgetMicro := int64(math.Round(entry.DailyBudgetUSD * 1_000_000))
			if budgetMicro > 0 && spentMicro >= budgetMicro {
				abortWithError(c, http.StatusTooManyRequests, "daily budget exceeded")
				return
			}
		}

		model := strings.TrimSpace(gjson.GetBytes(bodyBytes, "model").String())
		if model == "" {
			c.Next()
			return
		}

		effectiveModel := model
		if rewritten, changed := entry.RewriteModel(model); changed {
			effectiveModel = rewritten
		}

		if entry.DeniesModel(effectiveModel) {
			abortWithError(c, http.StatusForbidden, "model access denied by access policy")
			return
		}

		if limit, limitKey := entry.DailyLimitFor(effectiveModel); limit > 0 {
			if limiter == nil {
				abortWithError(c, http.StatusInternalServerError, "daily limiter unavailable")
				return
			}
			_, allowed, errConsume := limiter.Consume(c.Request.Context(), token, limitKey, dayKey, limit)
			if errConsume != nil {
				abortWithError(c, http.StatusInternalServerError, errConsume.Error())
				return
			}
			if !allowed {
				abortWithError(c, http.StatusTooManyRequests, "daily model limit exceeded")
				return
			}
		}

		if effectiveModel != model {
			modified, errSet := sjson.SetBytes(bodyBytes, "model", effectiveModel)
			if errSet == nil {
				logging.WithContext(c.Request.Context()).WithFields(log.Fields{
					"model":     model,
					"rewritten": effectiveModel,
				}).Debug("access policy rewrote model")
				c.Request.Body = io.NopCloser(bytes.NewReader(modified))
				c.Request.ContentLength = int64(len(modified))
			}
		}

		c.Next()
	}
}

// AccessPolicyFromContext returns the policy snapshot stored for this request, if any.
func AccessPolicyFromContext(c *gin.Context) *config.AccessPolicy {
	if c == nil {
		return nil
	}
	v, ok := c.Get(accessPolicyContextKey)
	if !ok {
		return nil
	}
	p, _ := v.(*config.AccessPolicy)
	return p
}
