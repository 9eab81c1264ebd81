package management

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/keyrotor/keyrotor/internal/policy"
)

func (h *Handler) GetAccessTokenDailyUsage(c *gin.Context) {
	if h == nil || h.usageStore == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "usage store unavailable"})
		return
	}

	token := strings.TrimSpace(c.Query("api-key"))
	if token == "" {
		token = strings.TrimSpace(c.Query("access-token"))
	}
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "api-key is required"})
		return
	}

	day := dayParam(c)
	report, err := h.usageStore.GetDailyUsageReport(c.Request.Context(), token, day)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	limits, err := h.dailyLimitUsage(c, token, day)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": report, "daily-limits": limits})
}

type dailyLimitUsage struct {
	Model string `json:"model"`
	Used  int    `json:"used"`
	Limit int    `json:"limit"`
}

// dailyLimitUsage lists every configured daily limit of token with its use on day.
func (h *Handler) dailyLimitUsage(c *gin.Context, token, day string) ([]dailyLimitUsage, error) {
	out := []dailyLimitUsage{}
	if h.limits == nil {
		return out, nil
	}
	p := h.currentConfig().FindAccessPolicy(token)
	if p == nil || len(p.DailyLimits) == 0 {
		return out, nil
	}
	counts, err := h.limits.Counts(c.Request.Context(), token, day)
	if err != nil {
		return nil, err
	}
	for model, limit := range p.DailyLimits {
		out = append(out, dailyLimitUsage{Model: model, Used: counts[model], Limit: limit})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out, nil
}

func (h *Handler) GetCredentialUsage(c *gin.Context) {
	if h == nil || h.usageStore == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "usage store unavailable"})
		return
	}
	report, err := h.usageStore.GetCredentialUsage(c.Request.Context(), dayParam(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": report})
}

func dayParam(c *gin.Context) string {
	if day := strings.TrimSpace(c.Query("day")); day != "" {
		return day
	}
	return policy.DayKey(time.Now())
}
