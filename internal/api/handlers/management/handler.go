// Package management exposes the authenticated /v0/management routes used to
// inspect usage and edit access policies at runtime.
package management

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/keyrotor/keyrotor/internal/config"
	"github.com/keyrotor/keyrotor/internal/policy"
	"github.com/keyrotor/keyrotor/internal/usage"
	"github.com/keyrotor/keyrotor/internal/util"
	log "github.com/sirupsen/logrus"
)

// Handler serves the management API. Configuration edits are applied to a copy
// of the live config and published through setConfig.
type Handler struct {
	getConfig      func() *config.Config
	setConfig      func(*config.Config)
	configFilePath string
	usageStore     *usage.Store
	limits         policy.LimitCounter

	mu sync.Mutex
}

// NewHandler builds a management handler. usageStore and limits may be nil
// when usage accounting or daily limits are disabled.
func NewHandler(getConfig func() *config.Config, setConfig func(*config.Config), configFilePath string, usageStore *usage.Store, limits policy.LimitCounter) *Handler {
	return &Handler{
		getConfig:      getConfig,
		setConfig:      setConfig,
		configFilePath: strings.TrimSpace(configFilePath),
		usageStore:     usageStore,
		limits:         limits,
	}
}

func (h *Handler) currentConfig() *config.Config {
	if h == nil || h.getConfig == nil {
		return nil
	}
	return h.getConfig()
}

// Middleware requires the configured management key as a Bearer token.
func (h *Handler) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := h.currentConfig()
		if cfg == nil || strings.TrimSpace(cfg.ManagementKey) == "" {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "management api disabled"})
			return
		}
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing management key"})
			return
		}
		provided := strings.TrimSpace(parts[1])
		if subtle.ConstantTimeCompare([]byte(provided), []byte(cfg.ManagementKey)) != 1 {
			log.Warnf("management request rejected: key %s from %s", util.HideAPIKey(provided), c.ClientIP())
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid management key"})
			return
		}
		c.Next()
	}
}

// mutate runs fn against a copy of the live config, then persists and publishes it.
func (h *Handler) mutate(c *gin.Context, fn func(cfg *config.Config) bool) {
	if h == nil || h.getConfig == nil || h.setConfig == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "config unavailable"})
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	current := h.getConfig()
	if current == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "config unavailable"})
		return
	}
	next := *current
	next.AccessPolicies = append([]config.AccessPolicy(nil), current.AccessPolicies...)
	if !fn(&next) {
		return
	}
	next.SanitizeAccessPolicies()
	h.persist(c, &next)
}

func (h *Handler) persist(c *gin.Context, cfg *config.Config) {
	if h.configFilePath != "" {
		if err := config.SaveAccessPolicies(h.configFilePath, cfg.AccessPolicies); err != nil {
			log.Errorf("management: failed to save access policies: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config: " + err.Error()})
			return
		}
	}
	h.setConfig(cfg)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Register mounts the management routes on group.
func (h *Handler) Register(group *gin.RouterGroup) {
	group.Use(h.Middleware())
	group.GET("/usage", h.GetAccessTokenDailyUsage)
	group.GET("/credentials/usage", h.GetCredentialUsage)
	group.GET("/access-policies", h.GetAccessPolicies)
	group.PUT("/access-policies", h.PutAccessPolicies)
	group.PATCH("/access-policies", h.PatchAccessPolicies)
	group.DELETE("/access-policies", h.DeleteAccessPolicies)
}
