package management

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/keyrotor/keyrotor/internal/config"
)

func (h *Handler) GetAccessPolicies(c *gin.Context) {
	policies := []config.AccessPolicy{}
	if cfg := h.currentConfig(); cfg != nil {
		policies = append(policies, cfg.AccessPolicies...)
	}
	c.JSON(http.StatusOK, gin.H{"access-policies": policies})
}

// PutAccessPolicies replaces the whole policy list. The body is either a JSON
// array or an object with an "items" array.
func (h *Handler) PutAccessPolicies(c *gin.Context) {
	data, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	var arr []config.AccessPolicy
	if err = json.Unmarshal(data, &arr); err != nil {
		var obj struct {
			Items []config.AccessPolicy `json:"items"`
		}
		if err2 := json.Unmarshal(data, &obj); err2 != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
		arr = obj.Items
	}

	h.mutate(c, func(cfg *config.Config) bool {
		cfg.AccessPolicies = append([]config.AccessPolicy(nil), arr...)
		return true
	})
}

// PatchAccessPolicies updates or creates the policy for one access token.
// Setting value.access-token to "" removes the policy.
func (h *Handler) PatchAccessPolicies(c *gin.Context) {
	type policyPatch struct {
		ExcludedModels *[]string                  `json:"excluded-models"`
		ModelRewrites  *[]config.ModelRewriteRule `json:"model-rewrites"`
		DailyLimits    *map[string]int            `json:"daily-limits"`
		DailyBudgetUSD *float64                   `json:"daily-budget-usd"`
		AccessToken    *string                    `json:"access-token"`
	}
	var body struct {
		AccessToken string       `json:"access-token"`
		Value       *policyPatch `json:"value"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Value == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}

	token := strings.TrimSpace(body.AccessToken)
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "access-token is required"})
		return
	}

	h.mutate(c, func(cfg *config.Config) bool {
		targetIndex := -1
		for i := range cfg.AccessPolicies {
			if strings.TrimSpace(cfg.AccessPolicies[i].AccessToken) == token {
				targetIndex = i
				break
			}
		}

		entry := config.AccessPolicy{AccessToken: token}
		if targetIndex >= 0 {
			entry = cfg.AccessPolicies[targetIndex]
		}

		if body.Value.AccessToken != nil {
			trimmed := strings.TrimSpace(*body.Value.AccessToken)
			if trimmed == "" {
				if targetIndex < 0 {
					c.JSON(http.StatusBadRequest, gin.H{"error": "access-token cannot be empty"})
					return false
				}
				cfg.AccessPolicies = append(cfg.AccessPolicies[:targetIndex], cfg.AccessPolicies[targetIndex+1:]...)
				return true
			}
			entry.AccessToken = trimmed
		}
		if body.Value.ExcludedModels != nil {
			entry.ExcludedModels = config.NormalizeExcludedModels(*body.Value.ExcludedModels)
		}
		if body.Value.ModelRewrites != nil {
			entry.ModelRewrites = append([]config.ModelRewriteRule(nil), (*body.Value.ModelRewrites)...)
		}
		if body.Value.DailyLimits != nil {
			entry.DailyLimits = *body.Value.DailyLimits
		}
		if body.Value.DailyBudgetUSD != nil {
			entry.DailyBudgetUSD = *body.Value.DailyBudgetUSD
		}

		if targetIndex >= 0 {
			cfg.AccessPolicies[targetIndex] = entry
		} else {
			cfg.AccessPolicies = append(cfg.AccessPolicies, entry)
		}
		return true
	})
}

func (h *Handler) DeleteAccessPolicies(c *gin.Context) {
	token := strings.TrimSpace(c.Query("access-token"))
	if token == "" {
		token = strings.TrimSpace(c.Query("api-key"))
	}
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing access-token"})
		return
	}

	h.mutate(c, func(cfg *config.Config) bool {
		out := make([]config.AccessPolicy, 0, len(cfg.AccessPolicies))
		for _, v := range cfg.AccessPolicies {
			if strings.TrimSpace(v.AccessToken) == token {
				continue
			}
			out = append(out, v)
		}
		if len(out) == len(cfg.AccessPolicies) {
			c.JSON(http.StatusNotFound, gin.H{"error": "item not found"})
			return false
		}
		cfg.AccessPolicies = out
		return true
	})
}
