package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/keyrotor/keyrotor/internal/config"
	"github.com/keyrotor/keyrotor/internal/policy"
	"github.com/keyrotor/keyrotor/internal/usage"
	"github.com/tidwall/gjson"
)

type fixedCostReader struct {
	spent int64
	calls int
}

func (f *fixedCostReader) GetDailyCostMicroUSD(context.Context, string, string) (int64, error) {
	f.calls++
	return f.spent, nil
}

func newPolicyRouter(t *testing.T, cfg *config.Config, limiter policy.DailyLimiter, costs *fixedCostReader) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg.SanitizeAccessPolicies()

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(AccessTokenContextKey, "tok")
		c.Next()
	})
	var reader usage.DailyCostReader
	if costs != nil {
		reader = costs
	}
	r.Use(AccessPolicyMiddleware(func() *config.Config { return cfg }, limiter, reader))
	r.POST("/v1/chat/completions", func(c *gin.Context) {
		body, _ := io.ReadAll(c.Request.Body)
		c.JSON(200, gin.H{"model": gjson.GetBytes(body, "model").String(), "raw": string(body)})
	})
	return r
}

func postJSON(r *gin.Engine, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAccessPolicyMiddleware_RewritesModel(t *testing.T) {
	cfg := &config.Config{AccessPolicies: []config.AccessPolicy{{
		AccessToken:   "tok",
		ModelRewrites: []config.ModelRewriteRule{{FromModel: "openai/gpt-4*", ToModel: "openai/gpt-4o-mini"}},
	}}}
	r := newPolicyRouter(t, cfg, nil, nil)

	w := postJSON(r, `{"model":"openai/gpt-4-turbo","messages":[]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if got := gjson.GetBytes(w.Body.Bytes(), "model").String(); got != "openai/gpt-4o-mini" {
		t.Fatalf("model=%q", got)
	}
}

func TestAccessPolicyMiddleware_ExcludedModelDenied(t *testing.T) {
	cfg := &config.Config{AccessPolicies: []config.AccessPolicy{{
		AccessToken:    "tok",
		ExcludedModels: []string{"anthropic/*"},
	}}}
	r := newPolicyRouter(t, cfg, nil, nil)

	w := postJSON(r, `{"model":"anthropic/claude-3-opus"}`)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if got := gjson.GetBytes(w.Body.Bytes(), "error.type").String(); got != "permission_error" {
		t.Fatalf("error type=%q", got)
	}
	if w := postJSON(r, `{"model":"openai/gpt-4o"}`); w.Code != http.StatusOK {
		t.Fatalf("allowed model status=%d", w.Code)
	}
}

func TestAccessPolicyMiddleware_DailyLimit(t *testing.T) {
	limiter, err := policy.NewSQLiteDailyLimiter(filepath.Join(t.TempDir(), "limits.sqlite"))
	if err != nil {
		t.Fatalf("NewSQLiteDailyLimiter: %v", err)
	}
	defer limiter.Close()

	cfg := &config.Config{AccessPolicies: []config.AccessPolicy{{
		AccessToken: "tok",
		DailyLimits: map[string]int{"openai/gpt-4o": 1},
	}}}
	r := newPolicyRouter(t, cfg, limiter, nil)

	if w := postJSON(r, `{"model":"openai/gpt-4o"}`); w.Code != http.StatusOK {
		t.Fatalf("first request status=%d body=%s", w.Code, w.Body.String())
	}
	// The variant shares the base model's counter.
	if w := postJSON(r, `{"model":"openai/gpt-4o:nitro"}`); w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestAccessPolicyMiddleware_DailyLimitWithoutLimiter(t *testing.T) {
	cfg := &config.Config{AccessPolicies: []config.AccessPolicy{{
		AccessToken: "tok",
		DailyLimits: map[string]int{"m": 3},
	}}}
	r := newPolicyRouter(t, cfg, nil, nil)
	if w := postJSON(r, `{"model":"m"}`); w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestAccessPolicyMiddleware_DailyBudget(t *testing.T) {
	cfg := &config.Config{AccessPolicies: []config.AccessPolicy{{
		AccessToken:    "tok",
		DailyBudgetUSD: 1.5,
	}}}
	costs := &fixedCostReader{spent: 1_499_999}
	r := newPolicyRouter(t, cfg, nil, costs)

	if w := postJSON(r, `{"model":"m"}`); w.Code != http.StatusOK {
		t.Fatalf("under budget status=%d", w.Code)
	}
	costs.spent = 1_500_000
	if w := postJSON(r, `{"model":"m"}`); w.Code != http.StatusTooManyRequests {
		t.Fatalf("over budget status=%d", w.Code)
	}
}

func TestAccessPolicyMiddleware_InvalidJSONSkipsBudgetCheck(t *testing.T) {
	cfg := &config.Config{AccessPolicies: []config.AccessPolicy{{
		AccessToken:    "tok",
		DailyBudgetUSD: 1,
	}}}
	costs := &fixedCostReader{spent: 5_000_000}
	r := newPolicyRouter(t, cfg, nil, costs)

	for _, body := range []string{`{broken`, `[1,2]`} {
		if w := postJSON(r, body); w.Code != http.StatusOK {
			t.Fatalf("body %q: status=%d, want the handler to see it", body, w.Code)
		}
	}
	if costs.calls != 0 {
		t.Fatalf("budget consulted %d times for unparseable bodies", costs.calls)
	}
	if w := postJSON(r, `{}`); w.Code != http.StatusTooManyRequests {
		t.Fatalf("object body over budget status=%d", w.Code)
	}
}

func TestAccessPolicyMiddleware_InvalidJSONPassesThrough(t *testing.T) {
	cfg := &config.Config{AccessPolicies: []config.AccessPolicy{{
		AccessToken:    "tok",
		ExcludedModels: []string{"*"},
	}}}
	r := newPolicyRouter(t, cfg, nil, nil)

	w := postJSON(r, `not json`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if got := gjson.GetBytes(w.Body.Bytes(), "raw").String(); got != "not json" {
		t.Fatalf("body not restored: %q", got)
	}
}

func TestAccessPolicyMiddleware_UsesUTCDay(t *testing.T) {
	limiter, err := policy.NewSQLiteDailyLimiter(filepath.Join(t.TempDir(), "limits.sqlite"))
	if err != nil {
		t.Fatalf("NewSQLiteDailyLimiter: %v", err)
	}
	defer limiter.Close()

	cfg := &config.Config{AccessPolicies: []config.AccessPolicy{{
		AccessToken: "tok",
		DailyLimits: map[string]int{"m": 1},
	}}}
	cfg.SanitizeAccessPolicies()
	current := time.Date(2026, 1, 1, 23, 59, 0, 0, time.UTC)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) { c.Set(AccessTokenContextKey, "tok"); c.Next() })
	r.Use(accessPolicyMiddleware(func() *config.Config { return cfg }, limiter, nil, func() time.Time { return current }))
	r.POST("/v1/chat/completions", func(c *gin.Context) { c.Status(http.StatusOK) })

	if w := postJSON(r, `{"model":"m"}`); w.Code != http.StatusOK {
		t.Fatalf("first status=%d", w.Code)
	}
	if w := postJSON(r, `{"model":"m"}`); w.Code != http.StatusTooManyRequests {
		t.Fatalf("same day status=%d", w.Code)
	}
	current = current.Add(2 * time.Minute)
	if w := postJSON(r, `{"model":"m"}`); w.Code != http.StatusOK {
		t.Fatalf("next UTC day status=%d", w.Code)
	}
}
