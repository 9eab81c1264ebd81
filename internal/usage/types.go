package usage

import "time"

// AnonymousToken groups usage of requests made while inbound auth is disabled.
const AnonymousToken = "anonymous"

type DailyUsageRow struct {
	AccessToken    string `json:"access_token"`
	Model          string `json:"model"`
	Day            string `json:"day"`
	Requests       int64  `json:"requests"`
	FailedRequests int64  `json:"failed_requests"`

	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	ReasoningTokens  int64 `json:"reasoning_tokens"`
	CachedTokens     int64 `json:"cached_tokens"`
	TotalTokens      int64 `json:"total_tokens"`

	// EstimatedRequests counts requests whose prompt tokens were estimated locally.
	EstimatedRequests int64 `json:"estimated_requests"`

	CostMicroUSD int64 `json:"cost_micro_usd"`
	UpdatedAt    int64 `json:"updated_at,omitempty"`
}

type DailyUsageReport struct {
	AccessToken     string          `json:"access_token"`
	Day             string          `json:"day"`
	TotalCostMicro  int64           `json:"total_cost_micro_usd"`
	TotalCostUSD    float64         `json:"total_cost_usd"`
	TotalRequests   int64           `json:"total_requests"`
	TotalFailed     int64           `json:"total_failed_requests"`
	TotalTokens     int64           `json:"total_tokens"`
	Models          []DailyUsageRow `json:"models"`
	GeneratedAtUnix int64           `json:"generated_at_unix"`
}

// CredentialAttemptRow counts upstream attempts of one credential by outcome.
type CredentialAttemptRow struct {
	KeyIndex  int    `json:"key_index"`
	Day       string `json:"day"`
	Outcome   string `json:"outcome"`
	Attempts  int64  `json:"attempts"`
	UpdatedAt int64  `json:"updated_at,omitempty"`
}

type CredentialUsageReport struct {
	Day             string                 `json:"day"`
	TotalAttempts   int64                  `json:"total_attempts"`
	Credentials     []CredentialAttemptRow `json:"credentials"`
	GeneratedAtUnix int64                  `json:"generated_at_unix"`
}

func nowUnixUTC() int64 { return time.Now().UTC().Unix() }
