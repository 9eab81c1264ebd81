// Package config holds the request-handling portion of the keyrotor configuration
// that API handlers and middleware depend on.
package config

// SDKConfig represents the inbound request settings loaded from YAML.
type SDKConfig struct {
	// ProxyURL routes upstream traffic through an HTTP(S) or SOCKS5 proxy when set.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`

	// RequestLog records the upstream response bodies on the gin context for diagnostics.
	RequestLog bool `yaml:"request-log" json:"request-log"`

	// AccessTokens lists the bearer tokens accepted from clients.
	// An empty list disables inbound authentication entirely.
	AccessTokens []string `yaml:"access-tokens" json:"access-tokens"`
}

// HasAccessTokens reports whether inbound authentication is enabled.
func (c *SDKConfig) HasAccessTokens() bool {
	return c != nil && len(c.AccessTokens) > 0
}
