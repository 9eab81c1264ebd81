// Package executor performs single upstream attempts against the OpenRouter API
// and classifies each one into an Outcome.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/keyrotor/keyrotor/internal/config"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// maxErrorBodyBytes caps how much of a failure body is kept for the detail string.
const maxErrorBodyBytes = 1 << 20

// Client sends one attempt upstream with a given credential.
type Client interface {
	Send(ctx context.Context, payload []byte, credential string, wantStream bool) Outcome
}

// ModelLister fetches the upstream model catalogue.
type ModelLister interface {
	ListModels(ctx context.Context, credential string) Outcome
}

type acceptEncodingKey struct{}

// WithAcceptEncoding asks the executor to forward the caller's Accept-Encoding
// header so compressed bodies pass through untouched.
func WithAcceptEncoding(ctx context.Context, value string) context.Context {
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, acceptEncodingKey{}, value)
}

func acceptEncodingFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(acceptEncodingKey{}).(string)
	return v
}

// OpenRouterExecutor is a Client backed by a shared pooled HTTP transport.
type OpenRouterExecutor struct {
	baseURL   string
	siteURL   string
	appName   string
	timeout   time.Duration
	transport *http.Transport
	client    *http.Client
}

// NewOpenRouterExecutor builds an executor from the server configuration.
func NewOpenRouterExecutor(cfg *config.Config) (*OpenRouterExecutor, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	transport, err := newTransport(cfg.ProxyURL)
	if err != nil {
		return nil, err
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.OpenRouterBaseURL), "/")
	if baseURL == "" {
		baseURL = config.DefaultOpenRouterBaseURL
	}
	return &OpenRouterExecutor{
		baseURL:   baseURL,
		siteURL:   cfg.SiteURL,
		appName:   cfg.AppName,
		timeout:   cfg.UpstreamTimeout(),
		transport: transport,
		client:    &http.Client{Transport: transport},
	}, nil
}

// Identifier names the upstream provider.
func (e *OpenRouterExecutor) Identifier() string { return "openrouter" }

// CloseIdleConnections releases pooled upstream connections.
func (e *OpenRouterExecutor) CloseIdleConnections() {
	if e == nil || e.transport == nil {
		return
	}
	e.transport.CloseIdleConnections()
}

// Send posts payload verbatim to <base>/chat/completions. In streaming mode it
// returns as soon as response headers arrive and leaves the body unread.
func (e *OpenRouterExecutor) Send(ctx context.Context, payload []byte, credential string, wantStream bool) Outcome {
	if ctx == nil {
		ctx = context.Background()
	}
	attemptCtx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(e.timeout, cancel)

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, e.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		timer.Stop()
		cancel()
		return transportOutcome(err)
	}
	e.applyHeaders(req, credential)
	req.Header.Set("Content-Type", "application/json")
	if ae := acceptEncodingFrom(ctx); ae != "" {
		req.Header.Set("Accept-Encoding", ae)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		timer.Stop()
		cancel()
		return transportOutcome(attemptErr(ctx, err))
	}

	kind := Classify(resp.StatusCode)
	if kind == OutcomeSuccess && wantStream {
		// Headers are in; the remaining lifetime belongs to the relay.
		timer.Stop()
		return Outcome{
			Kind:       OutcomeSuccess,
			StatusCode: resp.StatusCode,
			Header:     FramingHeaders(resp.Header),
			Stream:     &streamBody{ReadCloser: resp.Body, cancel: cancel},
		}
	}

	defer func() {
		timer.Stop()
		cancel()
	}()
	return readOutcome(ctx, kind, resp)
}

// ListModels issues GET <base>/models with credential, buffered.
func (e *OpenRouterExecutor) ListModels(ctx context.Context, credential string) Outcome {
	if ctx == nil {
		ctx = context.Background()
	}
	attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, e.baseURL+"/models", nil)
	if err != nil {
		return transportOutcome(err)
	}
	e.applyHeaders(req, credential)
	resp, err := e.client.Do(req)
	if err != nil {
		return transportOutcome(attemptErr(ctx, err))
	}
	return readOutcome(ctx, Classify(resp.StatusCode), resp)
}

func (e *OpenRouterExecutor) applyHeaders(req *http.Request, credential string) {
	req.Header.Set("Authorization", "Bearer "+credential)
	if e.siteURL != "" {
		req.Header.Set("HTTP-Referer", e.siteURL)
	}
	if e.appName != "" {
		req.Header.Set("X-Title", e.appName)
	}
}

func readOutcome(ctx context.Context, kind OutcomeKind, resp *http.Response) Outcome {
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("openrouter executor: close response body error: %v", errClose)
		}
	}()

	if kind == OutcomeSuccess {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return transportOutcome(attemptErr(ctx, err))
		}
		return Outcome{
			Kind:       OutcomeSuccess,
			StatusCode: resp.StatusCode,
			Header:     FramingHeaders(resp.Header),
			Body:       body,
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		log.Debugf("openrouter executor: partial error body read: %v", err)
	}
	return Outcome{
		Kind:       kind,
		StatusCode: resp.StatusCode,
		Header:     FramingHeaders(resp.Header),
		Body:       body,
		Detail:     string(body),
	}
}

func transportOutcome(err error) Outcome {
	return Outcome{
		Kind:       OutcomeTransportError,
		StatusCode: TransportErrorStatus,
		Detail:     err.Error(),
		Err:        err,
	}
}

// attemptErr reports the caller's cancellation in preference to the wrapped
// transport error, and names a fired attempt timeout.
func attemptErr(parent context.Context, err error) error {
	if parentErr := parent.Err(); parentErr != nil {
		return parentErr
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("upstream attempt timed out: %w", context.DeadlineExceeded)
	}
	return err
}

// streamBody ties the attempt context to the lifetime of a streaming body.
type streamBody struct {
	io.ReadCloser
	cancel context.CancelFunc
	once   sync.Once
	err    error
}

func (b *streamBody) Close() error {
	b.once.Do(func() {
		b.err = b.ReadCloser.Close()
		b.cancel()
	})
	return b.err
}

func newTransport(proxyURL string) (*http.Transport, error) {
	base, _ := http.DefaultTransport.(*http.Transport)
	var transport *http.Transport
	if base != nil {
		transport = base.Clone()
	} else {
		transport = &http.Transport{}
	}
	transport.MaxIdleConnsPerHost = 32
	transport.IdleConnTimeout = 90 * time.Second

	proxyURL = strings.TrimSpace(proxyURL)
	if proxyURL == "" {
		return transport, nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, &config.ConfigurationError{Field: "proxy-url", Reason: err.Error()}
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		transport.Proxy = http.ProxyURL(u)
	case "socks5", "socks5h":
		var auth *proxy.Auth
		if u.User != nil {
			password, _ := u.User.Password()
			auth = &proxy.Auth{User: u.User.Username(), Password: password}
		}
		dialer, errDialer := proxy.SOCKS5("tcp", u.Host, auth, proxy.Direct)
		if errDialer != nil {
			return nil, &config.ConfigurationError{Field: "proxy-url", Reason: errDialer.Error()}
		}
		transport.Proxy = nil
		if contextDialer, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = contextDialer.DialContext
		} else {
			transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	default:
		return nil, &config.ConfigurationError{Field: "proxy-url", Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	return transport, nil
}
