package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/keyrotor/keyrotor/internal/credential"
	"github.com/keyrotor/keyrotor/internal/runtime/executor"
)

// scriptedClient answers each credential with a fixed outcome and records calls.
type scriptedClient struct {
	mu       sync.Mutex
	byCred   map[string]executor.Outcome
	fallback executor.Outcome
	calls    []string
	payloads [][]byte
	onSend   func(credential string)
}

func (c *scriptedClient) Send(_ context.Context, payload []byte, credential string, _ bool) executor.Outcome {
	c.mu.Lock()
	c.calls = append(c.calls, credential)
	c.payloads = append(c.payloads, payload)
	out, ok := c.byCred[credential]
	hook := c.onSend
	c.mu.Unlock()
	if hook != nil {
		hook(credential)
	}
	if !ok {
		return c.fallback
	}
	return out
}

func (c *scriptedClient) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type recordingObserver struct {
	mu       sync.Mutex
	attempts []Attempt
	results  []Result
}

func (o *recordingObserver) ObserveAttempt(_ context.Context, a Attempt) {
	o.mu.Lock()
	o.attempts = append(o.attempts, a)
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveResult(_ context.Context, r Result, _ bool) {
	o.mu.Lock()
	o.results = append(o.results, r)
	o.mu.Unlock()
}

func ok(body string) executor.Outcome {
	return executor.Outcome{Kind: executor.OutcomeSuccess, StatusCode: http.StatusOK, Body: []byte(body)}
}

func rateLimited(body string) executor.Outcome {
	return executor.Outcome{Kind: executor.OutcomeRateLimited, StatusCode: http.StatusTooManyRequests, Body: []byte(body), Detail: body}
}

func upstreamErr(status int, body string) executor.Outcome {
	return executor.Outcome{Kind: executor.OutcomeUpstreamError, StatusCode: status, Body: []byte(body), Detail: body}
}

func transportErr(msg string) executor.Outcome {
	return executor.Outcome{Kind: executor.OutcomeTransportError, StatusCode: executor.TransportErrorStatus, Detail: msg, Err: errors.New(msg)}
}

func newPool(t *testing.T, creds ...string) *credential.Pool {
	t.Helper()
	pool, err := credential.NewPool(creds)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	return pool
}

func TestDispatch_RateLimitThenSuccess(t *testing.T) {
	client := &scriptedClient{byCred: map[string]executor.Outcome{
		"k0": rateLimited(`{"error":"slow down"}`),
		"k1": ok(`{"ok":true}`),
	}}
	obs := &recordingObserver{}
	d := New(newPool(t, "k0", "k1", "k2"), client, obs)

	res := d.Dispatch(context.Background(), []byte(`{"model":"m"}`), false)
	if !res.Completed {
		t.Fatalf("expected completion, got %+v", res)
	}
	if res.KeyIndex != 1 || res.Attempts != 2 {
		t.Fatalf("key index = %d attempts = %d, want 1 and 2", res.KeyIndex, res.Attempts)
	}
	if string(res.Outcome.Body) != `{"ok":true}` {
		t.Fatalf("body = %s", res.Outcome.Body)
	}
	if got := client.Calls(); strings.Join(got, ",") != "k0,k1" {
		t.Fatalf("calls = %v", got)
	}
	if len(obs.attempts) != 2 || obs.attempts[0].Kind != executor.OutcomeRateLimited || obs.attempts[1].Number != 2 {
		t.Fatalf("attempts observed = %+v", obs.attempts)
	}
	if len(obs.results) != 1 || !obs.results[0].Completed {
		t.Fatalf("results observed = %+v", obs.results)
	}

	// The next dispatch starts one past the previous reservation.
	client.calls = nil
	d.Dispatch(context.Background(), []byte(`{}`), false)
	if got := client.Calls(); len(got) == 0 || got[0] != "k1" {
		t.Fatalf("second dispatch calls = %v, want first k1", got)
	}
}

func TestDispatch_AllFailLastFailureWins(t *testing.T) {
	client := &scriptedClient{byCred: map[string]executor.Outcome{
		"k0": upstreamErr(http.StatusInternalServerError, "boom"),
		"k1": upstreamErr(http.StatusBadGateway, "bad gateway"),
	}}
	d := New(newPool(t, "k0", "k1"), client)

	res := d.Dispatch(context.Background(), []byte(`{}`), false)
	if res.Completed {
		t.Fatalf("expected exhaustion")
	}
	if res.Attempts != 2 || len(client.Calls()) != 2 {
		t.Fatalf("attempts = %d calls = %v", res.Attempts, client.Calls())
	}
	if res.LastStatus != http.StatusBadGateway {
		t.Fatalf("last status = %d, want 502", res.LastStatus)
	}
	want := "Error with key index 1: Status 502, Response: bad gateway"
	if res.LastDetail != want {
		t.Fatalf("last detail = %q, want %q", res.LastDetail, want)
	}
}

func TestDispatch_DetailFormats(t *testing.T) {
	cases := []struct {
		name    string
		outcome executor.Outcome
		status  int
		detail  string
	}{
		{"rate limited", rateLimited("quota"), 429, "Rate limit exceeded for key index 0. Response: quota"},
		{"upstream", upstreamErr(401, "bad key"), 401, "Error with key index 0: Status 401, Response: bad key"},
		{"transport", transportErr("dial tcp: refused"), 503, "Request error with key index 0: dial tcp: refused"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := &scriptedClient{fallback: tc.outcome}
			res := New(newPool(t, "only"), client).Dispatch(context.Background(), []byte(`{}`), true)
			if res.Completed {
				t.Fatalf("expected exhaustion")
			}
			if res.LastStatus != tc.status || res.LastDetail != tc.detail {
				t.Fatalf("got %d %q, want %d %q", res.LastStatus, res.LastDetail, tc.status, tc.detail)
			}
		})
	}
}

func TestDispatch_JthSuccessMakesJCalls(t *testing.T) {
	creds := []string{"a", "b", "c", "d", "e"}
	for j := 1; j <= len(creds); j++ {
		byCred := map[string]executor.Outcome{}
		for i, c := range creds {
			if i == j-1 {
				byCred[c] = ok("done")
			} else {
				byCred[c] = transportErr("reset")
			}
		}
		client := &scriptedClient{byCred: byCred}
		res := New(newPool(t, creds...), client).Dispatch(context.Background(), []byte(`{}`), false)
		if !res.Completed || len(client.Calls()) != j {
			t.Fatalf("j=%d: completed=%v calls=%v", j, res.Completed, client.Calls())
		}
	}
}

func TestDispatch_VisitsEachCredentialOnceFromStart(t *testing.T) {
	client := &scriptedClient{fallback: rateLimited("x")}
	pool := newPool(t, "k0", "k1", "k2", "k3")
	pool.ReserveStart()
	pool.ReserveStart()

	New(pool, client).Dispatch(context.Background(), []byte(`{}`), false)
	if got := strings.Join(client.Calls(), ","); got != "k2,k3,k0,k1" {
		t.Fatalf("rotation order = %s", got)
	}
}

func TestDispatch_PayloadForwardedVerbatim(t *testing.T) {
	payload := []byte(`{"model":"m",  "messages":[]}`)
	client := &scriptedClient{fallback: upstreamErr(500, "x")}
	New(newPool(t, "a", "b", "c"), client).Dispatch(context.Background(), payload, false)
	if len(client.payloads) != 3 {
		t.Fatalf("payloads = %d", len(client.payloads))
	}
	for i, p := range client.payloads {
		if string(p) != string(payload) {
			t.Fatalf("attempt %d payload = %s", i, p)
		}
	}
}

func TestDispatch_CancelledContextStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &scriptedClient{fallback: transportErr("context canceled")}
	client.onSend = func(string) { cancel() }

	res := New(newPool(t, "a", "b", "c"), client).Dispatch(ctx, []byte(`{}`), true)
	if res.Completed {
		t.Fatalf("expected exhaustion")
	}
	if len(client.Calls()) != 1 {
		t.Fatalf("calls = %v, want exactly one", client.Calls())
	}
	if res.LastStatus != StatusClientClosedRequest {
		t.Fatalf("status = %d, want 499", res.LastStatus)
	}
}

func TestDispatch_AlreadyCancelledMakesNoCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := &scriptedClient{fallback: ok("x")}
	pool := newPool(t, "a", "b")

	res := New(pool, client).Dispatch(ctx, []byte(`{}`), false)
	if res.Completed || len(client.Calls()) != 0 {
		t.Fatalf("completed=%v calls=%v", res.Completed, client.Calls())
	}
	// The reservation still advanced the cursor.
	if next := pool.ReserveStart(); next != 1 {
		t.Fatalf("next start = %d, want 1", next)
	}
}

func TestDispatch_StreamingSuccessHandsOverStream(t *testing.T) {
	body := io.NopCloser(strings.NewReader("data: {}\n\n"))
	client := &scriptedClient{byCred: map[string]executor.Outcome{
		"s": {Kind: executor.OutcomeSuccess, StatusCode: 200, Stream: body, Header: http.Header{"Content-Type": {"text/event-stream"}}},
	}}
	res := New(newPool(t, "s"), client).Dispatch(context.Background(), []byte(`{"stream":true}`), true)
	if !res.Completed || res.Outcome.Stream == nil {
		t.Fatalf("expected stream handover, got %+v", res)
	}
	res.Outcome.Release()
}

func TestDispatch_ConcurrentRequestsStartAtDistinctIndices(t *testing.T) {
	const n = 4
	pool := newPool(t, "a", "b", "c", "d")
	var mu sync.Mutex
	firsts := map[string]int{}
	client := &firstCallClient{record: func(cred string) {
		mu.Lock()
		firsts[cred]++
		mu.Unlock()
	}}
	d := New(pool, client)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Dispatch(context.Background(), []byte(`{}`), false)
		}()
	}
	wg.Wait()
	if len(firsts) != n {
		t.Fatalf("first credentials = %v, want %d distinct", firsts, n)
	}
}

type firstCallClient struct {
	record func(string)
}

func (c *firstCallClient) Send(_ context.Context, _ []byte, credential string, _ bool) executor.Outcome {
	c.record(credential)
	return ok("{}")
}
