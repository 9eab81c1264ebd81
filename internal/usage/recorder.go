package usage

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/keyrotor/keyrotor/internal/dispatch"
	"github.com/keyrotor/keyrotor/internal/policy"
	log "github.com/sirupsen/logrus"
)

const (
	recorderQueueSize = 1024
	recorderWriteTime = 5 * time.Second
)

// Sink is the persistence surface the Recorder writes to.
type Sink interface {
	AddUsage(ctx context.Context, accessToken, model, dayKey string, delta DailyUsageRow) error
	AddAttempt(ctx context.Context, keyIndex int, dayKey, outcome string) error
}

// Request identifies the inbound request a usage record belongs to.
type Request struct {
	AccessToken string
	Model       string
	Payload     []byte
}

// Recorder turns finished requests and upstream attempts into store writes.
// Writes happen on a single background goroutine so request paths never wait
// on the database. It also implements dispatch.Observer.
type Recorder struct {
	sink Sink
	now  func() time.Time

	jobs chan func(context.Context)
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewRecorder starts the background writer. Close must be called to flush it.
func NewRecorder(sink Sink) *Recorder {
	r := &Recorder{
		sink: sink,
		now:  time.Now,
		jobs: make(chan func(context.Context), recorderQueueSize),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for job := range r.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), recorderWriteTime)
		job(ctx)
		cancel()
	}
}

// Close drains pending writes and stops the writer.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.jobs)
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Recorder) enqueue(job func(context.Context)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.jobs <- job:
	default:
		log.Warn("usage recorder: queue full, dropping record")
	}
}

// ObserveAttempt counts one upstream attempt against its credential.
func (r *Recorder) ObserveAttempt(_ context.Context, a dispatch.Attempt) {
	if r == nil || r.sink == nil {
		return
	}
	day := policy.DayKey(r.now())
	outcome := a.Kind.String()
	r.enqueue(func(ctx context.Context) {
		if err := r.sink.AddAttempt(ctx, a.KeyIndex, day, outcome); err != nil {
			log.Warnf("usage recorder: %v", err)
		}
	})
}

// ObserveResult is a no-op; request usage is recorded by the HTTP layer,
// which knows the access token.
func (r *Recorder) ObserveResult(context.Context, dispatch.Result, bool) {}

// RecordBuffered records a finished non-streaming request. body may be encoded
// with encoding; it is decoded only for inspection.
func (r *Recorder) RecordBuffered(req Request, body []byte, encoding string, failed bool) {
	if r == nil || r.sink == nil {
		return
	}
	var detail Detail
	if !failed && len(body) > 0 {
		decoded, err := Decode(body, encoding)
		if err != nil {
			log.Debugf("usage recorder: %v", err)
		} else {
			detail = ParseUsage(decoded)
		}
	}
	r.record(req, detail, failed)
}

// NewStreamTap returns a collector for a relayed stream. Feed it every chunk
// with Observe and call Finish once the stream ends.
func (r *Recorder) NewStreamTap(req Request, encoding string) *StreamTap {
	encoding = strings.ToLower(strings.TrimSpace(encoding))
	if encoding == "identity" {
		encoding = ""
	}
	return &StreamTap{recorder: r, req: req, encoding: encoding}
}

func (r *Recorder) record(req Request, detail Detail, failed bool) {
	token := strings.TrimSpace(req.AccessToken)
	if token == "" {
		token = AnonymousToken
	}
	model := policy.NormaliseModelKey(req.Model)
	if model == "" {
		model = "unknown"
	}
	if !failed && !detail.Found {
		if estimate := EstimatePromptTokens(req.Payload); estimate > 0 {
			detail.PromptTokens = estimate
			detail.TotalTokens = estimate
			detail.Estimated = true
		}
	}
	delta := DailyUsageRow{
		Requests:         1,
		PromptTokens:     detail.PromptTokens,
		CompletionTokens: detail.CompletionTokens,
		ReasoningTokens:  detail.ReasoningTokens,
		CachedTokens:     detail.CachedTokens,
		TotalTokens:      detail.TotalTokens,
		CostMicroUSD:     detail.CostMicroUSD,
	}
	if failed {
		delta.FailedRequests = 1
	}
	if detail.Estimated {
		delta.EstimatedRequests = 1
	}
	day := policy.DayKey(r.now())
	r.enqueue(func(ctx context.Context) {
		if err := r.sink.AddUsage(ctx, token, model, day, delta); err != nil {
			log.Warnf("usage recorder: %v", err)
		}
	})
}

// StreamTap extracts usage from a relayed SSE stream without holding the
// whole stream in memory when it is not encoded.
type StreamTap struct {
	recorder *Recorder
	req      Request
	encoding string

	pending []byte
	raw     []byte
	last    Detail
	done    bool
}

// Observe consumes one forwarded chunk. It matches relay.Tap.
func (t *StreamTap) Observe(chunk []byte) {
	if t == nil || t.done {
		return
	}
	if t.encoding != "" {
		if len(t.raw)+len(chunk) <= maxInspectBytes {
			t.raw = append(t.raw, chunk...)
		}
		return
	}
	t.pending = append(t.pending, chunk...)
	for {
		idx := bytes.IndexByte(t.pending, '\n')
		if idx < 0 {
			break
		}
		if d, ok := eventUsage(t.pending[:idx]); ok {
			t.last = d
		}
		t.pending = t.pending[idx+1:]
	}
	if len(t.pending) > maxInspectBytes {
		t.pending = nil
	}
}

// Finish records the stream. failed marks a stream cut short by an upstream error.
func (t *StreamTap) Finish(failed bool) {
	if t == nil || t.done || t.recorder == nil {
		return
	}
	t.done = true
	detail := t.last
	if t.encoding != "" {
		decoded, err := Decode(t.raw, t.encoding)
		if err != nil {
			log.Debugf("usage recorder: %v", err)
		} else {
			detail = LastStreamUsage(decoded)
		}
	} else if d, ok := eventUsage(t.pending); ok {
		detail = d
	}
	t.recorder.record(t.req, detail, failed)
}
