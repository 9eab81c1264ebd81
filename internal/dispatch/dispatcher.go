// Package dispatch drives one inbound request through the credential pool,
// retrying each failed attempt with the next credential until one succeeds or
// every credential has been tried once.
package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/keyrotor/keyrotor/internal/credential"
	"github.com/keyrotor/keyrotor/internal/logging"
	"github.com/keyrotor/keyrotor/internal/runtime/executor"
	"github.com/keyrotor/keyrotor/internal/util"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultExhaustedStatus is reported when no attempt recorded a failure.
	DefaultExhaustedStatus = http.StatusInternalServerError
	// DefaultExhaustedDetail pairs with DefaultExhaustedStatus.
	DefaultExhaustedDetail = "All API keys failed."
	// StatusClientClosedRequest is reported when the caller went away mid-dispatch.
	StatusClientClosedRequest = 499
)

// Result is the terminal state of one dispatch.
type Result struct {
	// Completed is true when an attempt succeeded; Outcome then holds it.
	Completed bool
	Outcome   executor.Outcome
	KeyIndex  int
	Attempts  int

	// LastStatus and LastDetail describe the most recent failure of an exhausted dispatch.
	LastStatus int
	LastDetail string
}

// Attempt describes one finished upstream attempt.
type Attempt struct {
	KeyIndex int
	// Number is the 1-based position of the attempt within its dispatch.
	Number   int
	Stream   bool
	Kind     executor.OutcomeKind
	Status   int
	Duration time.Duration
}

// Observer receives attempt and result notifications. Implementations must not block.
type Observer interface {
	ObserveAttempt(ctx context.Context, attempt Attempt)
	ObserveResult(ctx context.Context, result Result, stream bool)
}

// Dispatcher owns no per-request state; one instance serves all requests.
type Dispatcher struct {
	pool      *credential.Pool
	client    executor.Client
	observers []Observer
}

// New returns a dispatcher over pool using client for attempts.
func New(pool *credential.Pool, client executor.Client, observers ...Observer) *Dispatcher {
	obs := make([]Observer, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			obs = append(obs, o)
		}
	}
	return &Dispatcher{pool: pool, client: client, observers: obs}
}

// Pool exposes the credential pool.
func (d *Dispatcher) Pool() *credential.Pool { return d.pool }

// Dispatch tries up to N credentials sequentially, starting at the index
// reserved from the pool. payload is forwarded verbatim to every attempt.
// On a streaming success the caller owns Result.Outcome.Stream.
func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte, wantStream bool) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	entry := logging.WithContext(ctx)
	n := d.pool.Len()
	start := d.pool.ReserveStart()

	lastStatus := DefaultExhaustedStatus
	lastDetail := DefaultExhaustedDetail

	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return d.finish(ctx, cancelledResult(err, i), wantStream)
		}
		idx := (start + i) % n
		entry.WithFields(log.Fields{"key_index": idx, "attempt": i + 1, "stream": wantStream}).Debug("dispatching upstream attempt")

		begin := time.Now()
		outcome := d.client.Send(ctx, payload, d.pool.At(idx), wantStream)
		d.observeAttempt(ctx, Attempt{
			KeyIndex: idx,
			Number:   i + 1,
			Stream:   wantStream,
			Kind:     outcome.Kind,
			Status:   outcome.StatusCode,
			Duration: time.Since(begin),
		})

		if outcome.Success() {
			entry.WithFields(log.Fields{"key_index": idx, "status": outcome.StatusCode}).Info("upstream attempt succeeded")
			return d.finish(ctx, Result{
				Completed: true,
				Outcome:   outcome,
				KeyIndex:  idx,
				Attempts:  i + 1,
			}, wantStream)
		}

		if err := ctx.Err(); err != nil {
			return d.finish(ctx, cancelledResult(err, i+1), wantStream)
		}

		lastStatus = outcome.StatusCode
		lastDetail = failureDetail(idx, outcome)
		fields := log.Fields{"key_index": idx, "status": outcome.StatusCode, "outcome": outcome.Kind.String()}
		switch outcome.Kind {
		case executor.OutcomeRateLimited:
			entry.WithFields(fields).Warn("upstream rate limited, rotating credential")
		default:
			entry.WithFields(fields).Warnf("upstream attempt failed: %s", util.TruncateForLog(outcome.Detail, 512))
		}
	}

	entry.WithFields(log.Fields{"status": lastStatus, "attempts": n}).Error("all credentials failed")
	return d.finish(ctx, Result{
		Attempts:   n,
		LastStatus: lastStatus,
		LastDetail: lastDetail,
	}, wantStream)
}

func (d *Dispatcher) finish(ctx context.Context, res Result, stream bool) Result {
	for _, o := range d.observers {
		o.ObserveResult(ctx, res, stream)
	}
	return res
}

func (d *Dispatcher) observeAttempt(ctx context.Context, a Attempt) {
	for _, o := range d.observers {
		o.ObserveAttempt(ctx, a)
	}
}

func cancelledResult(err error, attempts int) Result {
	return Result{
		Attempts:   attempts,
		LastStatus: StatusClientClosedRequest,
		LastDetail: err.Error(),
	}
}

func failureDetail(idx int, o executor.Outcome) string {
	switch o.Kind {
	case executor.OutcomeRateLimited:
		return fmt.Sprintf("Rate limit exceeded for key index %d. Response: %s", idx, o.Detail)
	case executor.OutcomeTransportError:
		return fmt.Sprintf("Request error with key index %d: %s", idx, o.Detail)
	default:
		return fmt.Sprintf("Error with key index %d: Status %d, Response: %s", idx, o.StatusCode, o.Detail)
	}
}
