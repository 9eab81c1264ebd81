// Package relay forwards an upstream streaming body to the caller chunk by
// chunk and guarantees the body is released exactly once.
package relay

import (
	"context"
	"errors"
	"io"
	"sync"
)

// DefaultChunkSize is the maximum number of bytes forwarded per read.
const DefaultChunkSize = 32 * 1024

// Tap observes every forwarded chunk. It must not retain or modify the slice.
type Tap func(chunk []byte)

// Option configures a Session.
type Option func(*Session)

// WithTap registers an observer for forwarded chunks.
func WithTap(tap Tap) Option {
	return func(s *Session) {
		if tap != nil {
			s.taps = append(s.taps, tap)
		}
	}
}

// WithChunkSize overrides the per-read buffer size.
func WithChunkSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// Session owns one upstream streaming body.
type Session struct {
	body      io.ReadCloser
	chunkSize int
	taps      []Tap

	closeOnce sync.Once
	closeErr  error

	mu        sync.Mutex
	forwarded int64
	started   bool
}

// New wraps body. The session takes ownership: callers must not close body directly.
func New(body io.ReadCloser, opts ...Option) *Session {
	s := &Session{body: body, chunkSize: DefaultChunkSize}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Chunks starts forwarding. The data channel yields non-empty chunks in order
// and is closed on EOF, read error or ctx cancellation; a mid-stream read error
// is delivered on the error channel. Chunks may be called only once.
func (s *Session) Chunks(ctx context.Context) (<-chan []byte, <-chan error) {
	if ctx == nil {
		ctx = context.Background()
	}
	dataChan := make(chan []byte)
	errChan := make(chan error, 1)

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		close(dataChan)
		errChan <- errors.New("relay: session already started")
		close(errChan)
		return dataChan, errChan
	}
	s.started = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			// Unblocks a Read parked on the upstream connection.
			_ = s.Close()
		case <-done:
		}
	}()

	go func() {
		defer close(errChan)
		defer close(dataChan)
		defer close(done)
		defer func() { _ = s.Close() }()

		buf := make([]byte, s.chunkSize)
		for {
			n, err := s.body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case <-ctx.Done():
					return
				case dataChan <- chunk:
				}
				s.mu.Lock()
				s.forwarded += int64(n)
				s.mu.Unlock()
				for _, tap := range s.taps {
					tap(chunk)
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) || ctx.Err() != nil {
					return
				}
				errChan <- err
				return
			}
		}
	}()
	return dataChan, errChan
}

// Forwarded returns the number of bytes handed to the caller so far.
func (s *Session) Forwarded() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forwarded
}

// Close releases the upstream body. It is safe to call multiple times.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.body != nil {
			s.closeErr = s.body.Close()
		}
	})
	return s.closeErr
}
