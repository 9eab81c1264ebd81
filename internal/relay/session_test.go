package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type countingBody struct {
	io.Reader
	closes atomic.Int32
}

func (b *countingBody) Close() error {
	b.closes.Add(1)
	return nil
}

// scriptedReader returns one scripted read per call, then err.
type scriptedReader struct {
	reads [][]byte
	err   error
}

func (r *scriptedReader) Read(p []byte) (int, error) {
	if len(r.reads) == 0 {
		return 0, r.err
	}
	n := copy(p, r.reads[0])
	r.reads = r.reads[1:]
	return n, nil
}

func drain(t *testing.T, data <-chan []byte, errs <-chan error) ([]byte, error) {
	t.Helper()
	var out bytes.Buffer
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-data:
			if !ok {
				return out.Bytes(), <-errs
			}
			out.Write(chunk)
		case <-timeout:
			t.Fatalf("relay did not finish")
		}
	}
}

func TestSessionForwardsChunksInOrder(t *testing.T) {
	t.Parallel()

	events := []string{
		"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n",
		"data: [DONE]\n\n",
	}
	reader := &scriptedReader{err: io.EOF}
	for _, e := range events {
		reader.reads = append(reader.reads, []byte(e))
	}
	body := &countingBody{Reader: reader}
	s := New(body)

	data, errs := s.Chunks(context.Background())
	var got []string
	for chunk := range data {
		got = append(got, string(chunk))
	}
	if err := <-errs; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Join(got, "|") != strings.Join(events, "|") {
		t.Fatalf("chunks = %q", got)
	}
	if body.closes.Load() != 1 {
		t.Fatalf("body closed %d times, want 1", body.closes.Load())
	}
	if s.Forwarded() != int64(len(strings.Join(events, ""))) {
		t.Fatalf("forwarded = %d", s.Forwarded())
	}
	_ = s.Close()
	if body.closes.Load() != 1 {
		t.Fatalf("explicit Close after EOF closed again")
	}
}

func TestSessionByteIdenticalLargeBody(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("0123456789abcdef"), 10000)
	body := &countingBody{Reader: bytes.NewReader(payload)}
	s := New(body)

	data, errs := s.Chunks(context.Background())
	got, err := drain(t, data, errs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("relayed %d bytes, want %d identical bytes", len(got), len(payload))
	}
}

func TestSessionChunkSizeCap(t *testing.T) {
	t.Parallel()

	body := &countingBody{Reader: bytes.NewReader(bytes.Repeat([]byte("x"), 100))}
	s := New(body, WithChunkSize(16))
	data, _ := s.Chunks(context.Background())
	for chunk := range data {
		if len(chunk) > 16 {
			t.Fatalf("chunk of %d bytes exceeds cap", len(chunk))
		}
	}
}

func TestSessionMidStreamError(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset by peer")
	body := &countingBody{Reader: &scriptedReader{reads: [][]byte{[]byte("data: partial\n\n")}, err: boom}}
	s := New(body)

	data, errs := s.Chunks(context.Background())
	got, err := drain(t, data, errs)
	if string(got) != "data: partial\n\n" {
		t.Fatalf("forwarded = %q", got)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if body.closes.Load() != 1 {
		t.Fatalf("body closed %d times", body.closes.Load())
	}
}

func TestSessionCancellationClosesBlockedBody(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	defer pw.Close()
	s := New(pr)

	ctx, cancel := context.WithCancel(context.Background())
	data, errs := s.Chunks(ctx)

	go func() { _, _ = pw.Write([]byte("data: first\n\n")) }()
	first := <-data
	if string(first) != "data: first\n\n" {
		t.Fatalf("first chunk = %q", first)
	}

	// Nothing else is written: the reader is parked until cancellation closes it.
	cancel()
	select {
	case _, ok := <-data:
		if ok {
			t.Fatalf("unexpected chunk after cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("relay did not stop after cancellation")
	}
	if err := <-errs; err != nil {
		t.Fatalf("cancellation should not surface as a stream error: %v", err)
	}
	if _, err := pw.Write([]byte("late")); !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("upstream body still open: %v", err)
	}
}

func TestSessionTapSeesEveryChunk(t *testing.T) {
	t.Parallel()

	body := &countingBody{Reader: strings.NewReader("data: a\n\ndata: b\n\n")}
	var tapped bytes.Buffer
	s := New(body, WithTap(func(chunk []byte) { tapped.Write(chunk) }))

	data, errs := s.Chunks(context.Background())
	got, err := drain(t, data, errs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tapped.String() != string(got) {
		t.Fatalf("tap saw %q, caller saw %q", tapped.String(), got)
	}
}

func TestSessionChunksOnlyOnce(t *testing.T) {
	t.Parallel()

	s := New(&countingBody{Reader: strings.NewReader("x")})
	data, errs := s.Chunks(context.Background())
	for range data {
	}
	<-errs

	data2, errs2 := s.Chunks(context.Background())
	if _, ok := <-data2; ok {
		t.Fatalf("second Chunks call must not yield data")
	}
	if err := <-errs2; err == nil {
		t.Fatalf("second Chunks call must report an error")
	}
}
