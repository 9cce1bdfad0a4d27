package broker

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestBroker(t *testing.T) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	b := New(Options{Addr: mr.Addr(), Prefix: "test", WatchInterval: 20 * time.Millisecond})
	t.Cleanup(func() { _ = b.Close() })
	return b, mr
}

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *logBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *logBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

func newLoggedBroker(t *testing.T) (*Broker, *logBuffer) {
	t.Helper()
	mr := miniredis.RunT(t)
	logs := &logBuffer{}
	b := New(Options{
		Addr:          mr.Addr(),
		Prefix:        "test",
		WatchInterval: 20 * time.Millisecond,
		Logger:        slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	t.Cleanup(func() { _ = b.Close() })
	return b, logs
}

func recv(t *testing.T, ch <-chan []byte) (string, bool) {
	t.Helper()
	select {
	case v, ok := <-ch:
		return string(v), ok
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for chunk")
		return "", false
	}
}

func drain(t *testing.T, ch <-chan []byte) []string {
	t.Helper()
	var out []string
	for {
		v, ok := recv(t, ch)
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestStartForwardsInOrderAndMarksDone(t *testing.T) {
	b, mr := newTestBroker(t)
	producer := make(chan []byte, 3)
	producer <- []byte("a")
	producer <- []byte("b")
	producer <- []byte("c")
	close(producer)

	live, err := b.Start(context.Background(), "s1", producer)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	got := drain(t, live)
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected chunks: %v", got)
	}
	waitFor(t, func() bool {
		v, err := mr.Get("test:rs:state:s1")
		return err == nil && v == stateDone
	})
	active, err := b.IsActive(context.Background(), "s1")
	if err != nil || active {
		t.Fatalf("expected inactive after finish, got %v %v", active, err)
	}
}

func TestStartRejectsDuplicateStreamID(t *testing.T) {
	b, _ := newTestBroker(t)
	producer := make(chan []byte)
	defer close(producer)
	if _, err := b.Start(context.Background(), "dup", producer); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if _, err := b.Start(context.Background(), "dup", make(chan []byte)); !errors.Is(err, ErrStreamExists) {
		t.Fatalf("expected ErrStreamExists, got %v", err)
	}
}

func TestResumeJoinsLiveTailWithoutReplay(t *testing.T) {
	b, _ := newTestBroker(t)
	producer := make(chan []byte)
	live, err := b.Start(context.Background(), "s2", producer)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	producer <- []byte("before")
	if v, _ := recv(t, live); v != "before" {
		t.Fatalf("unexpected live chunk %q", v)
	}

	resumed, err := b.Resume(context.Background(), "s2", nil)
	if err != nil || resumed == nil {
		t.Fatalf("resume: %v %v", resumed, err)
	}
	if b.Subscribers() != 1 {
		t.Fatalf("expected one subscriber, got %d", b.Subscribers())
	}

	producer <- []byte("after-1")
	producer <- []byte("after-2")
	close(producer)
	if got := drain(t, live); len(got) != 2 {
		t.Fatalf("live view lost chunks: %v", got)
	}
	got := drain(t, resumed)
	if len(got) != 2 || got[0] != "after-1" || got[1] != "after-2" {
		t.Fatalf("resumed reader got %v", got)
	}
	waitFor(t, func() bool { return b.Subscribers() == 0 })
}

func TestReaderDetachDoesNotStopPublishing(t *testing.T) {
	b, mr := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	producer := make(chan []byte)
	live, err := b.Start(ctx, "s3", producer)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	resumed, err := b.Resume(context.Background(), "s3", nil)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}

	cancel()
	producer <- []byte("x")
	producer <- []byte("y")
	close(producer)

	drain(t, live)
	got := drain(t, resumed)
	if len(got) != 2 || got[0] != "x" || got[1] != "y" {
		t.Fatalf("generation stopped with the reader: %v", got)
	}
	waitFor(t, func() bool {
		v, err := mr.Get("test:rs:state:s3")
		return err == nil && v == stateDone
	})
}

func TestDetachLoggedOnlyWhenReaderLeaves(t *testing.T) {
	b, logs := newLoggedBroker(t)
	producer := make(chan []byte, 1)
	producer <- []byte("a")
	close(producer)
	live, err := b.Start(context.Background(), "done", producer)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	drain(t, live)
	waitFor(t, func() bool { return strings.Contains(logs.String(), "stream published") })
	if strings.Contains(logs.String(), "detached") {
		t.Fatalf("normal completion logged a detach: %s", logs.String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	producer = make(chan []byte)
	live, err = b.Start(ctx, "left", producer)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()
	producer <- []byte("x")
	close(producer)
	drain(t, live)
	waitFor(t, func() bool { return strings.Contains(logs.String(), "stream_id=left") && strings.Contains(logs.String(), "detached") })
}

func TestResumeInactiveUsesFallbackOrNil(t *testing.T) {
	b, _ := newTestBroker(t)
	stream, err := b.Resume(context.Background(), "missing", nil)
	if err != nil || stream != nil {
		t.Fatalf("expected nil stream, got %v %v", stream, err)
	}

	stream, err = b.Resume(context.Background(), "missing", func() <-chan []byte {
		ch := make(chan []byte, 1)
		ch <- []byte("empty")
		close(ch)
		return ch
	})
	if err != nil {
		t.Fatalf("resume with fallback: %v", err)
	}
	if got := drain(t, stream); len(got) != 1 || got[0] != "empty" {
		t.Fatalf("unexpected fallback output: %v", got)
	}
}

func TestSubscriberClosesWhenStateExpires(t *testing.T) {
	b, mr := newTestBroker(t)
	producer := make(chan []byte)
	defer close(producer)
	if _, err := b.Start(context.Background(), "s4", producer); err != nil {
		t.Fatalf("start: %v", err)
	}
	resumed, err := b.Resume(context.Background(), "s4", nil)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	mr.Del("test:rs:state:s4")
	if _, ok := recv(t, resumed); ok {
		t.Fatalf("expected subscriber to close")
	}
}

func TestCloseDropsSubscriptions(t *testing.T) {
	b, _ := newTestBroker(t)
	producer := make(chan []byte)
	defer close(producer)
	if _, err := b.Start(context.Background(), "s5", producer); err != nil {
		t.Fatalf("start: %v", err)
	}
	resumed, err := b.Resume(context.Background(), "s5", nil)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := recv(t, resumed); ok {
		t.Fatalf("expected subscriber to close")
	}
	if b.Subscribers() != 0 {
		t.Fatalf("registry not emptied")
	}
	if _, err := b.Resume(context.Background(), "s5", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestPassthroughDrainsAfterReaderLeaves(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	producer := make(chan []byte)
	out := Passthrough(ctx, producer)
	producer <- []byte("one")
	if v, _ := recv(t, out); v != "one" {
		t.Fatalf("unexpected chunk %q", v)
	}
	cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		producer <- []byte("two")
		producer <- []byte("three")
		close(producer)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("producer blocked after reader left")
	}
}
