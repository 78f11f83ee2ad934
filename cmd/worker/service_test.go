package main

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/hookrelay/pkg/config"
	"github.com/angelmondragon/hookrelay/pkg/logger"
)

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

type stubCloser struct{ closed atomic.Bool }

func (c *stubCloser) Close() error {
	c.closed.Store(true)
	return nil
}

type stubListener struct {
	msgs   chan *goredis.Message
	closer *stubCloser
	err    error
}

func (l *stubListener) Listen(context.Context, string) (<-chan *goredis.Message, io.Closer, error) {
	if l.err != nil {
		return nil, nil, l.err
	}
	return l.msgs, l.closer, nil
}

type stubLoop struct {
	wakes chan struct{}
	runs  atomic.Int32
}

func (l *stubLoop) Run(ctx context.Context) error {
	l.runs.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func (l *stubLoop) Wake() {
	select {
	case l.wakes <- struct{}{}:
	default:
	}
}

func testService(t *testing.T, db pinger, listener wakeListener, loop dispatchLoop) *Service {
	t.Helper()
	svc, err := NewService(ServiceParams{
		Config:   &config.Config{Worker: config.WorkerConfig{NotifyChannel: "webhook:new"}},
		Logger:   logger.New(logger.Options{ServiceName: "worker-test", Output: io.Discard}),
		DB:       db,
		Redis:    stubPinger{},
		Listener: listener,
		Worker:   loop,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestServiceForwardsWakeMessages(t *testing.T) {
	listener := &stubListener{msgs: make(chan *goredis.Message, 1), closer: &stubCloser{}}
	loop := &stubLoop{wakes: make(chan struct{}, 1)}
	svc := testService(t, stubPinger{}, listener, loop)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	listener.msgs <- &goredis.Message{Channel: "webhook:new", Payload: "new"}
	select {
	case <-loop.wakes:
	case <-time.After(2 * time.Second):
		t.Fatal("wake message was not forwarded")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !listener.closer.closed.Load() {
		t.Fatal("subscription should be closed on shutdown")
	}
}

func TestServiceRunsWithoutWakeSubscription(t *testing.T) {
	listener := &stubListener{err: errors.New("pubsub down")}
	loop := &stubLoop{wakes: make(chan struct{}, 1)}
	svc := testService(t, stubPinger{}, listener, loop)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := svc.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if loop.runs.Load() != 1 {
		t.Fatal("dispatch loop should still run")
	}
}

func TestServiceFailsReadiness(t *testing.T) {
	loop := &stubLoop{wakes: make(chan struct{}, 1)}
	svc := testService(t, stubPinger{err: errors.New("db down")}, &stubListener{}, loop)

	if err := svc.Run(context.Background()); err == nil {
		t.Fatal("expected readiness error")
	}
	if loop.runs.Load() != 0 {
		t.Fatal("dispatch loop must not start when dependencies are down")
	}
}
