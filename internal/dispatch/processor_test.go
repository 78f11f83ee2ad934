package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/angelmondragon/hookrelay/internal/delivery"
	"github.com/angelmondragon/hookrelay/internal/events"
	"github.com/angelmondragon/hookrelay/internal/queue"
	"github.com/angelmondragon/hookrelay/internal/queue/queuetest"
	"github.com/angelmondragon/hookrelay/internal/subscriptions"
	"github.com/angelmondragon/hookrelay/pkg/config"
	"github.com/angelmondragon/hookrelay/pkg/db/dbtest"
	"github.com/angelmondragon/hookrelay/pkg/db/models"
	"github.com/angelmondragon/hookrelay/pkg/enums"
	"github.com/angelmondragon/hookrelay/pkg/logger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const scheduleKey = "webhook:retry"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type attempt struct {
	url     string
	env     delivery.Envelope
	timeout time.Duration
}

type scriptedDeliverer struct {
	mu       sync.Mutex
	codes    []int
	attempts []attempt
}

func (d *scriptedDeliverer) Deliver(_ context.Context, url string, env delivery.Envelope, timeout time.Duration) (delivery.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts = append(d.attempts, attempt{url: url, env: env, timeout: timeout})
	code := 200
	if len(d.codes) > 0 {
		code = d.codes[0]
		d.codes = d.codes[1:]
	}
	if code == 0 {
		return delivery.Result{}, &delivery.Error{Message: "connection refused"}
	}
	res := delivery.Result{StatusCode: &code, Duration: time.Millisecond}
	if code >= 300 {
		return res, &delivery.Error{StatusCode: &code, Message: "Request failed with status code " + http.StatusText(code)}
	}
	return res, nil
}

type harness struct {
	conn      *gorm.DB
	events    events.Repository
	subs      subscriptions.Repository
	store     *queuetest.Store
	schedule  *queue.DelaySchedule
	deliverer *scriptedDeliverer
	clock     *clock
	processor *Processor
	scheduler *RetryScheduler
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "dispatch-test", Output: io.Discard})
}

func testConfig() *config.Config {
	return &config.Config{
		Delivery: config.DeliveryConfig{FirstAttemptTimeout: 5 * time.Second, RetryTimeout: 10 * time.Second},
		Retry:    config.RetryConfig{BaseDelay: 5 * time.Minute, MaxDelay: 24 * time.Hour, Factor: 3, MaxRetries: 6},
	}
}

func newHarness(t *testing.T, deliverer Deliverer) *harness {
	t.Helper()
	conn := dbtest.Open(t)
	h := &harness{
		conn:   conn,
		events: events.NewRepository(conn),
		subs:   subscriptions.NewRepository(conn),
		store:  queuetest.NewStore(),
		clock:  &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.schedule = queue.NewDelaySchedule(h.store, scheduleKey)
	if deliverer == nil {
		h.deliverer = &scriptedDeliverer{}
		deliverer = h.deliverer
	}
	p, err := NewProcessor(ProcessorParams{
		Config:        testConfig(),
		Logger:        testLogger(),
		Events:        h.events,
		Subscriptions: h.subs,
		Deliverer:     deliverer,
		Schedule:      h.schedule,
		Now:           h.clock.Now,
	})
	require.NoError(t, err)
	h.processor = p
	s, err := NewRetryScheduler(h.schedule, p, testLogger(), h.clock.Now)
	require.NoError(t, err)
	h.scheduler = s
	return h
}

func (h *harness) event(t *testing.T, sub models.Subscription) models.WebhookEvent {
	t.Helper()
	ev := models.WebhookEvent{SubscriptionID: sub.ID, Source: sub.Source, Payload: json.RawMessage(`{"action":"push"}`)}
	require.NoError(t, h.events.Create(context.Background(), &ev))
	return ev
}

func (h *harness) reload(t *testing.T, id uuid.UUID) *models.WebhookEvent {
	t.Helper()
	ev, err := h.events.FindByID(context.Background(), id)
	require.NoError(t, err)
	return ev
}

func (h *harness) scheduled(t *testing.T, id uuid.UUID) (time.Time, bool) {
	t.Helper()
	at, ok, err := h.schedule.DueAt(context.Background(), id)
	require.NoError(t, err)
	return at, ok
}

func TestProcessSuccess(t *testing.T) {
	h := newHarness(t, nil)
	sub := dbtest.Subscription(t, h.conn, uuid.New(), "github", "https://example.com/hook")
	ev := h.event(t, sub)
	h.deliverer.codes = []int{204}

	outcome, err := h.processor.Process(context.Background(), ev.ID, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)

	got := h.reload(t, ev.ID)
	assert.Equal(t, enums.EventStatusSuccess, got.Status)
	require.NotNil(t, got.StatusCode)
	assert.Equal(t, 204, *got.StatusCode)
	assert.Nil(t, got.ErrorMessage)
	assert.NotNil(t, got.ProcessedAt)
	assert.Equal(t, 0, got.RetryCount)

	require.Len(t, h.deliverer.attempts, 1)
	first := h.deliverer.attempts[0]
	assert.Equal(t, "https://example.com/hook", first.url)
	assert.Equal(t, 5*time.Second, first.timeout)
	assert.False(t, first.env.Retry)
	assert.Equal(t, ev.ID, first.env.EventID)
	assert.JSONEq(t, `{"action":"push"}`, string(first.env.Payload))
}

func TestProcessFailureSchedulesRetry(t *testing.T) {
	h := newHarness(t, nil)
	sub := dbtest.Subscription(t, h.conn, uuid.New(), "github", "https://example.com/hook")
	ev := h.event(t, sub)
	h.deliverer.codes = []int{500}

	outcome, err := h.processor.Process(context.Background(), ev.ID, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetry, outcome)

	got := h.reload(t, ev.ID)
	assert.Equal(t, enums.EventStatusRetrying, got.Status)
	require.NotNil(t, got.StatusCode)
	assert.Equal(t, 500, *got.StatusCode)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, 1, got.RetryCount)
	assert.Nil(t, got.ProcessedAt)

	want := h.clock.Now().Add(300 * time.Second)
	require.NotNil(t, got.NextRetryAt)
	assert.WithinDuration(t, want, *got.NextRetryAt, time.Second)
	due, ok := h.scheduled(t, ev.ID)
	require.True(t, ok, "expected retry in delay schedule")
	assert.Equal(t, want.UnixMilli(), due.UnixMilli())
}

func TestProcessTransportFailureHasNoStatusCode(t *testing.T) {
	h := newHarness(t, nil)
	sub := dbtest.Subscription(t, h.conn, uuid.New(), "github", "https://example.com/hook")
	ev := h.event(t, sub)
	h.deliverer.codes = []int{0}

	_, err := h.processor.Process(context.Background(), ev.ID, false)
	require.NoError(t, err)
	got := h.reload(t, ev.ID)
	assert.Equal(t, enums.EventStatusRetrying, got.Status)
	assert.Nil(t, got.StatusCode)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "connection refused", *got.ErrorMessage)
}

func TestRetriesExhaustAfterSixFailures(t *testing.T) {
	h := newHarness(t, nil)
	sub := dbtest.Subscription(t, h.conn, uuid.New(), "github", "https://example.com/hook")
	ev := h.event(t, sub)
	h.deliverer.codes = []int{500, 500, 500, 500, 500, 500, 500}
	ctx := context.Background()

	_, err := h.processor.Process(ctx, ev.ID, false)
	require.NoError(t, err)

	wantDelays := []time.Duration{900 * time.Second, 2700 * time.Second, 8100 * time.Second, 24300 * time.Second}
	for i, delay := range wantDelays {
		due, ok := h.scheduled(t, ev.ID)
		require.True(t, ok, "retry %d should be scheduled", i+1)
		h.clock.now = due
		n, err := h.scheduler.Sweep(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		got := h.reload(t, ev.ID)
		assert.Equal(t, enums.EventStatusRetrying, got.Status)
		assert.Equal(t, i+2, got.RetryCount)
		next, ok := h.scheduled(t, ev.ID)
		require.True(t, ok)
		assert.Equal(t, h.clock.Now().Add(delay).UnixMilli(), next.UnixMilli())
	}

	due, ok := h.scheduled(t, ev.ID)
	require.True(t, ok)
	h.clock.now = due
	_, err = h.scheduler.Sweep(ctx)
	require.NoError(t, err)

	got := h.reload(t, ev.ID)
	assert.Equal(t, enums.EventStatusFailed, got.Status)
	assert.Equal(t, 6, got.RetryCount)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "Max retries exceeded")
	assert.NotNil(t, got.ProcessedAt)
	_, ok = h.scheduled(t, ev.ID)
	assert.False(t, ok, "exhausted event must not be rescheduled")
	assert.Len(t, h.deliverer.attempts, 6)

	for _, a := range h.deliverer.attempts[1:] {
		assert.True(t, a.env.Retry)
		assert.Equal(t, 10*time.Second, a.timeout)
	}

	h.clock.Advance(48 * time.Hour)
	n, err := h.scheduler.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, h.deliverer.attempts, 6)
}

func TestRetrySuccessClearsSchedule(t *testing.T) {
	h := newHarness(t, nil)
	sub := dbtest.Subscription(t, h.conn, uuid.New(), "github", "https://example.com/hook")
	ev := h.event(t, sub)
	h.deliverer.codes = []int{503, 200}
	ctx := context.Background()

	_, err := h.processor.Process(ctx, ev.ID, false)
	require.NoError(t, err)
	h.clock.Advance(6 * time.Minute)
	n, err := h.scheduler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := h.reload(t, ev.ID)
	assert.Equal(t, enums.EventStatusSuccess, got.Status)
	assert.Equal(t, 200, *got.StatusCode)
	assert.Equal(t, 1, got.RetryCount)
	_, ok := h.scheduled(t, ev.ID)
	assert.False(t, ok)

	retried := h.deliverer.attempts[1]
	assert.True(t, retried.env.Retry)
	assert.Equal(t, 1, retried.env.RetryCount)
}

func TestSweepSkipsEntriesNotYetDue(t *testing.T) {
	h := newHarness(t, nil)
	sub := dbtest.Subscription(t, h.conn, uuid.New(), "github", "https://example.com/hook")
	ev := h.event(t, sub)
	h.deliverer.codes = []int{500}

	_, err := h.processor.Process(context.Background(), ev.ID, false)
	require.NoError(t, err)
	h.clock.Advance(299 * time.Second)
	n, err := h.scheduler.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	_, ok := h.scheduled(t, ev.ID)
	assert.True(t, ok)
}

func TestRetryForDeactivatedSubscriptionFails(t *testing.T) {
	h := newHarness(t, nil)
	userID := uuid.New()
	sub := dbtest.Subscription(t, h.conn, userID, "github", "https://example.com/hook")
	ev := h.event(t, sub)
	h.deliverer.codes = []int{500}
	ctx := context.Background()

	_, err := h.processor.Process(ctx, ev.ID, false)
	require.NoError(t, err)
	found, err := h.subs.SetActive(ctx, userID, sub.ID, false)
	require.NoError(t, err)
	require.True(t, found)

	h.clock.Advance(10 * time.Minute)
	_, err = h.scheduler.Sweep(ctx)
	require.NoError(t, err)

	got := h.reload(t, ev.ID)
	assert.Equal(t, enums.EventStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "Subscription no longer active", *got.ErrorMessage)
	assert.NotNil(t, got.ProcessedAt)
	_, ok := h.scheduled(t, ev.ID)
	assert.False(t, ok)
	assert.Len(t, h.deliverer.attempts, 1, "no delivery to an inactive subscription")
}

func TestProcessMissingSubscriptionFails(t *testing.T) {
	h := newHarness(t, nil)
	sub := dbtest.Subscription(t, h.conn, uuid.New(), "github", "https://example.com/hook")
	ev := h.event(t, sub)
	require.NoError(t, h.conn.Delete(&models.Subscription{}, "id = ?", sub.ID).Error)

	outcome, err := h.processor.Process(context.Background(), ev.ID, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInactive, outcome)
	assert.Equal(t, enums.EventStatusFailed, h.reload(t, ev.ID).Status)
	assert.Empty(t, h.deliverer.attempts)
}

func TestProcessIgnoresTerminalAndMissingRecords(t *testing.T) {
	h := newHarness(t, nil)
	sub := dbtest.Subscription(t, h.conn, uuid.New(), "github", "https://example.com/hook")
	ev := h.event(t, sub)
	ctx := context.Background()

	_, err := h.processor.Process(ctx, ev.ID, false)
	require.NoError(t, err)
	outcome, err := h.processor.Process(ctx, ev.ID, true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	outcome, err = h.processor.Process(ctx, uuid.New(), false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Len(t, h.deliverer.attempts, 1)
}

func TestProcessScheduleOutageIsReported(t *testing.T) {
	h := newHarness(t, nil)
	sub := dbtest.Subscription(t, h.conn, uuid.New(), "github", "https://example.com/hook")
	ev := h.event(t, sub)
	h.deliverer.codes = []int{500}
	h.store.SetFail(errors.New("redis down"))

	_, err := h.processor.Process(context.Background(), ev.ID, false)
	require.Error(t, err)
	got := h.reload(t, ev.ID)
	assert.Equal(t, enums.EventStatusRetrying, got.Status, "record stays authoritative for reconciliation")
}

func TestTwoSubscriptionsKeepTheirOwnStatusCodes(t *testing.T) {
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer okSrv.Close()
	acceptedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer acceptedSrv.Close()

	client := delivery.NewClient(config.DeliveryConfig{UserAgent: "Webhook-Server"}, nil)
	h := newHarness(t, client)
	subA := dbtest.Subscription(t, h.conn, uuid.New(), "github", okSrv.URL)
	subB := dbtest.Subscription(t, h.conn, uuid.New(), "github", acceptedSrv.URL)
	evA := h.event(t, subA)
	evB := h.event(t, subB)

	for _, id := range []uuid.UUID{evA.ID, evB.ID} {
		outcome, err := h.processor.Process(context.Background(), id, false)
		require.NoError(t, err)
		require.Equal(t, OutcomeSuccess, outcome)
	}

	gotA, gotB := h.reload(t, evA.ID), h.reload(t, evB.ID)
	assert.Equal(t, enums.EventStatusSuccess, gotA.Status)
	assert.Equal(t, enums.EventStatusSuccess, gotB.Status)
	assert.Equal(t, 200, *gotA.StatusCode)
	assert.Equal(t, 202, *gotB.StatusCode)
}

func TestNewProcessorRequiresDependencies(t *testing.T) {
	_, err := NewProcessor(ProcessorParams{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "config"))
}

type funcDeliverer func(ctx context.Context, url string, env delivery.Envelope, timeout time.Duration) (delivery.Result, error)

func (f funcDeliverer) Deliver(ctx context.Context, url string, env delivery.Envelope, timeout time.Duration) (delivery.Result, error) {
	return f(ctx, url, env, timeout)
}

func TestQueuedCopyOfRetryingEventIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	sub := dbtest.Subscription(t, h.conn, uuid.New(), "github", "https://example.com/hook")
	ev := h.event(t, sub)
	h.deliverer.codes = []int{500, 200}
	ctx := context.Background()

	_, err := h.processor.Process(ctx, ev.ID, false)
	require.NoError(t, err)
	due, ok := h.scheduled(t, ev.ID)
	require.True(t, ok)

	outcome, err := h.processor.Process(ctx, ev.ID, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Len(t, h.deliverer.attempts, 1, "queued copy must not be delivered ahead of its backoff")

	got := h.reload(t, ev.ID)
	assert.Equal(t, enums.EventStatusRetrying, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	still, ok := h.scheduled(t, ev.ID)
	require.True(t, ok)
	assert.Equal(t, due.UnixMilli(), still.UnixMilli())
}

func TestProcessClaimsRecordBeforeDelivering(t *testing.T) {
	var h *harness
	var staleDuringAttempt []models.WebhookEvent
	h = newHarness(t, funcDeliverer(func(ctx context.Context, _ string, _ delivery.Envelope, _ time.Duration) (delivery.Result, error) {
		rows, err := h.events.ListStale(ctx, enums.EventStatusPending, h.clock.Now().Add(-5*time.Minute), 10)
		require.NoError(t, err)
		staleDuringAttempt = rows
		code := 200
		return delivery.Result{StatusCode: &code}, nil
	}))
	sub := dbtest.Subscription(t, h.conn, uuid.New(), "github", "https://example.com/hook")
	ev := h.event(t, sub)
	require.NoError(t, h.conn.Model(&models.WebhookEvent{}).Where("id = ?", ev.ID).
		UpdateColumn("updated_at", h.clock.Now().Add(-10*time.Minute)).Error)

	outcome, err := h.processor.Process(context.Background(), ev.ID, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)
	assert.Empty(t, staleDuringAttempt, "an attempt in flight must not look orphaned")
}

func TestAttemptResultDiscardedWhenRecordResolvedElsewhere(t *testing.T) {
	var h *harness
	h = newHarness(t, funcDeliverer(func(ctx context.Context, _ string, env delivery.Envelope, _ time.Duration) (delivery.Result, error) {
		require.NoError(t, h.conn.Model(&models.WebhookEvent{}).Where("id = ?", env.EventID).
			UpdateColumn("status", enums.EventStatusSuccess).Error)
		code := 500
		return delivery.Result{StatusCode: &code}, &delivery.Error{StatusCode: &code, Message: "Request failed with status code 500"}
	}))
	sub := dbtest.Subscription(t, h.conn, uuid.New(), "github", "https://example.com/hook")
	ev := h.event(t, sub)

	outcome, err := h.processor.Process(context.Background(), ev.ID, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	got := h.reload(t, ev.ID)
	assert.Equal(t, enums.EventStatusSuccess, got.Status)
	assert.Zero(t, got.RetryCount)
	_, ok := h.scheduled(t, ev.ID)
	assert.False(t, ok, "no retry may be scheduled for a record that did not transition")
}

func TestResolvedEventIgnoresScheduleOutage(t *testing.T) {
	h := newHarness(t, nil)
	sub := dbtest.Subscription(t, h.conn, uuid.New(), "github", "https://example.com/hook")
	ev := h.event(t, sub)
	ctx := context.Background()

	_, err := h.processor.Process(ctx, ev.ID, false)
	require.NoError(t, err)
	h.store.SetFail(errors.New("redis down"))

	outcome, err := h.processor.Process(ctx, ev.ID, true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
}

func TestCancelledAttemptStillRecordsResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, funcDeliverer(func(context.Context, string, delivery.Envelope, time.Duration) (delivery.Result, error) {
		cancel()
		return delivery.Result{}, &delivery.Error{Message: "context canceled"}
	}))
	sub := dbtest.Subscription(t, h.conn, uuid.New(), "github", "https://example.com/hook")
	ev := h.event(t, sub)

	outcome, err := h.processor.Process(ctx, ev.ID, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetry, outcome)

	got := h.reload(t, ev.ID)
	assert.Equal(t, enums.EventStatusRetrying, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	_, ok := h.scheduled(t, ev.ID)
	assert.True(t, ok, "shutdown must not strand the record outside the schedule")
}
