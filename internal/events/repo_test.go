package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/angelmondragon/hookrelay/pkg/db/dbtest"
	"github.com/angelmondragon/hookrelay/pkg/db/models"
	"github.com/angelmondragon/hookrelay/pkg/enums"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAssignsIDAndPendingStatus(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(dbtest.Open(t))

	event := &models.WebhookEvent{SubscriptionID: uuid.New(), Source: "github", Payload: json.RawMessage(`{"a":1}`)}
	require.NoError(t, repo.Create(ctx, event))
	assert.NotEqual(t, uuid.Nil, event.ID)

	stored, err := repo.FindByID(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.EventStatusPending, stored.Status)
	assert.JSONEq(t, `{"a":1}`, string(stored.Payload))
	assert.Zero(t, stored.RetryCount)
	assert.Nil(t, stored.NextRetryAt)

	_, err = repo.FindByID(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionNeverLeavesTerminalState(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(dbtest.Open(t))

	event := &models.WebhookEvent{SubscriptionID: uuid.New(), Source: "github", Payload: json.RawMessage(`{}`)}
	require.NoError(t, repo.Create(ctx, event))

	next := time.Now().UTC().Add(5 * time.Minute)
	msg := "callback responded with status 500"
	code := 500
	changed, err := repo.Transition(ctx, event.ID, Transition{
		Status:       enums.EventStatusRetrying,
		StatusCode:   &code,
		ErrorMessage: &msg,
		RetryCount:   1,
		NextRetryAt:  &next,
	})
	require.NoError(t, err)
	assert.True(t, changed)

	done := time.Now().UTC()
	ok := 200
	changed, err = repo.Transition(ctx, event.ID, Transition{Status: enums.EventStatusSuccess, StatusCode: &ok, RetryCount: 1, ProcessedAt: &done})
	require.NoError(t, err)
	assert.True(t, changed)

	stored, err := repo.FindByID(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.EventStatusSuccess, stored.Status)
	require.NotNil(t, stored.StatusCode)
	assert.Equal(t, 200, *stored.StatusCode)
	assert.Nil(t, stored.ErrorMessage)
	assert.Nil(t, stored.NextRetryAt)
	assert.NotNil(t, stored.ProcessedAt)

	changed, err = repo.Transition(ctx, event.ID, Transition{Status: enums.EventStatusFailed, RetryCount: 2})
	require.NoError(t, err)
	assert.False(t, changed, "terminal records must not be rewritten")

	stored, err = repo.FindByID(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.EventStatusSuccess, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
}

func TestListFiltersAndPaginatesNewestFirst(t *testing.T) {
	ctx := context.Background()
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	subA, subB := uuid.New(), uuid.New()

	base := time.Now().UTC().Add(-time.Hour)
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		e := &models.WebhookEvent{
			SubscriptionID: subA,
			Source:         "github",
			Payload:        json.RawMessage(`{}`),
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, repo.Create(ctx, e))
		ids = append(ids, e.ID)
	}
	other := &models.WebhookEvent{SubscriptionID: subB, Source: "stripe", Payload: json.RawMessage(`{}`)}
	require.NoError(t, repo.Create(ctx, other))
	require.NoError(t, conn.Model(&models.WebhookEvent{}).Where("id = ?", ids[0]).Update("status", enums.EventStatusFailed).Error)

	rows, err := repo.List(ctx, ListQuery{SubscriptionIDs: []uuid.UUID{subA}, Limit: 2})
	require.NoError(t, err)
	require.Len(t, rows, 3, "list returns one extra row to detect the next page")
	assert.Equal(t, ids[4], rows[0].ID)
	assert.Equal(t, ids[3], rows[1].ID)

	failed, err := repo.List(ctx, ListQuery{SubscriptionIDs: []uuid.UUID{subA, subB}, Status: enums.EventStatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, ids[0], failed[0].ID)

	bySource, err := repo.List(ctx, ListQuery{SubscriptionIDs: []uuid.UUID{subA, subB}, Source: "stripe"})
	require.NoError(t, err)
	require.Len(t, bySource, 1)
	assert.Equal(t, other.ID, bySource[0].ID)

	none, err := repo.List(ctx, ListQuery{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListStaleReturnsOldestFirst(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(dbtest.Open(t))
	now := time.Now().UTC()

	old := &models.WebhookEvent{SubscriptionID: uuid.New(), Source: "github", Payload: json.RawMessage(`{}`), CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour)}
	older := &models.WebhookEvent{SubscriptionID: uuid.New(), Source: "github", Payload: json.RawMessage(`{}`), CreatedAt: now.Add(-2 * time.Hour), UpdatedAt: now.Add(-2 * time.Hour)}
	fresh := &models.WebhookEvent{SubscriptionID: uuid.New(), Source: "github", Payload: json.RawMessage(`{}`)}
	touched := &models.WebhookEvent{SubscriptionID: uuid.New(), Source: "github", Payload: json.RawMessage(`{}`), CreatedAt: now.Add(-3 * time.Hour), UpdatedAt: now.Add(-3 * time.Hour)}
	for _, e := range []*models.WebhookEvent{old, older, fresh, touched} {
		require.NoError(t, repo.Create(ctx, e))
	}

	claimed, err := repo.Claim(ctx, touched.ID, enums.EventStatusPending, now)
	require.NoError(t, err)
	require.True(t, claimed)

	rows, err := repo.ListStale(ctx, enums.EventStatusPending, now.Add(-5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, rows, 2, "an old record claimed just now is not stale")
	assert.Equal(t, older.ID, rows[0].ID)
	assert.Equal(t, old.ID, rows[1].ID)
}

func TestClaimRequiresExpectedStatus(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(dbtest.Open(t))
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	event := &models.WebhookEvent{SubscriptionID: uuid.New(), Source: "github", Payload: json.RawMessage(`{}`)}
	require.NoError(t, repo.Create(ctx, event))

	claimed, err := repo.Claim(ctx, event.ID, enums.EventStatusRetrying, at)
	require.NoError(t, err)
	assert.False(t, claimed, "status mismatch must not claim")

	claimed, err = repo.Claim(ctx, event.ID, enums.EventStatusPending, at)
	require.NoError(t, err)
	assert.True(t, claimed)

	stored, err := repo.FindByID(ctx, event.ID)
	require.NoError(t, err)
	assert.True(t, stored.UpdatedAt.Equal(at), "updated_at = %s", stored.UpdatedAt)
	assert.Equal(t, enums.EventStatusPending, stored.Status)

	claimed, err = repo.Claim(ctx, uuid.New(), enums.EventStatusPending, at)
	require.NoError(t, err)
	assert.False(t, claimed)
}
