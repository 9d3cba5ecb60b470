//go:build integration

package persistence_test

import (
	"context"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-presence-service/internal/platform/persistence"
	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

type firestoreFixture struct {
	ctx   context.Context
	store *persistence.FirestoreStore
}

// setupFirestore needs FIRESTORE_EMULATOR_HOST pointing at a running emulator.
func setupFirestore(t *testing.T) *firestoreFixture {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	fsClient, err := firestore.NewClient(ctx, "test-project-presence")
	require.NoError(t, err)
	t.Cleanup(func() { _ = fsClient.Close() })

	store, err := persistence.NewFirestoreStore(fsClient, "notifications-"+uuid.NewString(), zerolog.Nop())
	require.NoError(t, err)
	return &firestoreFixture{ctx: ctx, store: store}
}

func newRecord(userID string, createdAt time.Time) *presence.Notification {
	return &presence.Notification{
		ID:             uuid.NewString(),
		UserID:         userID,
		OrganizationID: "org-1",
		Type:           presence.TypeSystem,
		Title:          "Notification",
		AvatarFallback: "N",
		IconType:       "bell",
		Data:           map[string]any{"k": "v"},
		CreatedAt:      createdAt.UTC().Truncate(time.Millisecond),
	}
}

func TestFirestoreStore_Lifecycle(t *testing.T) {
	f := setupFirestore(t)
	base := time.Now().Add(-time.Hour)

	var ids []string
	for i := 0; i < 5; i++ {
		n := newRecord("user-a", base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, f.store.Create(f.ctx, n))
		ids = append(ids, n.ID)
	}
	require.NoError(t, f.store.Create(f.ctx, newRecord("user-b", base)))

	t.Run("Find pages newest first", func(t *testing.T) {
		page, total, err := f.store.Find(f.ctx, presence.ListQuery{UserID: "user-a", Offset: 0, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, page, 2)
		assert.Equal(t, ids[4], page[0].ID)
		assert.Equal(t, ids[3], page[1].ID)
		assert.Equal(t, "v", page[0].Data["k"])

		page, _, err = f.store.Find(f.ctx, presence.ListQuery{UserID: "user-a", Offset: 4, Limit: 2})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, ids[0], page[0].ID)
	})

	t.Run("MarkRead is scoped to owner", func(t *testing.T) {
		got, err := f.store.MarkRead(f.ctx, ids[0], "user-b")
		require.NoError(t, err)
		assert.Nil(t, got)

		got, err = f.store.MarkRead(f.ctx, "missing", "user-a")
		require.NoError(t, err)
		assert.Nil(t, got)

		got, err = f.store.MarkRead(f.ctx, ids[0], "user-a")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.IsRead)

		count, err := f.store.CountUnread(f.ctx, "user-a")
		require.NoError(t, err)
		assert.Equal(t, 4, count)

		_, total, err := f.store.Find(f.ctx, presence.ListQuery{UserID: "user-a", UnreadOnly: true, Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, 4, total)
	})

	t.Run("MarkAllRead", func(t *testing.T) {
		modified, err := f.store.MarkAllRead(f.ctx, "user-a")
		require.NoError(t, err)
		assert.Equal(t, 4, modified)

		count, err := f.store.CountUnread(f.ctx, "user-a")
		require.NoError(t, err)
		assert.Zero(t, count)

		count, err = f.store.CountUnread(f.ctx, "user-b")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}
