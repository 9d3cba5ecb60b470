package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-presence-service/internal/api"
	"github.com/tinywideclouds/go-presence-service/internal/notification"
	"github.com/tinywideclouds/go-presence-service/internal/platform/auth"
	"github.com/tinywideclouds/go-presence-service/internal/realtime"
	"github.com/tinywideclouds/go-presence-service/internal/test/fakes"
	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

type testFixture struct {
	ctx         context.Context
	api         *api.API
	dispatcher  *notification.Dispatcher
	coordinator *realtime.Coordinator
	persistence *fakes.Persistence
	bridge      *fakes.Bridge
}

func setup(t *testing.T) *testFixture {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	bridge := fakes.NewBridge(zerolog.Nop())
	coordinator := realtime.NewCoordinator(realtime.CoordinatorConfig{GraceWindow: time.Hour},
		fakes.NewDirectory(), bridge, nil, zerolog.Nop())
	t.Cleanup(coordinator.Close)

	persistence := fakes.NewPersistence()
	store := notification.NewStore(persistence, notification.StoreConfig{DefaultLimit: 20, MaxLimit: 100}, zerolog.Nop())
	dispatcher := notification.NewDispatcher(store, coordinator, nil, zerolog.Nop())

	return &testFixture{
		ctx:         ctx,
		api:         api.NewAPI(dispatcher, coordinator, zerolog.Nop()),
		dispatcher:  dispatcher,
		coordinator: coordinator,
		persistence: persistence,
		bridge:      bridge,
	}
}

func (f *testFixture) request(method, target string, body []byte, userID string) *http.Request {
	if userID == "" {
		return f.requestAs(method, target, body, nil)
	}
	return f.requestAs(method, target, body, &auth.Identity{UserID: userID, OrganizationID: "org-1"})
}

func (f *testFixture) producerRequest(body []byte) *http.Request {
	return f.requestAs(http.MethodPost, "/api/notifications", body, &auth.Identity{
		UserID: "producer", OrganizationID: "org-1", Scopes: []string{auth.ScopePublishNotifications},
	})
}

func (f *testFixture) requestAs(method, target string, body []byte, id *auth.Identity) *http.Request {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	ctx := f.ctx
	if id != nil {
		ctx = auth.ContextWithIdentity(ctx, *id)
	}
	return req.WithContext(ctx)
}

func (f *testFixture) seed(t *testing.T, userID string, n int) []*presence.Notification {
	t.Helper()
	var out []*presence.Notification
	for i := 0; i < n; i++ {
		created, err := f.dispatcher.Notify(f.ctx, presence.CreateParams{UserID: userID, Type: presence.TypeTaskAssigned})
		require.NoError(t, err)
		out = append(out, created)
	}
	return out
}

func TestListNotificationsHandler(t *testing.T) {
	f := setup(t)
	f.seed(t, "user-1", 45)

	t.Run("pages", func(t *testing.T) {
		rr := httptest.NewRecorder()
		f.api.ListNotificationsHandler(rr, f.request(http.MethodGet, "/api/notifications?page=2&limit=30&unreadOnly=true", nil, "user-1"))

		require.Equal(t, http.StatusOK, rr.Code)
		var page presence.PagedResult
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
		assert.Len(t, page.Notifications, 15)
		assert.Equal(t, 45, page.Total)
		assert.Equal(t, 2, page.Pages)
		assert.Equal(t, 2, page.Page)
		assert.Equal(t, "task", page.Notifications[0].Type)
	})

	t.Run("defaults", func(t *testing.T) {
		rr := httptest.NewRecorder()
		f.api.ListNotificationsHandler(rr, f.request(http.MethodGet, "/api/notifications", nil, "user-1"))

		require.Equal(t, http.StatusOK, rr.Code)
		var page presence.PagedResult
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
		assert.Len(t, page.Notifications, 20)
		assert.Equal(t, 3, page.Pages)
	})

	t.Run("bad parameters", func(t *testing.T) {
		for _, target := range []string{
			"/api/notifications?page=x",
			"/api/notifications?limit=ten",
			"/api/notifications?unreadOnly=maybe",
		} {
			rr := httptest.NewRecorder()
			f.api.ListNotificationsHandler(rr, f.request(http.MethodGet, target, nil, "user-1"))
			assert.Equal(t, http.StatusBadRequest, rr.Code, target)
		}
	})

	t.Run("page beyond the end", func(t *testing.T) {
		rr := httptest.NewRecorder()
		f.api.ListNotificationsHandler(rr, f.request(http.MethodGet, "/api/notifications?page=9223372036854775807&limit=100", nil, "user-1"))

		require.Equal(t, http.StatusOK, rr.Code)
		var page presence.PagedResult
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
		assert.Empty(t, page.Notifications)
		assert.Equal(t, 45, page.Total)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		rr := httptest.NewRecorder()
		f.api.ListNotificationsHandler(rr, f.request(http.MethodGet, "/api/notifications", nil, ""))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("persistence failure", func(t *testing.T) {
		f.persistence.FailWith(errors.New("db down"))
		t.Cleanup(func() { f.persistence.FailWith(nil) })
		rr := httptest.NewRecorder()
		f.api.ListNotificationsHandler(rr, f.request(http.MethodGet, "/api/notifications", nil, "user-1"))
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})
}

func TestMarkReadHandler(t *testing.T) {
	f := setup(t)
	owned := f.seed(t, "user-a", 1)[0]

	t.Run("other user's notification is not found", func(t *testing.T) {
		req := f.request(http.MethodPatch, "/api/notifications/"+owned.ID+"/read", nil, "user-b")
		req.SetPathValue("id", owned.ID)
		rr := httptest.NewRecorder()
		f.api.MarkReadHandler(rr, req)

		assert.Equal(t, http.StatusNotFound, rr.Code)
		stored, _ := f.persistence.Get(owned.ID)
		assert.False(t, stored.IsRead)
	})

	t.Run("owner marks read", func(t *testing.T) {
		req := f.request(http.MethodPatch, "/api/notifications/"+owned.ID+"/read", nil, "user-a")
		req.SetPathValue("id", owned.ID)
		rr := httptest.NewRecorder()
		f.api.MarkReadHandler(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		var body presence.ClientNotification
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.False(t, body.IsUnread)
	})
}

func TestUnreadCountAndMarkAllRead(t *testing.T) {
	f := setup(t)
	f.seed(t, "user-1", 3)

	rr := httptest.NewRecorder()
	f.api.UnreadCountHandler(rr, f.request(http.MethodGet, "/api/notifications/unread-count", nil, "user-1"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"count":3}`, rr.Body.String())

	rr = httptest.NewRecorder()
	f.api.MarkAllReadHandler(rr, f.request(http.MethodPatch, "/api/notifications/read-all", nil, "user-1"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"modified":3}`, rr.Body.String())

	rr = httptest.NewRecorder()
	f.api.UnreadCountHandler(rr, f.request(http.MethodGet, "/api/notifications/unread-count", nil, "user-1"))
	assert.JSONEq(t, `{"count":0}`, rr.Body.String())
}

func TestCreateNotificationHandler(t *testing.T) {
	f := setup(t)
	sink := fakes.NewSink()
	_, err := f.coordinator.Open(f.ctx, "user-9", "org-1", sink)
	require.NoError(t, err)

	t.Run("creates and pushes", func(t *testing.T) {
		body, _ := json.Marshal(presence.CreateParams{
			UserID: "user-9", OrganizationID: "org-1", Type: presence.TypeLeadAssigned,
			Data: map[string]any{"leadId": "L-1"},
		})
		rr := httptest.NewRecorder()
		f.api.CreateNotificationHandler(rr, f.producerRequest(body))

		require.Equal(t, http.StatusCreated, rr.Code)
		var created presence.Notification
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
		assert.Equal(t, "New lead assigned", created.Title)
		assert.Equal(t, "N", created.AvatarFallback)

		frames := sink.Frames()
		require.Len(t, frames, 1)
		assert.Equal(t, notification.EventNotification, frames[0].Event)
	})

	t.Run("missing fields", func(t *testing.T) {
		rr := httptest.NewRecorder()
		f.api.CreateNotificationHandler(rr, f.producerRequest([]byte(`{"type":"system"}`)))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		rr := httptest.NewRecorder()
		f.api.CreateNotificationHandler(rr, f.producerRequest([]byte(`{`)))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("caller without publish scope", func(t *testing.T) {
		before := len(sink.Frames())
		body, _ := json.Marshal(presence.CreateParams{UserID: "user-9", Type: presence.TypeSystem})
		rr := httptest.NewRecorder()
		f.api.CreateNotificationHandler(rr, f.request(http.MethodPost, "/api/notifications", body, "user-2"))

		assert.Equal(t, http.StatusForbidden, rr.Code)
		assert.Len(t, sink.Frames(), before)
		total, err := f.dispatcher.Store().UnreadCount(f.ctx, "user-9")
		require.NoError(t, err)
		assert.Equal(t, 1, total)
	})
}

func TestLogoutAndPresenceStatus(t *testing.T) {
	f := setup(t)
	_, err := f.coordinator.Open(f.ctx, "user-1", "org-1", fakes.NewSink())
	require.NoError(t, err)

	statusReq := func() api.PresenceStatus {
		req := f.request(http.MethodGet, "/api/presence/user-1", nil, "viewer")
		req.SetPathValue("userId", "user-1")
		rr := httptest.NewRecorder()
		f.api.PresenceStatusHandler(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)
		var s api.PresenceStatus
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &s))
		return s
	}

	assert.Equal(t, api.PresenceStatus{UserID: "user-1", Connected: true, State: "connected", Connections: 1}, statusReq())

	rr := httptest.NewRecorder()
	f.api.LogoutHandler(rr, f.request(http.MethodPost, "/api/presence/logout", nil, "user-1"))
	require.Equal(t, http.StatusNoContent, rr.Code)

	require.Len(t, f.bridge.CheckOuts(), 1)
	assert.Equal(t, presence.ReasonManual, f.bridge.CheckOuts()[0].Reason)
	assert.Equal(t, "disconnected", statusReq().State)

	rr = httptest.NewRecorder()
	f.api.PresenceSnapshotHandler(rr, f.request(http.MethodGet, "/api/presence", nil, "viewer"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"userId":"user-1"`)
}

func TestPresenceIsScopedToOrganization(t *testing.T) {
	f := setup(t)
	_, err := f.coordinator.Open(f.ctx, "own", "org-1", fakes.NewSink())
	require.NoError(t, err)
	_, err = f.coordinator.Open(f.ctx, "foreign", "org-2", fakes.NewSink())
	require.NoError(t, err)

	t.Run("status of another organization's user", func(t *testing.T) {
		req := f.request(http.MethodGet, "/api/presence/foreign", nil, "viewer")
		req.SetPathValue("userId", "foreign")
		rr := httptest.NewRecorder()
		f.api.PresenceStatusHandler(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		var s api.PresenceStatus
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &s))
		assert.Equal(t, api.PresenceStatus{UserID: "foreign", State: "disconnected"}, s)
	})

	t.Run("snapshot lists only the caller's organization", func(t *testing.T) {
		rr := httptest.NewRecorder()
		f.api.PresenceSnapshotHandler(rr, f.request(http.MethodGet, "/api/presence", nil, "viewer"))

		require.Equal(t, http.StatusOK, rr.Code)
		var body struct {
			Users []realtime.UserPresence `json:"users"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		require.Len(t, body.Users, 1)
		assert.Equal(t, "own", body.Users[0].UserID)
		assert.Equal(t, "org-1", body.Users[0].OrganizationID)
	})
}
