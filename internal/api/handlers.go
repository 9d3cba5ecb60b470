// Package api contains the HTTP handlers for notification queries, the
// producer endpoint, and explicit logout.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-presence-service/internal/notification"
	"github.com/tinywideclouds/go-presence-service/internal/platform/auth"
	"github.com/tinywideclouds/go-presence-service/internal/realtime"
	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

const maxBodyBytes = 1 << 20

// PresenceTracker is the part of the presence coordinator the API uses.
type PresenceTracker interface {
	Logout(ctx context.Context, userID string)
	Presence(userID string) realtime.UserPresence
	Snapshot() []realtime.UserPresence
}

// PresenceStatus is the response of the presence lookup.
type PresenceStatus struct {
	UserID      string `json:"userId"`
	Connected   bool   `json:"connected"`
	State       string `json:"state"`
	Connections int    `json:"connections"`
}

// API holds the dependencies of the stateless HTTP handlers.
type API struct {
	dispatcher *notification.Dispatcher
	presence   PresenceTracker
	logger     zerolog.Logger
}

// NewAPI creates a new API handler.
func NewAPI(dispatcher *notification.Dispatcher, tracker PresenceTracker, logger zerolog.Logger) *API {
	return &API{
		dispatcher: dispatcher,
		presence:   tracker,
		logger:     logger,
	}
}

func (a *API) identity(w http.ResponseWriter, r *http.Request, handler string) (auth.Identity, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		a.logger.Warn().Str("handler", handler).Msg("No identity in context")
		writeJSONError(w, http.StatusUnauthorized, "missing authentication token")
	}
	return id, ok
}

// ListNotificationsHandler returns one page of the caller's notifications.
// Query parameters: page, limit, unreadOnly.
func (a *API) ListNotificationsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := a.identity(w, r, "ListNotifications")
	if !ok {
		return
	}
	log := a.logger.With().Str("user", id.UserID).Logger()

	q := r.URL.Query()
	req := presence.PageRequest{}
	var err error
	if s := q.Get("page"); s != "" {
		if req.Page, err = strconv.Atoi(s); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid 'page' parameter, must be an integer")
			return
		}
	}
	if s := q.Get("limit"); s != "" {
		if req.Limit, err = strconv.Atoi(s); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid 'limit' parameter, must be an integer")
			return
		}
	}
	if s := q.Get("unreadOnly"); s != "" {
		if req.UnreadOnly, err = strconv.ParseBool(s); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid 'unreadOnly' parameter, must be a boolean")
			return
		}
	}

	result, err := a.dispatcher.Store().GetForUser(r.Context(), id.UserID, req)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list notifications")
		writeJSONError(w, http.StatusInternalServerError, "failed to retrieve notifications")
		return
	}
	log.Debug().Int("count", len(result.Notifications)).Int("total", result.Total).Msg("Listed notifications")
	writeJSON(w, http.StatusOK, result)
}

// UnreadCountHandler returns {"count": n}.
func (a *API) UnreadCountHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := a.identity(w, r, "UnreadCount")
	if !ok {
		return
	}
	count, err := a.dispatcher.Store().UnreadCount(r.Context(), id.UserID)
	if err != nil {
		a.logger.Error().Err(err).Str("user", id.UserID).Msg("Failed to count unread notifications")
		writeJSONError(w, http.StatusInternalServerError, "failed to count notifications")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

// MarkReadHandler marks one of the caller's notifications read. A
// notification owned by someone else is reported exactly like a missing one.
func (a *API) MarkReadHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := a.identity(w, r, "MarkRead")
	if !ok {
		return
	}
	notificationID := r.PathValue("id")
	if notificationID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing notification id")
		return
	}

	n, err := a.dispatcher.Store().MarkRead(r.Context(), notificationID, id.UserID)
	if err != nil {
		a.logger.Error().Err(err).Str("user", id.UserID).Str("notification", notificationID).Msg("Failed to mark notification read")
		writeJSONError(w, http.StatusInternalServerError, "failed to update notification")
		return
	}
	if n == nil {
		writeJSONError(w, http.StatusNotFound, "notification not found")
		return
	}
	writeJSON(w, http.StatusOK, notification.FormatForClient(*n, time.Now()))
}

// MarkAllReadHandler returns {"modified": n}.
func (a *API) MarkAllReadHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := a.identity(w, r, "MarkAllRead")
	if !ok {
		return
	}
	modified, err := a.dispatcher.Store().MarkAllRead(r.Context(), id.UserID)
	if err != nil {
		a.logger.Error().Err(err).Str("user", id.UserID).Msg("Failed to mark all notifications read")
		writeJSONError(w, http.StatusInternalServerError, "failed to update notifications")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"modified": modified})
}

// CreateNotificationHandler is the producer endpoint: it persists a
// notification and pushes it to the recipient's live connections. Only
// callers holding the notifications:publish scope may use it.
func (a *API) CreateNotificationHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := a.identity(w, r, "CreateNotification")
	if !ok {
		return
	}
	if !id.HasScope(auth.ScopePublishNotifications) {
		a.logger.Warn().Str("user", id.UserID).Msg("Rejected notification create without publish scope")
		writeJSONError(w, http.StatusForbidden, "insufficient scope")
		return
	}

	var params presence.CreateParams
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&params); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	n, err := a.dispatcher.Notify(r.Context(), params)
	if err != nil {
		if errors.Is(err, notification.ErrInvalidParams) {
			writeJSONError(w, http.StatusBadRequest, "userId and type are required")
			return
		}
		a.logger.Error().Err(err).Str("recipient", params.UserID).Msg("Failed to create notification")
		writeJSONError(w, http.StatusInternalServerError, "failed to create notification")
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

// LogoutHandler marks the caller offline immediately.
func (a *API) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := a.identity(w, r, "Logout")
	if !ok {
		return
	}
	a.presence.Logout(r.Context(), id.UserID)
	writeJSON(w, http.StatusNoContent, nil)
}

// PresenceStatusHandler reports the presence of the user in the path. Users
// of another organization always read as disconnected.
func (a *API) PresenceStatusHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := a.identity(w, r, "PresenceStatus")
	if !ok {
		return
	}
	userID := r.PathValue("userId")
	status := PresenceStatus{UserID: userID, State: realtime.StateDisconnected.String()}
	if p := a.presence.Presence(userID); p.OrganizationID == id.OrganizationID {
		status.Connected = p.Connections > 0
		status.State = p.State
		status.Connections = p.Connections
	}
	writeJSON(w, http.StatusOK, status)
}

// PresenceSnapshotHandler lists every user of the caller's organization that
// is online or holds a connection.
func (a *API) PresenceSnapshotHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := a.identity(w, r, "PresenceSnapshot")
	if !ok {
		return
	}
	users := make([]realtime.UserPresence, 0)
	for _, p := range a.presence.Snapshot() {
		if p.OrganizationID == id.OrganizationID {
			users = append(users, p)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}
