// Package notification creates, queries and delivers user notifications.
package notification

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// ErrInvalidParams wraps validation failures of CreateParams.
var ErrInvalidParams = errors.New("invalid notification params")

// StoreConfig bounds pagination. Zero values take the defaults.
type StoreConfig struct {
	DefaultLimit int
	MaxLimit     int
}

// Store applies defaults and pagination rules on top of a
// NotificationPersistence.
type Store struct {
	persistence  presence.NotificationPersistence
	validate     *validator.Validate
	defaultLimit int
	maxLimit     int
	now          func() time.Time
	logger       zerolog.Logger
}

// NewStore creates a Store backed by persistence.
func NewStore(persistence presence.NotificationPersistence, cfg StoreConfig, logger zerolog.Logger) *Store {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultPageLimit
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = MaxPageLimit
	}
	if cfg.DefaultLimit > cfg.MaxLimit {
		cfg.DefaultLimit = cfg.MaxLimit
	}
	return &Store{
		persistence:  persistence,
		validate:     validator.New(),
		defaultLimit: cfg.DefaultLimit,
		maxLimit:     cfg.MaxLimit,
		now:          time.Now,
		logger:       logger.With().Str("component", "NotificationStore").Logger(),
	}
}

// Create fills in defaults and persists a new notification.
func (s *Store) Create(ctx context.Context, params presence.CreateParams) (*presence.Notification, error) {
	if err := s.validate.Struct(params); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	title := params.Title
	if title == "" {
		title = DefaultTitle(params.Type)
	}
	avatar := params.AvatarFallback
	if avatar == "" {
		avatar = avatarFor(title)
	}
	data := params.Data
	if data == nil {
		data = map[string]any{}
	}

	n := &presence.Notification{
		ID:             uuid.NewString(),
		UserID:         params.UserID,
		OrganizationID: params.OrganizationID,
		Type:           params.Type,
		Title:          title,
		Message:        params.Message,
		AvatarFallback: avatar,
		IconType:       IconFor(params.Type),
		Data:           data,
		CreatedAt:      s.now().UTC().Truncate(time.Millisecond),
	}
	if err := s.persistence.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("failed to persist notification: %w", err)
	}
	return n, nil
}

func avatarFor(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return AvatarPlaceholder
	}
	r, _ := utf8.DecodeRuneInString(title)
	return string(unicode.ToUpper(r))
}

// GetForUser returns one page of userID's notifications, newest first,
// formatted for the client.
func (s *Store) GetForUser(ctx context.Context, userID string, req presence.PageRequest) (*presence.PagedResult, error) {
	page := req.Page
	if page < 1 {
		page = 1
	}
	limit := req.Limit
	if limit < 1 {
		limit = s.defaultLimit
	}
	if limit > s.maxLimit {
		limit = s.maxLimit
	}

	// Pages past the end come back empty; saturate instead of overflowing.
	offset := math.MaxInt
	if page-1 <= math.MaxInt/limit {
		offset = (page - 1) * limit
	}

	records, total, err := s.persistence.Find(ctx, presence.ListQuery{
		UserID:     userID,
		UnreadOnly: req.UnreadOnly,
		Offset:     offset,
		Limit:      limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications for %s: %w", userID, err)
	}

	now := s.now()
	out := make([]presence.ClientNotification, 0, len(records))
	for _, n := range records {
		out = append(out, FormatForClient(n, now))
	}
	return &presence.PagedResult{
		Notifications: out,
		Total:         total,
		Page:          page,
		Pages:         (total + limit - 1) / limit,
	}, nil
}

// MarkRead marks one of userID's notifications read. It returns (nil, nil)
// when the notification does not exist or belongs to someone else.
func (s *Store) MarkRead(ctx context.Context, notificationID, userID string) (*presence.Notification, error) {
	n, err := s.persistence.MarkRead(ctx, notificationID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark notification %s read: %w", notificationID, err)
	}
	return n, nil
}

// MarkAllRead marks every unread notification of userID read and returns
// how many changed.
func (s *Store) MarkAllRead(ctx context.Context, userID string) (int, error) {
	modified, err := s.persistence.MarkAllRead(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark all read for %s: %w", userID, err)
	}
	return modified, nil
}

// UnreadCount returns the number of unread notifications of userID.
func (s *Store) UnreadCount(ctx context.Context, userID string) (int, error) {
	count, err := s.persistence.CountUnread(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread for %s: %w", userID, err)
	}
	return count, nil
}
