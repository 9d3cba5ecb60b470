// Package persistence contains the NotificationPersistence adapters.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-presence-service/pkg/presence"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const countAlias = "total"

// storedNotification is the Firestore document shape. The document ID is
// the notification ID.
type storedNotification struct {
	UserID         string         `firestore:"user_id"`
	OrganizationID string         `firestore:"organization_id"`
	Type           string         `firestore:"type"`
	Title          string         `firestore:"title"`
	Message        string         `firestore:"message"`
	AvatarFallback string         `firestore:"avatar_fallback"`
	IconType       string         `firestore:"icon_type"`
	Data           map[string]any `firestore:"data"`
	IsRead         bool           `firestore:"is_read"`
	CreatedAt      time.Time      `firestore:"created_at"`
}

func toStored(n *presence.Notification) *storedNotification {
	return &storedNotification{
		UserID:         n.UserID,
		OrganizationID: n.OrganizationID,
		Type:           string(n.Type),
		Title:          n.Title,
		Message:        n.Message,
		AvatarFallback: n.AvatarFallback,
		IconType:       n.IconType,
		Data:           n.Data,
		IsRead:         n.IsRead,
		CreatedAt:      n.CreatedAt,
	}
}

func (s *storedNotification) toNotification(id string) presence.Notification {
	data := s.Data
	if data == nil {
		data = map[string]any{}
	}
	return presence.Notification{
		ID:             id,
		UserID:         s.UserID,
		OrganizationID: s.OrganizationID,
		Type:           presence.NotificationType(s.Type),
		Title:          s.Title,
		Message:        s.Message,
		AvatarFallback: s.AvatarFallback,
		IconType:       s.IconType,
		Data:           data,
		IsRead:         s.IsRead,
		CreatedAt:      s.CreatedAt.UTC(),
	}
}

// FirestoreStore implements presence.NotificationPersistence with one
// document per notification.
//
// Find needs a composite index on (user_id, is_read, created_at desc).
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	logger     zerolog.Logger
}

// NewFirestoreStore is the constructor for the FirestoreStore.
func NewFirestoreStore(client *firestore.Client, collection string, logger zerolog.Logger) (*FirestoreStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection cannot be empty")
	}
	return &FirestoreStore{
		client:     client,
		collection: collection,
		logger:     logger.With().Str("component", "FirestoreNotificationStore").Str("collection", collection).Logger(),
	}, nil
}

func (s *FirestoreStore) userQuery(userID string, unreadOnly bool) firestore.Query {
	q := s.client.Collection(s.collection).Where("user_id", "==", userID)
	if unreadOnly {
		q = q.Where("is_read", "==", false)
	}
	return q
}

func (s *FirestoreStore) Create(ctx context.Context, n *presence.Notification) error {
	docRef := s.client.Collection(s.collection).Doc(n.ID)
	if _, err := docRef.Create(ctx, toStored(n)); err != nil {
		s.logger.Error().Err(err).Str("user", n.UserID).Msg("Failed to create notification")
		return fmt.Errorf("failed to create notification %s: %w", n.ID, err)
	}
	return nil
}

func (s *FirestoreStore) Find(ctx context.Context, q presence.ListQuery) ([]presence.Notification, int, error) {
	base := s.userQuery(q.UserID, q.UnreadOnly)

	total, err := s.count(ctx, base)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 || q.Offset >= total {
		return []presence.Notification{}, total, nil
	}

	page := base.OrderBy("created_at", firestore.Desc).Offset(q.Offset)
	if q.Limit > 0 {
		page = page.Limit(q.Limit)
	}
	docSnaps, err := page.Documents(ctx).GetAll()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query notifications: %w", err)
	}

	out := make([]presence.Notification, 0, len(docSnaps))
	for _, doc := range docSnaps {
		var stored storedNotification
		if err := doc.DataTo(&stored); err != nil {
			s.logger.Error().Err(err).Str("doc_id", doc.Ref.ID).Msg("Failed to decode notification, skipping")
			continue
		}
		out = append(out, stored.toNotification(doc.Ref.ID))
	}
	return out, total, nil
}

// MarkRead reads and updates the document in one transaction, and only if
// it belongs to userID.
func (s *FirestoreStore) MarkRead(ctx context.Context, notificationID, userID string) (*presence.Notification, error) {
	docRef := s.client.Collection(s.collection).Doc(notificationID)
	var result *presence.Notification

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		result = nil
		snap, err := tx.Get(docRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return presence.ErrNotFound
			}
			return err
		}
		var stored storedNotification
		if err := snap.DataTo(&stored); err != nil {
			return err
		}
		if stored.UserID != userID {
			return presence.ErrNotFound
		}
		if !stored.IsRead {
			if err := tx.Update(docRef, []firestore.Update{{Path: "is_read", Value: true}}); err != nil {
				return err
			}
		}
		stored.IsRead = true
		n := stored.toNotification(notificationID)
		result = &n
		return nil
	})
	if errors.Is(err, presence.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark notification %s read: %w", notificationID, err)
	}
	return result, nil
}

func (s *FirestoreStore) MarkAllRead(ctx context.Context, userID string) (int, error) {
	docSnaps, err := s.userQuery(userID, true).Documents(ctx).GetAll()
	if err != nil {
		return 0, fmt.Errorf("failed to query unread notifications: %w", err)
	}
	if len(docSnaps) == 0 {
		return 0, nil
	}

	bulkWriter := s.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(docSnaps))
	var firstErr error
	for _, doc := range docSnaps {
		job, err := bulkWriter.Update(doc.Ref, []firestore.Update{{Path: "is_read", Value: true}})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		jobs = append(jobs, job)
	}
	bulkWriter.End()

	modified := 0
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		modified++
	}
	if firstErr != nil {
		s.logger.Error().Err(firstErr).Str("user", userID).Int("modified", modified).Msg("Mark all read partially failed")
		return modified, fmt.Errorf("failed to mark all notifications read: %w", firstErr)
	}
	return modified, nil
}

func (s *FirestoreStore) CountUnread(ctx context.Context, userID string) (int, error) {
	return s.count(ctx, s.userQuery(userID, true))
}

func (s *FirestoreStore) count(ctx context.Context, q firestore.Query) (int, error) {
	res, err := q.NewAggregationQuery().WithCount(countAlias).Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count notifications: %w", err)
	}
	v, ok := res[countAlias].(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("unexpected count result type %T", res[countAlias])
	}
	return int(v.GetIntegerValue()), nil
}
