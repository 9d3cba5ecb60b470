// Package presence contains the public domain models, collaborator contracts
// and dependency container for the presence and notification service.
package presence

import (
	"errors"
	"time"
)

// Check-out reasons passed to AttendanceBridge.CheckOut.
const (
	ReasonDisconnect = "disconnect"
	ReasonManual     = "manual"
)

// ErrNotFound is returned by persistence adapters when a record does not exist.
var ErrNotFound = errors.New("not found")

// NotificationType is the internal notification category set by producers.
type NotificationType string

const (
	TypeLeadAssigned      NotificationType = "lead_assigned"
	TypeLeadStatusChanged NotificationType = "lead_status_changed"
	TypeLeadEscalated     NotificationType = "lead_escalated"
	TypeTaskAssigned      NotificationType = "task_assigned"
	TypeTaskDue           NotificationType = "task_due"
	TypeAgentRegistered   NotificationType = "agent_registered"
	TypeCallCompleted     NotificationType = "call_completed"
	TypeMessageReceived   NotificationType = "message_received"
	TypeSystem            NotificationType = "system"
)

// Notification is the persisted notification record.
type Notification struct {
	ID             string           `json:"id"`
	UserID         string           `json:"userId"`
	OrganizationID string           `json:"organizationId"`
	Type           NotificationType `json:"type"`
	Title          string           `json:"title"`
	Message        string           `json:"message"`
	AvatarFallback string           `json:"avatarFallback"`
	IconType       string           `json:"iconType"`
	Data           map[string]any   `json:"data"`
	IsRead         bool             `json:"isRead"`
	CreatedAt      time.Time        `json:"createdAt"`
}

// ClientNotification is the shape sent to browsers, both in list responses
// and as the body of a pushed "notification" event.
type ClientNotification struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Title          string         `json:"title"`
	Message        string         `json:"message"`
	AvatarFallback string         `json:"avatarFallback"`
	IconType       string         `json:"iconType"`
	Data           map[string]any `json:"data"`
	Time           string         `json:"time"`
	Section        string         `json:"section"`
	IsUnread       bool           `json:"isUnread"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// PagedResult is one page of a user's notifications.
type PagedResult struct {
	Notifications []ClientNotification `json:"notifications"`
	Total         int                  `json:"total"`
	Page          int                  `json:"page"`
	Pages         int                  `json:"pages"`
}

// CreateParams are the producer-supplied fields of a new notification.
// Title, Message, AvatarFallback and Data are optional.
type CreateParams struct {
	UserID         string           `json:"userId" validate:"required"`
	OrganizationID string           `json:"organizationId"`
	Type           NotificationType `json:"type" validate:"required"`
	Title          string           `json:"title"`
	Message        string           `json:"message"`
	AvatarFallback string           `json:"avatarFallback"`
	Data           map[string]any   `json:"data"`
}

// PageRequest selects a page of a user's notifications.
type PageRequest struct {
	Page       int
	Limit      int
	UnreadOnly bool
}

// ListQuery is the normalized query handed to a NotificationPersistence.
type ListQuery struct {
	UserID     string
	UnreadOnly bool
	Offset     int
	Limit      int
}
