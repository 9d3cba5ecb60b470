package presence

import "context"

// AttendanceBridge records work-session check-in and check-out. Calls are
// best-effort: a returned error is logged by the caller and never reverses
// a presence transition.
type AttendanceBridge interface {
	CheckIn(ctx context.Context, userID, organizationID string) error
	CheckOut(ctx context.Context, userID, reason string) error
}

// UserDirectory persists the presence fields of a user record.
// SetOnline(true) sets isOnline and stamps lastHeartbeat with the current
// time; SetOnline(false) clears isOnline and nulls lastHeartbeat.
type UserDirectory interface {
	SetOnline(ctx context.Context, userID string, online bool) error
}

// NotificationPersistence stores notification records.
type NotificationPersistence interface {
	// Create persists a fully populated notification.
	Create(ctx context.Context, n *Notification) error

	// Find returns one page of matching records, newest first, along with
	// the total number of matching records.
	Find(ctx context.Context, q ListQuery) ([]Notification, int, error)

	// MarkRead flips isRead on the record only if it belongs to userID.
	// It returns (nil, nil) when no such record exists for that user.
	MarkRead(ctx context.Context, notificationID, userID string) (*Notification, error)

	// MarkAllRead flips every unread record of userID and returns the count changed.
	MarkAllRead(ctx context.Context, userID string) (int, error)

	// CountUnread returns the number of unread records of userID.
	CountUnread(ctx context.Context, userID string) (int, error)
}

// ServiceDependencies holds the external collaborators the service needs.
type ServiceDependencies struct {
	Persistence NotificationPersistence
	Directory   UserDirectory
	Attendance  AttendanceBridge
}
