package notification

import (
	"strconv"
	"time"

	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

const (
	SectionNew     = "new"
	SectionEarlier = "earlier"

	week = 7 * 24 * time.Hour
)

// FormatForClient converts a stored record into its browser shape. The
// result depends only on n and now.
func FormatForClient(n presence.Notification, now time.Time) presence.ClientNotification {
	age := now.Sub(n.CreatedAt)
	section := SectionEarlier
	if age < week {
		section = SectionNew
	}
	data := n.Data
	if data == nil {
		data = map[string]any{}
	}
	return presence.ClientNotification{
		ID:             n.ID,
		Type:           ClientType(n.Type),
		Title:          n.Title,
		Message:        n.Message,
		AvatarFallback: n.AvatarFallback,
		IconType:       n.IconType,
		Data:           data,
		Time:           RelativeTime(age),
		Section:        section,
		IsUnread:       !n.IsRead,
		CreatedAt:      n.CreatedAt,
	}
}

// RelativeTime renders age as a coarse label: "Just now", "5m", "3h", "2d"
// or "4w". Units are truncated, never rounded up.
func RelativeTime(age time.Duration) string {
	switch {
	case age < time.Minute:
		return "Just now"
	case age < time.Hour:
		return strconv.Itoa(int(age/time.Minute)) + "m"
	case age < 24*time.Hour:
		return strconv.Itoa(int(age/time.Hour)) + "h"
	case age < week:
		return strconv.Itoa(int(age/(24*time.Hour))) + "d"
	default:
		return strconv.Itoa(int(age/week)) + "w"
	}
}
