package notification

import "github.com/tinywideclouds/go-presence-service/pkg/presence"

// AvatarPlaceholder is the avatar fallback when a notification has no title.
const AvatarPlaceholder = "?"

type typeInfo struct {
	defaultTitle string
	icon         string
	clientType   string
}

var genericType = typeInfo{defaultTitle: "Notification", icon: "bell", clientType: "system"}

var catalog = map[presence.NotificationType]typeInfo{
	presence.TypeLeadAssigned:      {defaultTitle: "New lead assigned", icon: "user", clientType: "lead"},
	presence.TypeLeadStatusChanged: {defaultTitle: "Lead status updated", icon: "refresh", clientType: "lead"},
	presence.TypeLeadEscalated:     {defaultTitle: "Lead requires attention", icon: "alert", clientType: "alert"},
	presence.TypeTaskAssigned:      {defaultTitle: "New task assigned", icon: "task", clientType: "task"},
	presence.TypeTaskDue:           {defaultTitle: "Task due soon", icon: "clock", clientType: "task"},
	presence.TypeAgentRegistered:   {defaultTitle: "New agent registered", icon: "user-plus", clientType: "team"},
	presence.TypeCallCompleted:     {defaultTitle: "Call completed", icon: "phone", clientType: "activity"},
	presence.TypeMessageReceived:   {defaultTitle: "New message received", icon: "message", clientType: "message"},
	presence.TypeSystem:            genericType,
}

func lookup(t presence.NotificationType) typeInfo {
	if info, ok := catalog[t]; ok {
		return info
	}
	return genericType
}

// DefaultTitle returns the title used when a producer gives none.
func DefaultTitle(t presence.NotificationType) string { return lookup(t).defaultTitle }

// IconFor returns the icon name for t.
func IconFor(t presence.NotificationType) string { return lookup(t).icon }

// ClientType maps an internal type to the category browsers understand.
// Unknown types map to "system".
func ClientType(t presence.NotificationType) string { return lookup(t).clientType }
