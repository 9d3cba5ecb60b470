package realtime

import (
	"context"
	"errors"
	"hash/maphash"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-presence-service/internal/platform/metrics"
	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

const (
	// DefaultGraceWindow is how long a user may hold zero connections before
	// being marked offline.
	DefaultGraceWindow = 30 * time.Second
	// DefaultSideEffectTimeout bounds each directory or attendance call.
	DefaultSideEffectTimeout = 5 * time.Second

	// stripeCount must be a power of 2.
	stripeCount = 64
)

// ErrCoordinatorClosed is returned by OnConnect after Close.
var ErrCoordinatorClosed = errors.New("presence coordinator is closed")

// State is a user's presence state.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateGracePeriod
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateGracePeriod:
		return "grace_period"
	default:
		return "disconnected"
	}
}

// CoordinatorConfig tunes the coordinator. Zero values take the defaults.
type CoordinatorConfig struct {
	GraceWindow       time.Duration
	SideEffectTimeout time.Duration
}

// UserPresence is one row of a Snapshot.
type UserPresence struct {
	UserID         string `json:"userId"`
	OrganizationID string `json:"organizationId"`
	State          string `json:"state"`
	Connections    int    `json:"connections"`
}

type trackedUser struct {
	state          State
	organizationID string
}

// Coordinator owns the connection registry and the offline timers and runs
// the connect/disconnect protocol for every user.
//
// All transitions for one user (connect, disconnect, timer fire, logout) are
// serialized on a striped mutex, and the directory and attendance calls for a
// transition run while that stripe is held. A user's online and offline side
// effects are therefore never reordered. Different users proceed in parallel.
type Coordinator struct {
	registry   *Registry
	timers     *TimerTable
	directory  presence.UserDirectory
	attendance presence.AttendanceBridge

	graceWindow       time.Duration
	sideEffectTimeout time.Duration

	seed    maphash.Seed
	stripes [stripeCount]sync.Mutex

	stateMu sync.RWMutex
	states  map[string]trackedUser // absent means StateDisconnected

	closed  atomic.Bool
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewCoordinator creates a coordinator with an empty registry; every user
// starts disconnected.
func NewCoordinator(
	cfg CoordinatorConfig,
	directory presence.UserDirectory,
	attendance presence.AttendanceBridge,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Coordinator {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	if cfg.SideEffectTimeout <= 0 {
		cfg.SideEffectTimeout = DefaultSideEffectTimeout
	}
	return &Coordinator{
		registry:          NewRegistry(),
		timers:            NewTimerTable(),
		directory:         directory,
		attendance:        attendance,
		graceWindow:       cfg.GraceWindow,
		sideEffectTimeout: cfg.SideEffectTimeout,
		seed:              maphash.MakeSeed(),
		states:            make(map[string]trackedUser),
		metrics:           m,
		logger:            logger.With().Str("component", "PresenceCoordinator").Logger(),
	}
}

func (c *Coordinator) lockUser(userID string) func() {
	mu := &c.stripes[maphash.String(c.seed, userID)&(stripeCount-1)]
	mu.Lock()
	return mu.Unlock
}

// Open creates a handle for sink and registers it.
func (c *Coordinator) Open(ctx context.Context, userID, organizationID string, sink Sink) (*Connection, error) {
	conn := NewConnection(userID, organizationID, sink)
	if err := c.OnConnect(ctx, conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// OnConnect registers conn. A pending offline timer for the user is
// cancelled. If the user was disconnected they are marked online and
// checked in; a reconnect during the grace period emits nothing.
// Registering the same handle twice is a no-op.
func (c *Coordinator) OnConnect(ctx context.Context, conn *Connection) error {
	if c.closed.Load() {
		return ErrCoordinatorClosed
	}
	unlock := c.lockUser(conn.UserID)
	defer unlock()

	log := c.logger.With().Str("user", conn.UserID).Str("conn", conn.ID).Logger()

	if c.timers.Cancel(conn.UserID) {
		log.Debug().Msg("Reconnected within grace window, offline timer cancelled.")
	}
	prev := c.State(conn.UserID)

	if !c.registry.Add(conn) {
		return nil
	}
	// Close may have swept the registry between the check above and Add.
	if c.closed.Load() {
		c.registry.Remove(conn)
		if err := conn.Close(); err != nil {
			log.Debug().Err(err).Msg("Error closing connection refused during shutdown.")
		}
		return ErrCoordinatorClosed
	}
	c.metrics.ConnectionOpened()
	log.Info().Int("connections", c.registry.Count(conn.UserID)).Msg("Connection opened.")

	if prev == StateDisconnected {
		c.setState(conn.UserID, conn.OrganizationID, StateConnected)
		c.markOnline(ctx, log, conn.UserID, conn.OrganizationID)
		return nil
	}
	if prev == StateGracePeriod {
		c.setState(conn.UserID, conn.OrganizationID, StateConnected)
	}
	return nil
}

// OnDisconnect unregisters conn. When it was the user's last connection the
// user enters the grace period and an offline timer is armed. Unknown or
// already removed handles are a no-op.
func (c *Coordinator) OnDisconnect(_ context.Context, conn *Connection) {
	unlock := c.lockUser(conn.UserID)
	defer unlock()

	removed, remaining := c.registry.Remove(conn)
	if !removed {
		return
	}
	c.metrics.ConnectionClosed()

	log := c.logger.With().Str("user", conn.UserID).Str("conn", conn.ID).Logger()
	log.Info().Int("connections", remaining).Msg("Connection closed.")

	if remaining > 0 || c.closed.Load() {
		return
	}
	// A user who logged out is already offline.
	if c.State(conn.UserID) != StateConnected {
		return
	}
	c.setState(conn.UserID, conn.OrganizationID, StateGracePeriod)
	c.timers.Schedule(conn.UserID, conn.OrganizationID, c.graceWindow, c.expire)
	log.Debug().Dur("grace_window", c.graceWindow).Msg("Last connection closed, offline timer armed.")
}

// Drop closes a connection whose write failed and unregisters it exactly as
// a transport disconnect would. The transport's own later OnDisconnect for
// the same handle is a no-op.
func (c *Coordinator) Drop(ctx context.Context, conn *Connection, cause error) {
	c.logger.Warn().Err(cause).Str("user", conn.UserID).Str("conn", conn.ID).Msg("Dropping connection after failed write.")
	if err := conn.Close(); err != nil {
		c.logger.Warn().Err(err).Str("conn", conn.ID).Msg("Error closing dropped connection.")
	}
	c.OnDisconnect(ctx, conn)
}

// expire runs when an offline timer fires. It acts only if p is still the
// user's current timer, the user still has no connections and is still in
// the grace period.
func (c *Coordinator) expire(p *PendingOffline) {
	unlock := c.lockUser(p.UserID)
	defer unlock()

	if !c.timers.Release(p) {
		return
	}
	if c.registry.IsConnected(p.UserID) || c.State(p.UserID) != StateGracePeriod {
		return
	}
	log := c.logger.With().Str("user", p.UserID).Logger()
	log.Info().Msg("Grace window elapsed without reconnect.")
	c.markOffline(context.Background(), log, p.UserID, presence.ReasonDisconnect)
}

// Logout marks the user offline immediately and checks them out with reason
// "manual", skipping the grace period. Connections the user still holds stay
// registered; when they close no further check-out is emitted.
func (c *Coordinator) Logout(ctx context.Context, userID string) {
	unlock := c.lockUser(userID)
	defer unlock()

	c.timers.Cancel(userID)
	log := c.logger.With().Str("user", userID).Logger()
	log.Info().Int("connections", c.registry.Count(userID)).Msg("Explicit logout.")
	c.markOffline(ctx, log, userID, presence.ReasonManual)
}

// IsConnected reports whether userID holds at least one open connection.
func (c *Coordinator) IsConnected(userID string) bool {
	return c.registry.IsConnected(userID)
}

// HandlesFor returns a snapshot of userID's open connections.
func (c *Coordinator) HandlesFor(userID string) []*Connection {
	return c.registry.HandlesFor(userID)
}

// ConnectedUserIDs returns every user holding at least one connection.
func (c *Coordinator) ConnectedUserIDs() []string {
	return c.registry.ConnectedUserIDs()
}

// State returns userID's presence state.
func (c *Coordinator) State(userID string) State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.states[userID].state
}

// Presence returns userID's presence row. The organization comes from the
// tracked state or, after a logout, from a still open connection.
func (c *Coordinator) Presence(userID string) UserPresence {
	c.stateMu.RLock()
	tracked := c.states[userID]
	c.stateMu.RUnlock()

	handles := c.registry.HandlesFor(userID)
	org := tracked.organizationID
	if org == "" && len(handles) > 0 {
		org = handles[0].OrganizationID
	}
	return UserPresence{
		UserID:         userID,
		OrganizationID: org,
		State:          tracked.state.String(),
		Connections:    len(handles),
	}
}

// Snapshot lists every user that is not disconnected or still holds a
// connection, sorted by user ID.
func (c *Coordinator) Snapshot() []UserPresence {
	seen := make(map[string]struct{})
	c.stateMu.RLock()
	for id := range c.states {
		seen[id] = struct{}{}
	}
	c.stateMu.RUnlock()
	for _, id := range c.registry.ConnectedUserIDs() {
		seen[id] = struct{}{}
	}

	out := make([]UserPresence, 0, len(seen))
	for id := range seen {
		out = append(out, c.Presence(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Close stops every pending offline timer and closes every open connection.
// No check-outs are emitted and no new timers are armed afterwards.
func (c *Coordinator) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	stopped := c.timers.StopAll()
	closed := 0
	c.registry.ForEach(func(conn *Connection) {
		if err := conn.Close(); err != nil {
			c.logger.Warn().Err(err).Str("conn", conn.ID).Msg("Error closing connection.")
		}
		closed++
	})
	c.logger.Info().Int("timers_stopped", stopped).Int("connections_closed", closed).Msg("Presence coordinator closed.")
}

func (c *Coordinator) setState(userID, organizationID string, s State) {
	c.stateMu.Lock()
	if s == StateDisconnected {
		delete(c.states, userID)
	} else {
		c.states[userID] = trackedUser{state: s, organizationID: organizationID}
	}
	online := len(c.states)
	c.stateMu.Unlock()
	c.metrics.SetUsersOnline(online)
}

func (c *Coordinator) sideEffectContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.sideEffectTimeout)
}

// markOnline runs the online side effects. Failures are logged only.
func (c *Coordinator) markOnline(ctx context.Context, log zerolog.Logger, userID, organizationID string) {
	ctx, cancel := c.sideEffectContext(ctx)
	defer cancel()

	c.metrics.Transition("online")
	c.bestEffort(log, "set_online", c.directory.SetOnline(ctx, userID, true))
	if c.bestEffort(log, "check_in", c.attendance.CheckIn(ctx, userID, organizationID)) {
		log.Info().Str("org", organizationID).Msg("User online, checked in.")
	}
}

// markOffline moves the user to Disconnected and runs the offline side
// effects. Failures are logged only.
func (c *Coordinator) markOffline(ctx context.Context, log zerolog.Logger, userID, reason string) {
	c.setState(userID, "", StateDisconnected)

	ctx, cancel := c.sideEffectContext(ctx)
	defer cancel()

	c.metrics.Transition("offline")
	c.bestEffort(log, "set_offline", c.directory.SetOnline(ctx, userID, false))
	if c.bestEffort(log, "check_out", c.attendance.CheckOut(ctx, userID, reason)) {
		log.Info().Str("reason", reason).Msg("User offline, checked out.")
	}
}

// bestEffort logs err and reports whether the call succeeded. A failed
// directory or attendance call never fails or reverses a transition.
func (c *Coordinator) bestEffort(log zerolog.Logger, op string, err error) bool {
	if err == nil {
		return true
	}
	c.metrics.BridgeFailure(op)
	log.Warn().Err(err).Str("op", op).Msg("Best-effort presence side effect failed, continuing.")
	return false
}
