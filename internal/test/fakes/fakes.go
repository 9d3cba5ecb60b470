// Package fakes provides in-memory test doubles for the service's external
// collaborators. They back the local run mode and the package tests.
package fakes

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

// --- Attendance ---

// AttendanceCall is one recorded bridge call.
type AttendanceCall struct {
	UserID         string
	OrganizationID string
	Reason         string
}

// Bridge is an AttendanceBridge that logs and records every call.
type Bridge struct {
	mu          sync.Mutex
	checkIns    []AttendanceCall
	checkOuts   []AttendanceCall
	checkInErr  error
	checkOutErr error
	logger      zerolog.Logger
}

func NewBridge(logger zerolog.Logger) *Bridge {
	return &Bridge{logger: logger.With().Str("component", "FakeAttendance").Logger()}
}

// FailWith makes subsequent calls record and then return the given errors.
func (b *Bridge) FailWith(checkInErr, checkOutErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkInErr = checkInErr
	b.checkOutErr = checkOutErr
}

func (b *Bridge) CheckIn(_ context.Context, userID, organizationID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkIns = append(b.checkIns, AttendanceCall{UserID: userID, OrganizationID: organizationID})
	b.logger.Info().Str("user", userID).Str("org", organizationID).Msg("[FAKES-ATTENDANCE] CheckIn called.")
	return b.checkInErr
}

func (b *Bridge) CheckOut(_ context.Context, userID, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkOuts = append(b.checkOuts, AttendanceCall{UserID: userID, Reason: reason})
	b.logger.Info().Str("user", userID).Str("reason", reason).Msg("[FAKES-ATTENDANCE] CheckOut called.")
	return b.checkOutErr
}

func (b *Bridge) CheckIns() []AttendanceCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]AttendanceCall(nil), b.checkIns...)
}

func (b *Bridge) CheckOuts() []AttendanceCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]AttendanceCall(nil), b.checkOuts...)
}

// --- Directory ---

// DirectoryEntry mirrors the presence fields of a user record.
type DirectoryEntry struct {
	IsOnline      bool
	LastHeartbeat *time.Time
}

// Directory is an in-memory UserDirectory.
type Directory struct {
	mu      sync.Mutex
	entries map[string]DirectoryEntry
	err     error
}

func NewDirectory() *Directory {
	return &Directory{entries: make(map[string]DirectoryEntry)}
}

// FailWith makes subsequent SetOnline calls return err without writing.
func (d *Directory) FailWith(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *Directory) SetOnline(_ context.Context, userID string, online bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	entry := DirectoryEntry{IsOnline: online}
	if online {
		now := time.Now().UTC()
		entry.LastHeartbeat = &now
	}
	d.entries[userID] = entry
	return nil
}

// Get returns the entry for userID; unknown users are offline.
func (d *Directory) Get(userID string) DirectoryEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.entries[userID]
}

// --- Persistence ---

// Persistence is an in-memory NotificationPersistence.
type Persistence struct {
	mu      sync.Mutex
	records map[string]presence.Notification
	err     error
}

func NewPersistence() *Persistence {
	return &Persistence{records: make(map[string]presence.Notification)}
}

// FailWith makes every subsequent call return err.
func (p *Persistence) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *Persistence) Create(_ context.Context, n *presence.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.records[n.ID] = cloneNotification(*n)
	return nil
}

func (p *Persistence) Find(_ context.Context, q presence.ListQuery) ([]presence.Notification, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, 0, p.err
	}

	var matched []presence.Notification
	for _, n := range p.records {
		if n.UserID != q.UserID || (q.UnreadOnly && n.IsRead) {
			continue
		}
		matched = append(matched, cloneNotification(n))
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if q.Offset < 0 {
		return nil, 0, fmt.Errorf("negative offset %d", q.Offset)
	}
	if q.Offset >= total {
		return []presence.Notification{}, total, nil
	}
	end := total
	if q.Limit > 0 && q.Offset+q.Limit < total {
		end = q.Offset + q.Limit
	}
	return matched[q.Offset:end], total, nil
}

func (p *Persistence) MarkRead(_ context.Context, notificationID, userID string) (*presence.Notification, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	n, ok := p.records[notificationID]
	if !ok || n.UserID != userID {
		return nil, nil
	}
	n.IsRead = true
	p.records[notificationID] = n
	out := cloneNotification(n)
	return &out, nil
}

func (p *Persistence) MarkAllRead(_ context.Context, userID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	changed := 0
	for id, n := range p.records {
		if n.UserID == userID && !n.IsRead {
			n.IsRead = true
			p.records[id] = n
			changed++
		}
	}
	return changed, nil
}

func (p *Persistence) CountUnread(_ context.Context, userID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	count := 0
	for _, n := range p.records {
		if n.UserID == userID && !n.IsRead {
			count++
		}
	}
	return count, nil
}

// Get returns the stored record, if any.
func (p *Persistence) Get(id string) (presence.Notification, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.records[id]
	return cloneNotification(n), ok
}

func cloneNotification(n presence.Notification) presence.Notification {
	if n.Data != nil {
		data := make(map[string]any, len(n.Data))
		for k, v := range n.Data {
			data[k] = v
		}
		n.Data = data
	}
	return n
}

// --- Sink ---

// SentFrame is one event written to a Sink.
type SentFrame struct {
	Event string
	Data  []byte
}

// Sink records every write. It satisfies realtime.Sink.
type Sink struct {
	mu     sync.Mutex
	frames []SentFrame
	err    error
	closed bool
}

func NewSink() *Sink { return &Sink{} }

// FailWith makes subsequent Send calls return err.
func (s *Sink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Sink) Send(event string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, SentFrame{Event: event, Data: append([]byte(nil), data...)})
	return nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Sink) Frames() []SentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentFrame(nil), s.frames...)
}

func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
