package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSlowConsumer is returned by Send when a connection's outbound queue is full.
	ErrSlowConsumer = errors.New("connection outbound queue is full")
	// ErrConnectionClosed is returned by Send after the connection was closed.
	ErrConnectionClosed = errors.New("connection is closed")
)

// Sink is the writable end of one open push connection.
type Sink interface {
	Send(event string, data []byte) error
	Close() error
}

// Connection is the handle for one open push connection (one browser tab
// or device). The registry owns it from OnConnect until it is removed.
type Connection struct {
	ID             string
	UserID         string
	OrganizationID string
	OpenedAt       time.Time
	sink           Sink
}

// NewConnection wraps sink in a new handle with a fresh ID.
func NewConnection(userID, organizationID string, sink Sink) *Connection {
	return &Connection{
		ID:             uuid.NewString(),
		UserID:         userID,
		OrganizationID: organizationID,
		OpenedAt:       time.Now().UTC(),
		sink:           sink,
	}
}

// Send writes one event to the connection without blocking.
func (c *Connection) Send(event string, data []byte) error {
	return c.sink.Send(event, data)
}

// Close closes the underlying sink. The transport notices and returns.
func (c *Connection) Close() error {
	return c.sink.Close()
}

// Frame is one queued outbound event.
type Frame struct {
	Event string
	Data  []byte
}

// QueueSink is a Sink backed by a bounded channel that a single transport
// goroutine drains, which keeps per-connection writes in order. Send never
// blocks: a full queue fails with ErrSlowConsumer.
type QueueSink struct {
	frames chan Frame
	done   chan struct{}
	once   sync.Once
}

// NewQueueSink creates a sink that buffers up to size frames.
func NewQueueSink(size int) *QueueSink {
	if size < 1 {
		size = 1
	}
	return &QueueSink{
		frames: make(chan Frame, size),
		done:   make(chan struct{}),
	}
}

func (s *QueueSink) Send(event string, data []byte) error {
	select {
	case <-s.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case s.frames <- Frame{Event: event, Data: data}:
		return nil
	case <-s.done:
		return ErrConnectionClosed
	default:
		return ErrSlowConsumer
	}
}

func (s *QueueSink) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// Frames is drained by the transport writer.
func (s *QueueSink) Frames() <-chan Frame { return s.frames }

// Done is closed once the sink is closed.
func (s *QueueSink) Done() <-chan struct{} { return s.done }
