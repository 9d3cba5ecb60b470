package attendance

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// natsPublisher is the subset of *nats.Conn the bridge needs.
type natsPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSBridge implements presence.AttendanceBridge on NATS subjects
// <prefix>.check_in and <prefix>.check_out.
type NATSBridge struct {
	conn   natsPublisher
	prefix string
	now    func() time.Time
	logger zerolog.Logger
}

// NewNATSBridge is the constructor for the NATSBridge.
func NewNATSBridge(conn natsPublisher, subjectPrefix string, logger zerolog.Logger) (*NATSBridge, error) {
	if conn == nil {
		return nil, fmt.Errorf("nats connection cannot be nil")
	}
	if subjectPrefix == "" {
		return nil, fmt.Errorf("subject prefix cannot be empty")
	}
	return &NATSBridge{
		conn:   conn,
		prefix: subjectPrefix,
		now:    time.Now,
		logger: logger.With().Str("component", "NATSAttendance").Logger(),
	}, nil
}

// ConnectNATS dials url with reconnects enabled and logs connection events.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("presence-service"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	return nc, nil
}

func (b *NATSBridge) CheckIn(ctx context.Context, userID, organizationID string) error {
	return b.publish(ctx, checkInCommand(userID, organizationID, b.now()))
}

func (b *NATSBridge) CheckOut(ctx context.Context, userID, reason string) error {
	return b.publish(ctx, checkOutCommand(userID, reason, b.now()))
}

func (b *NATSBridge) publish(ctx context.Context, cmd Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := cmd.encode()
	if err != nil {
		return err
	}
	subject := b.prefix + "." + cmd.Action
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish %s for %s: %w", cmd.Action, cmd.UserID, err)
	}
	b.logger.Debug().Str("user", cmd.UserID).Str("subject", subject).Msg("Attendance command published.")
	return nil
}
