package attendance

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// publisher is the subset of *pubsub.Publisher the bridge needs.
type publisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
}

// PubSubBridge implements presence.AttendanceBridge on a Pub/Sub topic.
// Each call waits for the publish result.
type PubSubBridge struct {
	topic  publisher
	now    func() time.Time
	logger zerolog.Logger
}

// NewPubSubBridge is the constructor for the PubSubBridge.
func NewPubSubBridge(topic publisher, logger zerolog.Logger) *PubSubBridge {
	return &PubSubBridge{
		topic:  topic,
		now:    time.Now,
		logger: logger.With().Str("component", "PubSubAttendance").Logger(),
	}
}

func (b *PubSubBridge) CheckIn(ctx context.Context, userID, organizationID string) error {
	return b.publish(ctx, checkInCommand(userID, organizationID, b.now()))
}

func (b *PubSubBridge) CheckOut(ctx context.Context, userID, reason string) error {
	return b.publish(ctx, checkOutCommand(userID, reason, b.now()))
}

func (b *PubSubBridge) publish(ctx context.Context, cmd Command) error {
	data, err := cmd.encode()
	if err != nil {
		return err
	}
	result := b.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"action": cmd.Action},
	})
	id, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to publish %s for %s: %w", cmd.Action, cmd.UserID, err)
	}
	b.logger.Debug().Str("user", cmd.UserID).Str("action", cmd.Action).Str("msg_id", id).Msg("Attendance command published.")
	return nil
}

// EnsureTopic creates the topic if it does not exist yet.
func EnsureTopic(ctx context.Context, client *pubsub.Client, projectID, topicID string, logger zerolog.Logger) error {
	topicName := fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
	_, err := client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: topicName})
	if err == nil {
		return nil
	}
	if status.Code(err) != codes.NotFound {
		return fmt.Errorf("failed to get topic %s: %w", topicName, err)
	}
	logger.Info().Str("topic", topicName).Msg("Topic not found, creating it...")
	if _, err := client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: topicName}); err != nil {
		return fmt.Errorf("failed to create topic %s: %w", topicName, err)
	}
	return nil
}
