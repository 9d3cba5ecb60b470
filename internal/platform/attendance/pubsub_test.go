package attendance_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-presence-service/internal/platform/attendance"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	projectID = "test-project"
	topicID   = "attendance-commands"
	subID     = "attendance-ledger"
)

type pubsubFixture struct {
	ctx    context.Context
	client *pubsub.Client
}

func setupPubSub(t *testing.T) *pubsubFixture {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), projectID, option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return &pubsubFixture{ctx: ctx, client: client}
}

func TestEnsureTopic(t *testing.T) {
	f := setupPubSub(t)

	require.NoError(t, attendance.EnsureTopic(f.ctx, f.client, projectID, topicID, zerolog.Nop()))
	require.NoError(t, attendance.EnsureTopic(f.ctx, f.client, projectID, topicID, zerolog.Nop()))

	topic, err := f.client.TopicAdminClient.GetTopic(f.ctx, &pubsubpb.GetTopicRequest{
		Topic: fmt.Sprintf("projects/%s/topics/%s", projectID, topicID),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, topic.Name)
}

func TestPubSubBridge_PublishesCommands(t *testing.T) {
	f := setupPubSub(t)
	require.NoError(t, attendance.EnsureTopic(f.ctx, f.client, projectID, topicID, zerolog.Nop()))
	_, err := f.client.SubscriptionAdminClient.CreateSubscription(f.ctx, &pubsubpb.Subscription{
		Name:  fmt.Sprintf("projects/%s/subscriptions/%s", projectID, subID),
		Topic: fmt.Sprintf("projects/%s/topics/%s", projectID, topicID),
	})
	require.NoError(t, err)

	publisher := f.client.Publisher(topicID)
	t.Cleanup(publisher.Stop)
	bridge := attendance.NewPubSubBridge(publisher, zerolog.Nop())

	require.NoError(t, bridge.CheckIn(f.ctx, "user-1", "org-1"))
	require.NoError(t, bridge.CheckOut(f.ctx, "user-1", "disconnect"))

	received := make(chan *pubsub.Message, 2)
	receiveCtx, cancelReceive := context.WithCancel(f.ctx)
	defer cancelReceive()
	go func() {
		_ = f.client.Subscriber(subID).Receive(receiveCtx, func(_ context.Context, msg *pubsub.Message) {
			msg.Ack()
			received <- msg
		})
	}()

	commands := map[string]attendance.Command{}
	for len(commands) < 2 {
		select {
		case msg := <-received:
			var cmd attendance.Command
			require.NoError(t, json.Unmarshal(msg.Data, &cmd))
			assert.Equal(t, cmd.Action, msg.Attributes["action"])
			commands[cmd.Action] = cmd
		case <-f.ctx.Done():
			t.Fatal("did not receive both attendance commands")
		}
	}

	assert.Equal(t, "user-1", commands[attendance.ActionCheckIn].UserID)
	assert.Equal(t, "org-1", commands[attendance.ActionCheckIn].OrganizationID)
	assert.Equal(t, "disconnect", commands[attendance.ActionCheckOut].Reason)
	assert.False(t, commands[attendance.ActionCheckOut].At.IsZero())
}
