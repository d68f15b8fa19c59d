package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// DefaultTopic is the topic notifications are published on.
const DefaultTopic = "stepflow.notifications"

// Message metadata keys set on every published notification.
const (
	MetadataExecutionID = "execution_id"
	MetadataStatus      = "status"
	MetadataUserID      = "user_id"
)

// WatermillNotifier publishes notifications as JSON messages through any
// watermill publisher (gochannel, Kafka, ...).
type WatermillNotifier struct {
	publisher message.Publisher
	topic     string
}

// NewWatermillNotifier creates a notifier publishing on topic
// (DefaultTopic when empty).
func NewWatermillNotifier(pub message.Publisher, topic string) *WatermillNotifier {
	if topic == "" {
		topic = DefaultTopic
	}
	return &WatermillNotifier{publisher: pub, topic: topic}
}

func (w *WatermillNotifier) Notify(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(MetadataExecutionID, n.ExecutionID)
	msg.Metadata.Set(MetadataStatus, n.Status)
	if n.UserID != "" {
		msg.Metadata.Set(MetadataUserID, n.UserID)
	}
	msg.SetContext(ctx)

	if err := w.publisher.Publish(w.topic, msg); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Topic returns the topic notifications are published on.
func (w *WatermillNotifier) Topic() string { return w.topic }

// NewGoChannel creates an in-memory watermill pub/sub bridged to slog.
// The same instance serves as publisher and subscriber.
func NewGoChannel(logger *slog.Logger, buffer int64) *gochannel.GoChannel {
	return gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            buffer,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		watermill.NewSlogLogger(logger),
	)
}

// DecodeNotification unmarshals a published message payload.
func DecodeNotification(msg *message.Message) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(msg.Payload, &n); err != nil {
		return Notification{}, fmt.Errorf("decode notification %s: %w", msg.UUID, err)
	}
	return n, nil
}

var _ Notifier = (*WatermillNotifier)(nil)
