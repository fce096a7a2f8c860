package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// NotificationMessage is the record written to the notifications topic
type NotificationMessage struct {
	Event string      `json:"event"`
	Group string      `json:"group"`
	Data  interface{} `json:"data"`
}

// NotificationPublisher is a notification transport backed by Kafka.
// The group is the message key, so one group's events share a partition.
type NotificationPublisher struct {
	producer *Producer
}

// NewNotificationPublisher creates a new notification publisher
func NewNotificationPublisher(producer *Producer) *NotificationPublisher {
	return &NotificationPublisher{producer: producer}
}

func (np *NotificationPublisher) Publish(ctx context.Context, group, eventName string, payload interface{}) error {
	return np.producer.PublishEvent(ctx, group, NotificationMessage{Event: eventName, Group: group, Data: payload})
}

// PaymentCallbackEvent carries a verified gateway notification to the callback worker
type PaymentCallbackEvent struct {
	EventID    string            `json:"event_id"`
	Provider   string            `json:"provider"`
	Params     map[string]string `json:"params"`
	ReceivedAt time.Time         `json:"received_at"`
}

// CallbackPublisher queues gateway callbacks for asynchronous processing
type CallbackPublisher struct {
	producer *Producer
}

// NewCallbackPublisher creates a new callback publisher
func NewCallbackPublisher(producer *Producer) *CallbackPublisher {
	return &CallbackPublisher{producer: producer}
}

// PublishCallback enqueues the callback keyed by payment reference, so
// callbacks for one payment are consumed in arrival order
func (cp *CallbackPublisher) PublishCallback(ctx context.Context, provider, paymentRef string, params map[string]string) error {
	event := PaymentCallbackEvent{
		EventID:    uuid.New().String(),
		Provider:   provider,
		Params:     params,
		ReceivedAt: time.Now(),
	}
	return cp.producer.PublishEvent(ctx, fmt.Sprintf("payment-%s", paymentRef), event)
}

// DecodeCallback parses a message from the callbacks topic
func DecodeCallback(msg kafka.Message) (*PaymentCallbackEvent, error) {
	var event PaymentCallbackEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal callback event: %w", err)
	}
	if event.Provider == "" {
		return nil, fmt.Errorf("callback event %s has no provider", event.EventID)
	}
	return &event, nil
}
