package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"evcharge/internal/util"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSPublisher publishes events on <prefix>.<group> subjects
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSPublisher connects to the NATS server at url
func NewNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("evcharge-notify"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	if prefix == "" {
		prefix = "evcharge.notify"
	}

	logger := util.GetLogger()
	logger.Info("Connected to NATS", zap.String("url", url), zap.String("prefix", prefix))
	return &NATSPublisher{conn: nc, prefix: prefix, logger: logger}, nil
}

// Subject returns the subject used for group
func (p *NATSPublisher) Subject(group string) string {
	return p.prefix + "." + group
}

// Publish sends the event and, when ctx carries a deadline, waits for the
// server to acknowledge the flush within it
func (p *NATSPublisher) Publish(ctx context.Context, group, eventName string, payload interface{}) error {
	data, err := json.Marshal(Message{Event: eventName, Group: group, Data: payload})
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.Subject(group), data); err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}
	if _, ok := ctx.Deadline(); !ok {
		return nil
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush NATS publish: %w", err)
	}
	return nil
}

// Close drains pending messages and closes the connection
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
