package worker

import (
	"context"

	"evcharge/internal/broker"
	"evcharge/internal/models"
	"evcharge/internal/service"
	"evcharge/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// CallbackHandler applies a gateway notification
type CallbackHandler interface {
	HandleCallback(ctx context.Context, provider string, params map[string]string) (*models.PaymentTransaction, error)
}

// CallbackWorker applies queued payment gateway callbacks
type CallbackWorker struct {
	consumer *broker.Consumer
	payments CallbackHandler
	logger   *zap.Logger
}

// NewCallbackWorker creates a new callback worker
func NewCallbackWorker(consumer *broker.Consumer, payments CallbackHandler) *CallbackWorker {
	return &CallbackWorker{
		consumer: consumer,
		payments: payments,
		logger:   util.GetLogger(),
	}
}

// Start starts the worker
func (w *CallbackWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting payment callback worker")
	return w.consumer.StartConsuming(ctx, w.HandleMessage)
}

// HandleMessage applies one queued callback. Outcomes that will never succeed on
// retry are logged and acknowledged; only internal failures keep the message.
func (w *CallbackWorker) HandleMessage(ctx context.Context, msg kafka.Message) error {
	event, err := broker.DecodeCallback(msg)
	if err != nil {
		w.logger.Error("Dropping malformed callback message",
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}

	payment, err := w.payments.HandleCallback(ctx, event.Provider, event.Params)
	if err == nil {
		w.logger.Info("Payment callback applied",
			zap.String("event_id", event.EventID),
			zap.Int64("payment_id", payment.ID),
			zap.String("status", string(payment.Status)))
		return nil
	}

	if service.KindOf(err) == service.KindInternal {
		return err
	}
	w.logger.Warn("Payment callback rejected",
		zap.String("event_id", event.EventID),
		zap.String("provider", event.Provider),
		zap.String("kind", string(service.KindOf(err))),
		zap.Error(err))
	return nil
}

// Stop stops the worker
func (w *CallbackWorker) Stop() error {
	w.logger.Info("Stopping payment callback worker")
	return w.consumer.Close()
}
