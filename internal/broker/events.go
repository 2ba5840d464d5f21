package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"stock-ledger/internal/models"
	"stock-ledger/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventSink is where encoded events are written
type EventSink interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// EventPublisher handles publishing ledger events
type EventPublisher struct {
	sink EventSink
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(sink EventSink) *EventPublisher {
	return &EventPublisher{sink: sink}
}

// Publish writes a ledger event keyed by the aggregate it concerns
func (ep *EventPublisher) Publish(ctx context.Context, key string, event interface{}) error {
	return ep.sink.PublishEvent(ctx, key, event)
}

// EventHandler routes sale lifecycle events
type EventHandler struct {
	onSaleCompleted func(context.Context, *models.SaleEvent) error
	onSaleCancelled func(context.Context, *models.SaleEvent) error
	logger          *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnSaleCompleted registers a handler for SALE_COMPLETED events
func (eh *EventHandler) OnSaleCompleted(handler func(context.Context, *models.SaleEvent) error) {
	eh.onSaleCompleted = handler
}

// OnSaleCancelled registers a handler for SALE_CANCELLED events
func (eh *EventHandler) OnSaleCancelled(handler func(context.Context, *models.SaleEvent) error) {
	eh.onSaleCancelled = handler
}

// HandleMessage routes messages to appropriate handlers. Payloads that
// cannot be decoded and events the ledger rejects as invalid are reported
// as ErrUnprocessable.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var event models.SaleEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("%w: failed to unmarshal sale event: %v", ErrUnprocessable, err)
	}

	eh.logger.Debug("Handling event",
		zap.String("type", event.EventType),
		zap.String("id", event.EventID))

	var err error
	switch event.EventType {
	case models.EventTypeSaleCompleted:
		if eh.onSaleCompleted != nil {
			err = eh.onSaleCompleted(ctx, &event)
		}

	case models.EventTypeSaleCancelled:
		if eh.onSaleCancelled != nil {
			err = eh.onSaleCancelled(ctx, &event)
		}

	default:
		eh.logger.Debug("Ignoring event type", zap.String("type", event.EventType))
	}

	var validation *models.ValidationError
	var crossTenant *models.CrossTenantError
	if errors.As(err, &validation) || errors.As(err, &crossTenant) {
		return fmt.Errorf("%w: sale event %s: %v", ErrUnprocessable, event.EventID, err)
	}
	return err
}
