package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/citysync/config"
	"example.com/backstage/services/citysync/internal/models"
	"example.com/backstage/services/citysync/internal/services"
)

// Settlement is what happens to a received message
type Settlement string

// Message settlements
const (
	SettleComplete   Settlement = "complete"
	SettleAbandon    Settlement = "abandon"
	SettleDeadLetter Settlement = "dead_letter"
)

// EventProcessor applies one city event
type EventProcessor interface {
	ProcessEvent(ctx context.Context, event *models.CityEvent) (*models.SyncResult, error)
}

// SettlementRecorder counts settled messages
type SettlementRecorder interface {
	RecordQueueMessage(settlement string)
}

// receiver is the subset of *azservicebus.Receiver the consumer uses
type receiver interface {
	ReceiveMessages(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error
	DeadLetterMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.DeadLetterOptions) error
	Close(ctx context.Context) error
}

// Consumer feeds city events from a Service Bus queue into the event processor
type Consumer struct {
	client    *azservicebus.Client
	receiver  receiver
	queueName string
	batchSize int
	processor EventProcessor
	recorder  SettlementRecorder
}

// NewConsumer connects to the configured queue
func NewConsumer(cfg config.AzureConfig, processor EventProcessor, recorder SettlementRecorder) (*Consumer, error) {
	if cfg.QueueConnStr == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	r, err := client.NewReceiverForQueue(cfg.QueueName, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus receiver")
	}

	c := newConsumer(r, cfg.QueueName, cfg.BatchSize, processor, recorder)
	c.client = client
	return c, nil
}

func newConsumer(r receiver, queueName string, batchSize int, processor EventProcessor, recorder SettlementRecorder) *Consumer {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Consumer{
		receiver:  r,
		queueName: queueName,
		batchSize: batchSize,
		processor: processor,
		recorder:  recorder,
	}
}

// Run receives until ctx is canceled
func (c *Consumer) Run(ctx context.Context) error {
	log.Info().Str("queue", c.queueName).Msg("Starting city event consumer")

	for {
		messages, err := c.receiver.ReceiveMessages(ctx, c.batchSize, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var sbErr *azservicebus.Error
			if errors.As(err, &sbErr) && sbErr.Code == azservicebus.CodeConnectionLost {
				log.Warn().Err(err).Msg("Service Bus connection lost, retrying")
				if !sleep(ctx, 2*time.Second) {
					return nil
				}
				continue
			}
			return errors.Wrap(err, "failed to receive messages")
		}

		for _, message := range messages {
			c.handle(ctx, message)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) handle(ctx context.Context, message *azservicebus.ReceivedMessage) {
	settlement, reason := c.process(ctx, message.Body)
	logger := log.With().Str("message_id", message.MessageID).Str("settlement", string(settlement)).Logger()

	// Settle with a fresh context so shutdown does not strand a processed message
	settleCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	switch settlement {
	case SettleComplete:
		err = c.receiver.CompleteMessage(settleCtx, message, nil)
	case SettleAbandon:
		logger.Warn().Str("reason", reason).Msg("Abandoning city event for redelivery")
		err = c.receiver.AbandonMessage(settleCtx, message, nil)
	case SettleDeadLetter:
		logger.Warn().Str("reason", reason).Msg("Dead-lettering city event")
		deadLetterReason := "InvalidCityEvent"
		err = c.receiver.DeadLetterMessage(settleCtx, message, &azservicebus.DeadLetterOptions{
			Reason:           &deadLetterReason,
			ErrorDescription: &reason,
		})
	}
	if err != nil {
		logger.Error().Err(err).Msg("Failed to settle message")
		return
	}

	if c.recorder != nil {
		c.recorder.RecordQueueMessage(string(settlement))
	}
}

// process decodes and applies one message body and decides its settlement
func (c *Consumer) process(ctx context.Context, body []byte) (Settlement, string) {
	var event models.CityEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return SettleDeadLetter, "malformed JSON: " + err.Error()
	}

	result, err := c.processor.ProcessEvent(ctx, &event)
	return Settle(result, err)
}

// Settle maps a processing outcome onto a settlement. Invalid events can never
// succeed and are dead-lettered; storage errors are abandoned for redelivery.
func Settle(result *models.SyncResult, err error) (Settlement, string) {
	if err != nil {
		if services.IsValidationError(err) {
			return SettleDeadLetter, err.Error()
		}
		return SettleAbandon, err.Error()
	}
	if result.Action == models.ActionError {
		return SettleAbandon, result.Error
	}
	return SettleComplete, ""
}

// Close closes the receiver and client
func (c *Consumer) Close(ctx context.Context) error {
	if c.receiver != nil {
		if err := c.receiver.Close(ctx); err != nil {
			return err
		}
	}
	if c.client != nil {
		return c.client.Close(ctx)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
