package queue

import (
	"context"
	"errors"

	"github.com/rabbitmq/amqp091-go"

	"github.com/vladm3105/tradegent/pkg/logger"
)

const (
	RetriesHeader = "x-retries"
	ErrorHeader   = "x-last-error"

	DefaultMaxRetries = 10
)

// Delivery outcomes.
const (
	OutcomeAck        = "ack"
	OutcomeRetry      = "retry"
	OutcomeDeadLetter = "dead_letter"
	OutcomeRequeue    = "requeue"
)

// Retries reads the retry count a message has accumulated. Producers and
// brokers encode header integers with different widths.
func Retries(headers amqp091.Table) int {
	switch v := headers[RetriesHeader].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	default:
		return 0
	}
}

// HandleFailure routes a failed delivery: permanent failures and messages
// retried maxRetries times go to the dead-letter queue, everything else to
// the retry queue. The delivery is acked once the copy is published and
// requeued when publishing fails.
func HandleFailure(ctx context.Context, ch Publisher, msg amqp091.Delivery, queueName string, cause error, maxRetries int) string {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	retries := Retries(msg.Headers)

	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	if cause != nil {
		headers[ErrorHeader] = cause.Error()
	}

	target, outcome := RetryQueue(queueName), OutcomeRetry
	if errors.Is(cause, ErrPermanent) || retries >= maxRetries {
		target, outcome = DeadLetterQueue(queueName), OutcomeDeadLetter
		logger.Warn("[Queue] Sending message to DLQ", "dlq", target, "retries", retries, "err", cause)
	} else {
		headers[RetriesHeader] = int32(retries + 1)
	}

	pubErr := ch.PublishWithContext(ctx, "", target, false, false, amqp091.Publishing{
		ContentType:  msg.ContentType,
		Body:         msg.Body,
		Headers:      headers,
		DeliveryMode: amqp091.Persistent,
	})
	if pubErr != nil {
		logger.Error("[Queue] Failed to publish failed message", "target", target, "err", pubErr)
		if err := msg.Nack(false, true); err != nil {
			logger.Error("[Queue] Failed to nack message", "err", err)
		}
		return OutcomeRequeue
	}
	if err := msg.Ack(false); err != nil {
		logger.Error("[Queue] Failed to ack message", "err", err)
	}
	return outcome
}
