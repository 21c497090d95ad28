package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/vladm3105/tradegent/pkg/logger"
)

// ConsumerChannel is the part of an AMQP channel a Consumer uses.
type ConsumerChannel interface {
	Publisher
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
}

// MessageObserver counts delivery outcomes. internal/metrics implements it.
type MessageObserver interface {
	QueueMessage(queue, outcome string)
}

type MessageHandler interface {
	Handle(ctx context.Context, queueName string, body []byte) (Event, error)
}

// Consumer feeds deliveries from several queues into a fixed set of
// processors sharing one prefetch window.
type Consumer struct {
	ch         ConsumerChannel
	handler    MessageHandler
	observer   MessageObserver
	processors int
	maxRetries int
	events     bool
}

type NewConsumerParams struct {
	Channel  ConsumerChannel
	Handler  MessageHandler
	Observer MessageObserver
	// Processors is both the number of messages handled at once and the
	// channel prefetch.
	Processors int
	MaxRetries int
	// PublishEvents sends an Event per handled message to EventExchange.
	PublishEvents bool
}

func NewConsumer(params NewConsumerParams) *Consumer {
	if params.Processors <= 0 {
		params.Processors = 1
	}
	if params.MaxRetries <= 0 {
		params.MaxRetries = DefaultMaxRetries
	}
	return &Consumer{
		ch:         params.Channel,
		handler:    params.Handler,
		observer:   params.Observer,
		processors: params.Processors,
		maxRetries: params.MaxRetries,
		events:     params.PublishEvents,
	}
}

type queuedMessage struct {
	msg       amqp091.Delivery
	queueName string
}

// Run consumes queues until ctx is done or a delivery channel closes.
func (c *Consumer) Run(ctx context.Context, queues []string) error {
	if err := c.ch.Qos(c.processors, 0, true); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries := make(map[string]<-chan amqp091.Delivery, len(queues))
	for _, name := range queues {
		msgs, err := c.ch.Consume(
			name,
			name+"_consumer",
			false, // autoAck
			false, // exclusive
			false, // noLocal
			false, // noWait
			nil,
		)
		if err != nil {
			return fmt.Errorf("consume %s: %w", name, err)
		}
		deliveries[name] = msgs
	}

	messageChan := make(chan queuedMessage)
	g, gctx := errgroup.WithContext(ctx)

	var feeders sync.WaitGroup
	for name, msgs := range deliveries {
		feeders.Add(1)
		g.Go(func() error {
			defer feeders.Done()
			for {
				select {
				case <-gctx.Done():
					return nil
				case msg, ok := <-msgs:
					if !ok {
						return fmt.Errorf("delivery channel of %s closed", name)
					}
					select {
					case messageChan <- queuedMessage{msg: msg, queueName: name}:
					case <-gctx.Done():
						// unacked; the broker redelivers it
						return nil
					}
				}
			}
		})
	}
	go func() {
		feeders.Wait()
		close(messageChan)
	}()

	for range c.processors {
		g.Go(func() error {
			for qm := range messageChan {
				c.process(ctx, qm)
			}
			return nil
		})
	}

	logger.Info("[Queue] Listening for messages", "queues", queues, "processors", c.processors)
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Consumer) process(ctx context.Context, qm queuedMessage) {
	start := time.Now()
	logger.Debug("[Queue] Received message", "queue", qm.queueName, "retries", Retries(qm.msg.Headers))

	ev, err := c.handler.Handle(ctx, qm.queueName, qm.msg.Body)

	outcome := OutcomeAck
	switch {
	case err != nil && ctx.Err() != nil:
		// shutting down; hand the message back without spending a retry
		outcome = OutcomeRequeue
		if nackErr := qm.msg.Nack(false, true); nackErr != nil {
			logger.Error("[Queue] Failed to nack message", "err", nackErr)
		}
	case err != nil:
		logger.Error("[Queue] Error processing message", "queue", qm.queueName, "doc_id", ev.DocID, "err", err)
		outcome = HandleFailure(context.WithoutCancel(ctx), c.ch, qm.msg, qm.queueName, err, c.maxRetries)
	default:
		if ackErr := qm.msg.Ack(false); ackErr != nil {
			logger.Error("[Queue] Failed to ack message", "err", ackErr)
		}
		logger.Info("[Queue] Message processed",
			"queue", qm.queueName,
			"doc_id", ev.DocID,
			"status", ev.Status,
			"duration", time.Since(start),
		)
	}
	if c.observer != nil {
		c.observer.QueueMessage(qm.queueName, outcome)
	}
	if c.events && ev.DocID != "" && outcome != OutcomeRequeue {
		c.publishEvent(ctx, ev)
	}
}

func (c *Consumer) publishEvent(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Error("[Queue] Failed to encode event", "doc_id", ev.DocID, "err", err)
		return
	}
	if err := PublishTopic(context.WithoutCancel(ctx), c.ch, ev.Topic(), data); err != nil {
		logger.Warn("[Queue] Failed to publish event", "topic", ev.Topic(), "err", err)
	}
}
