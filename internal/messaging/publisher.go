// Package messaging publishes committed-turn events to RabbitMQ for
// fan-out consumers (websocket push, analytics). Publishing is best effort:
// the turn is already durable in Postgres before anything reaches the queue.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"dialogue-server/internal/models"
)

// DefaultClientUpdatesQueue is the queue fan-out consumers read from.
const DefaultClientUpdatesQueue = "client_updates"

// ClientUpdatePublisher publishes a committed turn to the client-updates
// queue.
type ClientUpdatePublisher interface {
	PublishClientUpdate(ctx context.Context, payload models.ClientTurnUpdate) error
}

type rabbitMQPublisher struct {
	channel   *amqp.Channel
	queueName string
	logger    *zap.Logger
}

// NewRabbitMQClientUpdatePublisher opens a channel on the given connection
// and declares the durable queue. Queue parameters must match the
// consumers' declaration.
func NewRabbitMQClientUpdatePublisher(conn *amqp.Connection, queueName string, logger *zap.Logger) (ClientUpdatePublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("client update publisher: failed to open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("client update publisher: failed to declare queue %q: %w", queueName, err)
	}
	return &rabbitMQPublisher{
		channel:   ch,
		queueName: queueName,
		logger:    logger.Named("ClientUpdatePublisher"),
	}, nil
}

var _ ClientUpdatePublisher = (*rabbitMQPublisher)(nil)

func (p *rabbitMQPublisher) PublishClientUpdate(ctx context.Context, payload models.ClientTurnUpdate) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal client turn update: %w", err)
	}
	return p.publishMessage(ctx, body)
}

func (p *rabbitMQPublisher) publishMessage(ctx context.Context, body []byte) error {
	if p.channel == nil {
		return errors.New("rabbitmq channel is not initialized")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		err = p.channel.PublishWithContext(ctx,
			"",          // exchange (default)
			p.queueName, // routing key = queue name
			false,       // mandatory
			false,       // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Body:         body,
				Timestamp:    time.Now(),
				AppId:        "dialogue-server",
			},
		)
		if err == nil {
			return nil
		}
		p.logger.Warn("Publish attempt failed",
			zap.String("queue", p.queueName), zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	return fmt.Errorf("failed to publish to queue %s after retries: %w", p.queueName, err)
}

// NoopClientUpdatePublisher drops every update. Used when RabbitMQ is not
// configured.
type NoopClientUpdatePublisher struct{}

func (NoopClientUpdatePublisher) PublishClientUpdate(ctx context.Context, payload models.ClientTurnUpdate) error {
	return nil
}
