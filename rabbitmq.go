package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

const (
	rabbitDialAttempts = 5
	rabbitDialDelay    = 500 * time.Millisecond
	rabbitMaxDialDelay = 10 * time.Second
)

// EventMeta is the metadata block of a published lifecycle event.
type EventMeta struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Time          time.Time `json:"time"`
	Type          string    `json:"type"`
	Producer      string    `json:"producer"`
}

// Envelope is the wire shape of every lifecycle event.
type Envelope struct {
	Meta EventMeta `json:"meta"`
	Data any       `json:"data"`
}

// RabbitPublisher publishes envelopes to a durable topic exchange, routed by event type.
type RabbitPublisher struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
}

// InitRabbitMQ connects and declares the exchange. An empty url disables
// publishing and returns nil, nil.
func InitRabbitMQ(ctx context.Context, rabbitURL, exchange string) (*RabbitPublisher, error) {
	if rabbitURL == "" {
		log.Info().Msg("RABBITMQ_URL is not set. RabbitMQ publishing disabled.")
		return nil, nil
	}
	conn, err := dialRabbitWithRetry(ctx, rabbitURL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open RabbitMQ channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare RabbitMQ exchange %s: %w", exchange, err)
	}
	log.Info().Str("exchange", exchange).Msg("RabbitMQ connection established.")
	return &RabbitPublisher{conn: conn, channel: ch, exchange: exchange}, nil
}

func dialRabbitWithRetry(ctx context.Context, rabbitURL string) (*amqp091.Connection, error) {
	var lastErr error
	delay := rabbitDialDelay
	for attempt := 1; attempt <= rabbitDialAttempts; attempt++ {
		conn, err := amqp091.Dial(rabbitURL)
		if err == nil {
			if attempt > 1 {
				log.Info().Int("attempt", attempt).Msg("RabbitMQ connected")
			}
			return conn, nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Dur("sleep", delay).Msg("RabbitMQ dial failed")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("RabbitMQ dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
		delay *= 2
		if delay > rabbitMaxDialDelay {
			delay = rabbitMaxDialDelay
		}
	}
	return nil, fmt.Errorf("could not connect to RabbitMQ after %d attempts: %w", rabbitDialAttempts, lastErr)
}

// Publish sends env as a persistent JSON message with routing key env.Meta.Type.
func (p *RabbitPublisher) Publish(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	messageID := env.Meta.ID
	if messageID == "" {
		messageID = uuid.NewString()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.channel.PublishWithContext(ctx,
		p.exchange,    // exchange
		env.Meta.Type, // routing key
		false,         // mandatory
		false,         // immediate
		amqp091.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp091.Persistent,
			MessageId:     messageID,
			CorrelationId: env.Meta.CorrelationID,
			Timestamp:     env.Meta.Time,
			Type:          env.Meta.Type,
			AppId:         env.Meta.Producer,
			Body:          body,
		},
	)
	if err != nil {
		log.Error().Err(err).Str("exchange", p.exchange).Str("routingKey", env.Meta.Type).Msg("Could not publish to RabbitMQ")
		return err
	}
	log.Debug().Str("exchange", p.exchange).Str("routingKey", env.Meta.Type).Msg("Published message to RabbitMQ")
	return nil
}

// Close releases the channel and connection.
func (p *RabbitPublisher) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
