package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"oai_harvester/internal/domain"
)

// RabbitMQ publishes record events and harvest alerts on one connection.
// Both message streams share a direct exchange with separate routing keys
// so downstream consumers can subscribe to either independently.
type RabbitMQ struct {
	conn      *amqp.Connection
	channel   *amqp.Channel
	exchange  string
	eventsKey string
	alertsKey string
	recipient string
	logger    *slog.Logger
}

type Config struct {
	URL              string
	Exchange         string
	EventsRoutingKey string
	EventsQueue      string
	AlertsRoutingKey string
	AlertsQueue      string
	AlertRecipient   string
}

func NewRabbitMQ(cfg Config, logger *slog.Logger) (*RabbitMQ, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		cfg.Exchange,
		"direct",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	bindings := []struct {
		queue      string
		routingKey string
	}{
		{cfg.EventsQueue, cfg.EventsRoutingKey},
		{cfg.AlertsQueue, cfg.AlertsRoutingKey},
	}
	for _, b := range bindings {
		q, err := ch.QueueDeclare(
			b.queue,
			true,
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("declare queue %s: %w", b.queue, err)
		}

		err = ch.QueueBind(
			q.Name,
			b.routingKey,
			cfg.Exchange,
			false,
			nil,
		)
		if err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("bind queue %s: %w", b.queue, err)
		}
	}

	logger.Info("connected to rabbitmq",
		"exchange", cfg.Exchange,
		"events_queue", cfg.EventsQueue,
		"alerts_queue", cfg.AlertsQueue,
	)

	return &RabbitMQ{
		conn:      conn,
		channel:   ch,
		exchange:  cfg.Exchange,
		eventsKey: cfg.EventsRoutingKey,
		alertsKey: cfg.AlertsRoutingKey,
		recipient: cfg.AlertRecipient,
		logger:    logger,
	}, nil
}

// PublishRecord announces one materialized, refreshed or removed item.
func (r *RabbitMQ) PublishRecord(ctx context.Context, event domain.RecordEvent) error {
	if err := r.publish(ctx, r.eventsKey, event); err != nil {
		return err
	}

	r.logger.Debug("published record event",
		"oai_id", event.OAIID,
		"action", event.Action,
	)
	return nil
}

// AlertMessage is the wire form of an operator alert. The recipient is the
// configured operator address; the mail relay consuming the alerts queue
// does the actual delivery.
type AlertMessage struct {
	Recipient string       `json:"recipient,omitempty"`
	Alert     domain.Alert `json:"alert"`
}

// Notify forwards an unrecoverable harvest outcome to the alerts queue.
func (r *RabbitMQ) Notify(ctx context.Context, alert domain.Alert) error {
	msg := AlertMessage{
		Recipient: r.recipient,
		Alert:     alert,
	}
	if err := r.publish(ctx, r.alertsKey, msg); err != nil {
		return err
	}

	r.logger.Debug("published harvest alert",
		"collection_id", alert.CollectionID,
		"status", alert.Status.String(),
	)
	return nil
}

func (r *RabbitMQ) publish(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	err = r.channel.PublishWithContext(
		ctx,
		r.exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

func (r *RabbitMQ) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
