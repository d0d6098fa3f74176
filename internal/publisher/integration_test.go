//go:build integration

package publisher

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"

	"oai_harvester/internal/domain"
)

type RabbitMQIntegrationSuite struct {
	suite.Suite
	ctx       context.Context
	container *rabbitmq.RabbitMQContainer
	amqpURL   string
	logger    *slog.Logger
}

func (s *RabbitMQIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()
	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	container, err := rabbitmq.Run(s.ctx,
		"rabbitmq:3.13-management-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Server startup complete").
				WithStartupTimeout(60*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	amqpURL, err := container.AmqpURL(s.ctx)
	s.Require().NoError(err)
	s.amqpURL = amqpURL
}

func (s *RabbitMQIntegrationSuite) TearDownSuite() {
	if s.container != nil {
		_ = s.container.Terminate(s.ctx)
	}
}

func TestRabbitMQIntegrationSuite(t *testing.T) {
	suite.Run(t, new(RabbitMQIntegrationSuite))
}

func (s *RabbitMQIntegrationSuite) config(suffix string) Config {
	return Config{
		URL:              s.amqpURL,
		Exchange:         "harvester-" + suffix,
		EventsRoutingKey: "records-" + suffix,
		EventsQueue:      "harvested-records-" + suffix,
		AlertsRoutingKey: "alerts-" + suffix,
		AlertsQueue:      "harvest-alerts-" + suffix,
		AlertRecipient:   "operator@example.org",
	}
}

func (s *RabbitMQIntegrationSuite) TestPublisher_Connection() {
	pub, err := NewRabbitMQ(s.config("conn"), s.logger)
	s.NoError(err)
	s.NotNil(pub)

	err = pub.Close()
	s.NoError(err)
}

func (s *RabbitMQIntegrationSuite) TestPublisher_PublishRecord() {
	cfg := s.config("records")

	pub, err := NewRabbitMQ(cfg, s.logger)
	s.Require().NoError(err)
	defer pub.Close()

	event := domain.RecordEvent{
		Action:       domain.RecordCreated,
		CollectionID: uuid.New(),
		ItemID:       uuid.New(),
		OAIID:        "oai:example.org:1",
		Timestamp:    time.Now().UTC().Truncate(time.Millisecond),
	}

	err = pub.PublishRecord(s.ctx, event)
	s.NoError(err)

	msg := s.consumeMessage(cfg.EventsQueue)
	s.Require().NotNil(msg)
	s.Equal("application/json", msg.ContentType)
	s.Equal(uint8(amqp.Persistent), msg.DeliveryMode)

	var received domain.RecordEvent
	err = json.Unmarshal(msg.Body, &received)
	s.NoError(err)
	s.Equal(domain.RecordCreated, received.Action)
	s.Equal(event.ItemID, received.ItemID)
	s.Equal("oai:example.org:1", received.OAIID)
}

func (s *RabbitMQIntegrationSuite) TestPublisher_Notify() {
	cfg := s.config("alerts")

	pub, err := NewRabbitMQ(cfg, s.logger)
	s.Require().NoError(err)
	defer pub.Close()

	alert := domain.Alert{
		CollectionID: uuid.New(),
		Status:       domain.StatusOAIError,
		Message:      "the OAI server did not respond",
		Detail:       "Identify after 3 attempts: connection refused",
		OccurredAt:   time.Now().UTC().Truncate(time.Millisecond),
	}

	err = pub.Notify(s.ctx, alert)
	s.NoError(err)

	msg := s.consumeMessage(cfg.AlertsQueue)
	s.Require().NotNil(msg)

	var received AlertMessage
	err = json.Unmarshal(msg.Body, &received)
	s.NoError(err)
	s.Equal("operator@example.org", received.Recipient)
	s.Equal(domain.StatusOAIError, received.Alert.Status)
	s.Equal("the OAI server did not respond", received.Alert.Message)
}

func (s *RabbitMQIntegrationSuite) TestPublisher_StreamsAreIndependent() {
	cfg := s.config("split")

	pub, err := NewRabbitMQ(cfg, s.logger)
	s.Require().NoError(err)
	defer pub.Close()

	s.NoError(pub.PublishRecord(s.ctx, domain.RecordEvent{
		Action:    domain.RecordDeleted,
		OAIID:     "oai:example.org:2",
		Timestamp: time.Now().UTC(),
	}))
	s.NoError(pub.Notify(s.ctx, domain.Alert{
		Status:     domain.StatusUnknownError,
		Message:    "harvest interrupted",
		OccurredAt: time.Now().UTC(),
	}))

	eventMsg := s.consumeMessage(cfg.EventsQueue)
	s.Require().NotNil(eventMsg)
	var event domain.RecordEvent
	s.NoError(json.Unmarshal(eventMsg.Body, &event))
	s.Equal(domain.RecordDeleted, event.Action)

	alertMsg := s.consumeMessage(cfg.AlertsQueue)
	s.Require().NotNil(alertMsg)
	var alert AlertMessage
	s.NoError(json.Unmarshal(alertMsg.Body, &alert))
	s.Equal("harvest interrupted", alert.Alert.Message)
}

func (s *RabbitMQIntegrationSuite) consumeMessage(queue string) *amqp.Delivery {
	conn, err := amqp.Dial(s.amqpURL)
	s.Require().NoError(err)
	defer conn.Close()

	ch, err := conn.Channel()
	s.Require().NoError(err)
	defer ch.Close()

	msgs, err := ch.Consume(queue, "", true, false, false, false, nil)
	s.Require().NoError(err)

	select {
	case msg := <-msgs:
		return &msg
	case <-time.After(5 * time.Second):
		s.Fail("Timeout waiting for message")
		return nil
	}
}
