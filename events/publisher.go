// Package events publishes terminal checkout outcomes for downstream
// consumers such as booking confirmation mails.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// OutcomeEvent is written once a checkout flow reaches a terminal result
type OutcomeEvent struct {
	BookingID     string    `json:"bookingId"`
	PaymentID     string    `json:"paymentId,omitempty"`
	Outcome       string    `json:"outcome"`
	PaymentStatus string    `json:"paymentStatus,omitempty"`
	Unknown       bool      `json:"unknown,omitempty"`
	Message       string    `json:"message,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}

type Publisher interface {
	Publish(ctx context.Context, event OutcomeEvent) error
	Close() error
}

type kafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaPublisher writes outcome events to topic, keyed by booking so all
// events of a booking land on one partition.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) Publisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		Async:        true,
		Logger:       kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Debug(fmt.Sprintf(msg, args...)) }),
		ErrorLogger:  kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Error(fmt.Sprintf(msg, args...)) }),
	}

	writer.Completion = func(messages []kafka.Message, err error) {
		for _, msg := range messages {
			if err != nil {
				logger.Error("Failed to write outcome event",
					zap.String("key", string(msg.Key)),
					zap.Error(err),
				)
			}
		}
	}

	return &kafkaPublisher{writer: writer, logger: logger}
}

func (p *kafkaPublisher) Publish(ctx context.Context, event OutcomeEvent) error {
	msg, err := encode(event)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.writer.WriteTimeout)
	defer cancel()

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("Failed to publish outcome event",
			zap.String("booking_id", event.BookingID),
			zap.Error(err),
		)
		return fmt.Errorf("publish outcome event: %w", err)
	}
	p.logger.Debug("Outcome event published",
		zap.String("booking_id", event.BookingID),
		zap.String("outcome", event.Outcome),
	)
	return nil
}

func (p *kafkaPublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close outcome publisher: %w", err)
	}
	p.logger.Info("Outcome publisher closed")
	return nil
}

func encode(event OutcomeEvent) (kafka.Message, error) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	value, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode outcome event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(event.BookingID),
		Value: value,
		Time:  event.OccurredAt,
	}, nil
}

// Noop discards events; used when no brokers are configured
type Noop struct{}

func (Noop) Publish(context.Context, OutcomeEvent) error { return nil }
func (Noop) Close() error                                { return nil }
