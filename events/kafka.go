// Package events publishes closing snapshots to Kafka so downstream systems
// (accounting, audit) learn about every committed closing.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/warp/cash-register/register"
)

// EventClosingCreated is the event type header of closing messages.
const EventClosingCreated = "register.closing.created"

// ClosingEvent is the JSON payload of a closing message. Amounts are
// decimal strings.
type ClosingEvent struct {
	EventID      string    `json:"event_id"`
	EventType    string    `json:"event_type"`
	ClosingID    string    `json:"closing_id"`
	Owner        string    `json:"owner"`
	BusinessDate string    `json:"business_date"`
	CreatedAt    time.Time `json:"created_at"`
	Cash         string    `json:"cash"`
	Card         string    `json:"card"`
	Transfer     string    `json:"transfer"`
	GrandTotal   string    `json:"grand_total"`
}

func NewClosingEvent(c register.ClosingSnapshot) ClosingEvent {
	return ClosingEvent{
		EventID:      uuid.NewString(),
		EventType:    EventClosingCreated,
		ClosingID:    c.ID,
		Owner:        string(c.Owner),
		BusinessDate: c.BusinessDate.Format(register.DateLayout),
		CreatedAt:    c.CreatedAt,
		Cash:         c.Totals.Cash.StringFixed(2),
		Card:         c.Totals.Card.StringFixed(2),
		Transfer:     c.Totals.Transfer.StringFixed(2),
		GrandTotal:   c.GrandTotal.StringFixed(2),
	}
}

// Message encodes the event keyed by owner, so one owner's closings keep
// their order within a partition.
func (e ClosingEvent) Message() (kafkago.Message, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("marshal closing event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(e.Owner),
		Value: payload,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte(e.EventType)},
			{Key: "event_id", Value: []byte(e.EventID)},
		},
	}, nil
}

// messageWriter is the part of *kafkago.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaPublisher implements register.ClosingPublisher.
type KafkaPublisher struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafkago.Writer{
			Addr:         kafkago.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafkago.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafkago.RequireAll,
		},
		timeout: 5 * time.Second,
	}
}

func (p *KafkaPublisher) PublishClosing(ctx context.Context, c register.ClosingSnapshot) error {
	msg, err := NewClosingEvent(c).Message()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish closing %s: %w", c.ID, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
