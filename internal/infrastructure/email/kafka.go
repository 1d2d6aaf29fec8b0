package email

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Zhima-Mochi/fulfillment-engine/internal/application/notification"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSender publishes each email as JSON keyed by recipient, so all mail to
// one address lands on one partition in order.
type KafkaSender struct {
	w   messageWriter
	now func() time.Time
}

var _ notification.Sender = (*KafkaSender)(nil)

func NewKafkaSender(brokers []string, topic string) (*KafkaSender, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka email sender requires brokers")
	}
	if topic == "" {
		return nil, errors.New("kafka email sender requires a topic")
	}
	return newKafkaSender(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}), nil
}

func newKafkaSender(w messageWriter) *KafkaSender {
	return &KafkaSender{w: w, now: time.Now}
}

func (s *KafkaSender) Send(ctx context.Context, e notification.Email) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode email: %w", err)
	}
	if err := s.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.To),
		Value: value,
		Time:  s.now().UTC(),
	}); err != nil {
		return fmt.Errorf("publish email: %w", err)
	}
	return nil
}

func (s *KafkaSender) Close() error { return s.w.Close() }
