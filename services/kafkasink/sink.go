// Package kafkasink publishes audit events to a kafka topic.
package kafkasink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/audit"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink writes one message per event, keyed by entity so the events of a record stay ordered.
type Sink struct {
	w messageWriter
}

var _ audit.Sink = (*Sink)(nil)

func New(conf core.KafkaConfig) *Sink {
	return &Sink{w: &kafka.Writer{
		Addr:                   kafka.TCP(conf.Brokers...),
		Topic:                  conf.AuditTopic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}}
}

func (s *Sink) Write(ctx context.Context, ev audit.Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encoding audit event")
	}
	msg := kafka.Message{
		Key:   []byte(ev.Entity + "/" + ev.EntityID),
		Value: value,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(ev.Action)},
			{Key: "actor_id", Value: []byte(ev.ActorID)},
		},
	}
	return errors.Wrap(s.w.WriteMessages(ctx, msg), "publishing audit event")
}

func (s *Sink) Close() error {
	return s.w.Close()
}
