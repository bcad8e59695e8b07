package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// EventType versions the envelope payload.
const EventType = "inbox.message.received.v1"

const producer = "goinbox"

// Envelope wraps events published to brokers.
type Envelope struct {
	Meta EnvelopeMeta `json:"meta"`
	Data Event        `json:"data"`
}

type EnvelopeMeta struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Producer string    `json:"producer"`
	Time     time.Time `json:"time"`
}

// NewEnvelope stamps ev with a fresh id.
func NewEnvelope(ev Event) Envelope {
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return Envelope{
		Meta: EnvelopeMeta{ID: uuid.NewString(), Type: EventType, Producer: producer, Time: at},
		Data: ev,
	}
}

// AMQP publishes envelopes to a durable topic exchange with publisher confirms.
type AMQP struct {
	conn       *amqp.Connection
	exchange   string
	routingKey string
}

func NewAMQP(url, exchange, routingKey string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp exchange %s: %w", exchange, err)
	}
	return &AMQP{conn: conn, exchange: exchange, routingKey: routingKey}, nil
}

func (a *AMQP) Name() string { return "amqp" }

func (a *AMQP) Send(ctx context.Context, ev Event) error {
	ch, err := a.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := ch.Confirm(false); err != nil {
		return err
	}

	env := NewEnvelope(ev)
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	conf, err := ch.PublishWithDeferredConfirmWithContext(ctx, a.exchange, a.routingKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: strconv.FormatInt(ev.ConversationID, 10),
		Timestamp:     env.Meta.Time,
		Type:          EventType,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	ok, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("amqp confirm: %w", err)
	}
	if !ok {
		return fmt.Errorf("amqp publish nacked")
	}
	slog.Debug("notify.amqp_published", "id", env.Meta.ID, "key", a.routingKey)
	return nil
}

func (a *AMQP) Close() error { return a.conn.Close() }

// Kafka publishes envelopes keyed by conversation id, so one conversation's
// events stay ordered within a partition.
type Kafka struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafka(brokers []string, topic string) (*Kafka, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = producer
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return NewKafkaFromProducer(p, topic), nil
}

// NewKafkaFromProducer wraps an existing producer (mocks in tests).
func NewKafkaFromProducer(p sarama.SyncProducer, topic string) *Kafka {
	return &Kafka{producer: p, topic: topic}
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Send(_ context.Context, ev Event) error {
	env := NewEnvelope(ev)
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	partition, offset, err := k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(strconv.FormatInt(ev.ConversationID, 10)),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("type"), Value: []byte(EventType)},
		},
	})
	if err != nil {
		return fmt.Errorf("kafka send: %w", err)
	}
	slog.Debug("notify.kafka_published", "topic", k.topic, "partition", partition, "offset", offset)
	return nil
}

func (k *Kafka) Close() error { return k.producer.Close() }
