package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"github.com/mbd888/cardguard/internal/fraud"
	"github.com/mbd888/cardguard/internal/logging"
)

// Dead-letter message headers.
const (
	HeaderReason          = "x-dead-letter-reason"
	HeaderError           = "x-dead-letter-error"
	HeaderSourceTopic     = "x-source-topic"
	HeaderSourcePartition = "x-source-partition"
	HeaderSourceOffset    = "x-source-offset"
)

// maxPoll bounds a single Poll so a done context is noticed promptly.
const maxPoll = 100 * time.Millisecond

// KafkaSource consumes the transaction topic with manual commits.
type KafkaSource struct {
	consumer *kafka.Consumer
	logger   *slog.Logger
}

// NewKafkaSource subscribes group to topic on broker. Consumption starts
// from the earliest uncommitted offset.
func NewKafkaSource(broker, group, topic string, logger *slog.Logger) (*KafkaSource, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  broker,
		"group.id":           group,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": false,
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	if err := c.SubscribeTopics([]string{topic}, nil); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &KafkaSource{consumer: c, logger: logger}, nil
}

func (s *KafkaSource) ReadBatch(ctx context.Context, max int, window time.Duration) ([]Message, error) {
	deadline := time.Now().Add(window)
	var out []Message

	for len(out) < max {
		if ctx.Err() != nil {
			return out, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if remaining > maxPoll {
			remaining = maxPoll
		}

		switch e := s.consumer.Poll(int(remaining.Milliseconds()) + 1).(type) {
		case nil:
		case *kafka.Message:
			out = append(out, fromKafka(e))
		case kafka.Error:
			if e.IsFatal() {
				return out, e
			}
			s.logger.Warn("kafka consumer error", "code", e.Code().String(), "error", e)
		default:
			s.logger.Debug("kafka event ignored", "event", e.String())
		}
	}
	return out, nil
}

// Commit commits the consumer's current offsets. Having nothing to commit
// is not an error.
func (s *KafkaSource) Commit(ctx context.Context) error {
	_, err := s.consumer.Commit()
	var kerr kafka.Error
	if errors.As(err, &kerr) && kerr.Code() == kafka.ErrNoOffset {
		return nil
	}
	return err
}

// Ping asks the cluster for metadata.
func (s *KafkaSource) Ping(ctx context.Context) error {
	timeout := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	_, err := s.consumer.GetMetadata(nil, false, int(timeout.Milliseconds()))
	return err
}

func (s *KafkaSource) Close() error {
	return s.consumer.Close()
}

func fromKafka(m *kafka.Message) Message {
	msg := Message{
		Partition: m.TopicPartition.Partition,
		Offset:    int64(m.TopicPartition.Offset),
		Key:       m.Key,
		Value:     m.Value,
	}
	if m.TopicPartition.Topic != nil {
		msg.Topic = *m.TopicPartition.Topic
	}
	return msg
}

// KafkaSink publishes verdicts and dead letters. Either topic may be empty,
// which drops that stream.
type KafkaSink struct {
	producer         *kafka.Producer
	verdictTopic     string
	deadLetterTopic  string
	logger           *slog.Logger
	deliveryFinished chan struct{}
}

// NewKafkaSink creates an idempotent producer on broker.
func NewKafkaSink(broker, verdictTopic, deadLetterTopic string, logger *slog.Logger) (*KafkaSink, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  broker,
		"enable.idempotence": true,
		"linger.ms":          5,
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	s := &KafkaSink{
		producer:         p,
		verdictTopic:     verdictTopic,
		deadLetterTopic:  deadLetterTopic,
		logger:           logger,
		deliveryFinished: make(chan struct{}),
	}
	go s.watchDeliveries()
	return s, nil
}

func (s *KafkaSink) watchDeliveries() {
	defer close(s.deliveryFinished)
	for ev := range s.producer.Events() {
		switch e := ev.(type) {
		case *kafka.Message:
			if e.TopicPartition.Error != nil {
				deliveryFailures.Inc()
				s.logger.Error("kafka delivery failed", "topic", topicName(e), "error", e.TopicPartition.Error)
			}
		case kafka.Error:
			s.logger.Error("kafka producer error", "code", e.Code().String(), "error", e)
		}
	}
}

func (s *KafkaSink) Verdict(ctx context.Context, v *fraud.Verdict) error {
	if s.verdictTopic == "" {
		return nil
	}
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode verdict: %w", err)
	}
	return s.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &s.verdictTopic, Partition: kafka.PartitionAny},
		Key:            []byte(strconv.FormatInt(v.CardID, 10)),
		Value:          value,
		Headers:        []kafka.Header{{Key: "status", Value: []byte(v.Status)}},
	}, nil)
}

func (s *KafkaSink) DeadLetter(ctx context.Context, msg Message, reason string, cause error) error {
	if s.deadLetterTopic == "" {
		return nil
	}
	return s.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &s.deadLetterTopic, Partition: kafka.PartitionAny},
		Key:            msg.Key,
		Value:          msg.Value,
		Headers:        deadLetterHeaders(msg, reason, cause),
	}, nil)
}

// Close flushes outstanding messages for up to timeout and closes the producer.
func (s *KafkaSink) Close(timeout time.Duration) {
	if left := s.producer.Flush(int(timeout.Milliseconds())); left > 0 {
		s.logger.Warn("kafka producer closed with undelivered messages", "count", left)
	}
	s.producer.Close()
	<-s.deliveryFinished
}

func deadLetterHeaders(msg Message, reason string, cause error) []kafka.Header {
	h := []kafka.Header{
		{Key: HeaderReason, Value: []byte(reason)},
		{Key: HeaderSourceTopic, Value: []byte(msg.Topic)},
		{Key: HeaderSourcePartition, Value: []byte(strconv.FormatInt(int64(msg.Partition), 10))},
		{Key: HeaderSourceOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
	}
	if cause != nil {
		h = append(h, kafka.Header{Key: HeaderError, Value: []byte(cause.Error())})
	}
	return h
}

func topicName(m *kafka.Message) string {
	if m.TopicPartition.Topic == nil {
		return ""
	}
	return *m.TopicPartition.Topic
}
