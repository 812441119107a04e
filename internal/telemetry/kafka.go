package telemetry

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/segmentio/kafka-go"
)

// KafkaStore publishes telemetry events to a kafka topic, keyed by actor uid
// so per-user event streams stay ordered within a partition.
type KafkaStore struct {
	writer *kafka.Writer
}

func NewKafkaStore(brokers []string, topic string) *KafkaStore {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaStore{writer: w}
}

func (k *KafkaStore) Name() string { return "kafka" }

func (k *KafkaStore) Append(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	key := ev.DriverUID
	if key == 0 {
		key = ev.PassengerUID
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.Itoa(key)),
		Value: b,
	})
}

func (k *KafkaStore) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
