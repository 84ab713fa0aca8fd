package actionlog

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"relaybot/internal/storage"
)

// KafkaSink publishes entries as JSON, keyed by chat id so a chat's entries
// stay on one partition.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink returns nil when no brokers are configured.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	var addrs []string
	for _, b := range brokers {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	if len(addrs) == 0 || strings.TrimSpace(topic) == "" {
		return nil
	}
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(addrs...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Publish(ctx context.Context, e storage.AuditEntry) error {
	value, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(kafkaKey(e)),
		Value: value,
		Time:  e.At,
	})
}

func (k *KafkaSink) Close() error { return k.writer.Close() }

func kafkaKey(e storage.AuditEntry) string {
	if e.ChatID != 0 {
		return strconv.FormatInt(e.ChatID, 10)
	}
	return e.Action
}
