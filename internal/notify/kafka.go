package notify

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/IBM/sarama"
)

// KafkaNotifier publishes events as JSON through a sarama async producer.
// Messages are keyed by symbol so one symbol's events stay ordered.
type KafkaNotifier struct {
	producer sarama.AsyncProducer
	topic    string
	wg       sync.WaitGroup
}

func NewKafkaNotifier(brokers []string, topic string) (*KafkaNotifier, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Return.Successes = false
	config.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return NewKafkaNotifierWithProducer(producer, topic), nil
}

// NewKafkaNotifierWithProducer wraps an existing producer; it drains the error channel.
func NewKafkaNotifierWithProducer(producer sarama.AsyncProducer, topic string) *KafkaNotifier {
	k := &KafkaNotifier{producer: producer, topic: topic}
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		for perr := range producer.Errors() {
			log.Printf("[通知] Kafka 投递失败 topic=%s: %v", topic, perr.Err)
		}
	}()
	return k
}

func (k *KafkaNotifier) Notify(ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[通知] 事件序列化失败 %s: %v", ev.Type, err)
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(ev.Type)},
		},
	}
	if ev.Symbol != "" {
		msg.Key = sarama.StringEncoder(ev.Symbol)
	}
	k.producer.Input() <- msg
}

// Close flushes pending messages and stops the error drain.
func (k *KafkaNotifier) Close() error {
	k.producer.AsyncClose()
	k.wg.Wait()
	return nil
}
