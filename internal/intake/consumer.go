package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"ai_strategy/internal/domain"
	"ai_strategy/internal/market"
)

// Handler receives every decoded opportunity.
type Handler func(ctx context.Context, opp domain.Opportunity) error

// Consumer reads external opportunities from a Kafka topic through a consumer group.
type Consumer struct {
	client       sarama.ConsumerGroup
	topic        string
	handler      Handler
	retryBackoff time.Duration
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

func NewConsumer(brokers []string, groupID, topic string, handler Handler) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Version = sarama.V2_8_0_0

	client, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, err
	}
	return newConsumer(client, topic, handler), nil
}

func newConsumer(client sarama.ConsumerGroup, topic string, handler Handler) *Consumer {
	return &Consumer{
		client:       client,
		topic:        topic,
		handler:      handler,
		retryBackoff: 5 * time.Second,
	}
}

// Start joins the group and blocks until the first session is set up. A
// failure before that first session is returned instead of retried.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	ready := make(chan bool)
	failed := make(chan error, 1)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		h := &groupHandler{handler: c.handler, ready: ready}
		for {
			err := c.client.Consume(ctx, []string{c.topic}, h)
			if ctx.Err() != nil {
				return
			}
			if err == nil {
				continue
			}
			if !closed(ready) || errors.Is(err, sarama.ErrClosedConsumerGroup) {
				failed <- err
				return
			}
			log.Printf("[机会接入] ⚠ 消费出错，%s 后重试: %v", c.retryBackoff, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.retryBackoff):
			}
		}
	}()

	select {
	case <-ready:
		log.Printf("[机会接入] Kafka 消费者已就绪 主题=%s", c.topic)
		return nil
	case err := <-failed:
		c.cancel()
		c.wg.Wait()
		return fmt.Errorf("join consumer group: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func closed(ch chan bool) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (c *Consumer) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.client.Close()
}

// groupHandler implements sarama.ConsumerGroupHandler
type groupHandler struct {
	handler Handler
	ready   chan bool
	once    sync.Once
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.once.Do(func() { close(h.ready) })
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			opp, err := Decode(message)
			if err != nil {
				// 无法解析的消息直接提交，避免阻塞分区
				log.Printf("[机会接入] ✘ 消息解析失败 分区=%d 偏移=%d: %v", message.Partition, message.Offset, err)
				session.MarkMessage(message, "")
				continue
			}
			if err := h.handler(session.Context(), opp); err != nil {
				log.Printf("[机会接入] ✘ 处理机会 %s 失败: %v", opp.ID, err)
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

type wireOpportunity struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Pair       string          `json:"pair"`
	DetectedAt *time.Time      `json:"detected_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Decode turns one Kafka message into an external-feed opportunity. Messages
// without an id fall back to the message key, then to topic/partition/offset,
// so redelivery yields the same ID.
func Decode(msg *sarama.ConsumerMessage) (domain.Opportunity, error) {
	var w wireOpportunity
	if err := json.Unmarshal(msg.Value, &w); err != nil {
		return domain.Opportunity{}, fmt.Errorf("decode opportunity: %w", err)
	}
	symbol := market.PairToSymbol(w.Symbol)
	if symbol == "" {
		symbol = market.PairToSymbol(w.Pair)
	}
	if symbol == "" {
		return domain.Opportunity{}, fmt.Errorf("decode opportunity: missing symbol")
	}

	id := strings.TrimSpace(w.ID)
	if id == "" {
		id = strings.TrimSpace(string(msg.Key))
	}
	if id == "" {
		id = fmt.Sprintf("%s-%d-%d", msg.Topic, msg.Partition, msg.Offset)
	}

	detected := msg.Timestamp
	if w.DetectedAt != nil && !w.DetectedAt.IsZero() {
		detected = *w.DetectedAt
	}
	payload := w.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(append([]byte(nil), msg.Value...))
	}
	return domain.Opportunity{
		ID:         id,
		Symbol:     symbol,
		Source:     domain.SourceExternalFeed,
		Payload:    payload,
		DetectedAt: detected.UTC(),
	}, nil
}
