package intake

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai_strategy/internal/domain"
)

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	ch chan *sarama.ConsumerMessage
}

func (c fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.ch }

func TestDecodeOpportunity(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	opp, err := Decode(&sarama.ConsumerMessage{
		Topic: "trading.opportunities",
		Value: []byte(`{"id":"ext-1","pair":"eth/usdt","detected_at":"2026-03-01T12:00:00Z","payload":{"score":0.8}}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "ext-1", opp.ID)
	assert.Equal(t, "ETHUSDT", opp.Symbol)
	assert.Equal(t, domain.SourceExternalFeed, opp.Source)
	assert.True(t, at.Equal(opp.DetectedAt))
	assert.JSONEq(t, `{"score":0.8}`, string(opp.Payload))
}

func TestDecodeFallsBackToKeyThenOffset(t *testing.T) {
	opp, err := Decode(&sarama.ConsumerMessage{Key: []byte("k-7"), Value: []byte(`{"symbol":"BTCUSDT"}`)})
	require.NoError(t, err)
	assert.Equal(t, "k-7", opp.ID)
	assert.JSONEq(t, `{"symbol":"BTCUSDT"}`, string(opp.Payload))

	msg := &sarama.ConsumerMessage{Topic: "t", Partition: 2, Offset: 41, Value: []byte(`{"symbol":"BTCUSDT"}`)}
	first, err := Decode(msg)
	require.NoError(t, err)
	again, err := Decode(msg)
	require.NoError(t, err)
	assert.Equal(t, "t-2-41", first.ID)
	assert.Equal(t, first.ID, again.ID)
}

func TestDecodeRejectsBadMessages(t *testing.T) {
	_, err := Decode(&sarama.ConsumerMessage{Value: []byte(`not json`)})
	assert.Error(t, err)
	_, err = Decode(&sarama.ConsumerMessage{Value: []byte(`{"id":"x"}`)})
	assert.Error(t, err)
}

func TestConsumeClaimMarksEveryMessage(t *testing.T) {
	var mu sync.Mutex
	var got []domain.Opportunity
	h := &groupHandler{
		ready: make(chan bool),
		handler: func(_ context.Context, opp domain.Opportunity) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, opp)
			if opp.ID == "bad-handler" {
				return errors.New("pipeline down")
			}
			return nil
		},
	}
	require.NoError(t, h.Setup(nil))
	require.NoError(t, h.Setup(nil))

	ch := make(chan *sarama.ConsumerMessage, 3)
	ch <- &sarama.ConsumerMessage{Offset: 1, Value: []byte(`{"id":"a","symbol":"BTCUSDT"}`)}
	ch <- &sarama.ConsumerMessage{Offset: 2, Value: []byte(`garbage`)}
	ch <- &sarama.ConsumerMessage{Offset: 3, Value: []byte(`{"id":"bad-handler","symbol":"ETHUSDT"}`)}
	close(ch)

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, h.ConsumeClaim(session, fakeClaim{ch: ch}))

	assert.Equal(t, []int64{1, 2, 3}, session.marked)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "bad-handler", got[1].ID)
}

func TestConsumeClaimStopsWithSession(t *testing.T) {
	h := &groupHandler{ready: make(chan bool), handler: func(context.Context, domain.Opportunity) error { return nil }}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() {
		done <- h.ConsumeClaim(&fakeSession{ctx: ctx}, fakeClaim{ch: make(chan *sarama.ConsumerMessage)})
	}()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim did not return after session end")
	}
}

// fakeGroup runs a scripted Consume per call.
type fakeGroup struct {
	sarama.ConsumerGroup
	mu     sync.Mutex
	calls  int
	script func(call int, ctx context.Context, h sarama.ConsumerGroupHandler) error
}

func (g *fakeGroup) Consume(ctx context.Context, _ []string, h sarama.ConsumerGroupHandler) error {
	g.mu.Lock()
	g.calls++
	n := g.calls
	g.mu.Unlock()
	return g.script(n, ctx, h)
}

func (g *fakeGroup) Close() error { return nil }

func (g *fakeGroup) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func noopHandler(context.Context, domain.Opportunity) error { return nil }

func TestStartReturnsErrorWhenGroupNeverJoins(t *testing.T) {
	group := &fakeGroup{script: func(int, context.Context, sarama.ConsumerGroupHandler) error {
		return errors.New("kafka: client has run out of available brokers")
	}}
	c := newConsumer(group, "trading.opportunities", noopHandler)

	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background()) }()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "out of available brokers")
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Consume failed")
	}
	assert.Equal(t, 1, group.count())
	assert.NoError(t, c.Close())
}

func TestStartRetriesAfterFirstSession(t *testing.T) {
	group := &fakeGroup{script: func(call int, ctx context.Context, h sarama.ConsumerGroupHandler) error {
		if err := h.Setup(nil); err != nil {
			return err
		}
		if call == 1 {
			return errors.New("rebalance in progress")
		}
		<-ctx.Done()
		return nil
	}}
	c := newConsumer(group, "trading.opportunities", noopHandler)
	c.retryBackoff = time.Millisecond

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return group.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.NoError(t, c.Close())
}

func TestStartHonoursCancelledContext(t *testing.T) {
	group := &fakeGroup{script: func(_ int, ctx context.Context, _ sarama.ConsumerGroupHandler) error {
		<-ctx.Done()
		return nil
	}}
	c := newConsumer(group, "trading.opportunities", noopHandler)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, c.Start(ctx), context.Canceled)
	assert.NoError(t, c.Close())
}
