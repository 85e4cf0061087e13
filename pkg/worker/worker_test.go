package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/lab-booking/pkg/event"
	"github.com/jwalitptl/lab-booking/pkg/logger"
	"github.com/jwalitptl/lab-booking/pkg/messaging"
	redisbroker "github.com/jwalitptl/lab-booking/pkg/messaging/redis"
	"github.com/jwalitptl/lab-booking/pkg/metrics"
)

type mockBroker struct {
	mock.Mock
}

func (m *mockBroker) Publish(ctx context.Context, channel string, message interface{}) error {
	return m.Called(ctx, channel, message).Error(0)
}

func (m *mockBroker) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	args := m.Called(ctx, channel)
	ch, _ := args.Get(0).(<-chan []byte)
	return ch, args.Error(1)
}

func (m *mockBroker) Close() error { return nil }

func testConfig() OutboxProcessorConfig {
	return OutboxProcessorConfig{
		Channel:       "labbook.events",
		BatchSize:     10,
		PollInterval:  10 * time.Millisecond,
		RetryAttempts: 2,
		RetryDelay:    time.Millisecond,
	}
}

func TestNewOutboxProcessorRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 0
	assert.Panics(t, func() {
		NewOutboxProcessor(event.NewMemoryOutbox(1, 1), &mockBroker{}, cfg, logger.Nop(), nil)
	})
}

func TestProcessOnceRetriesThenMarksFailed(t *testing.T) {
	ctx := context.Background()
	outbox := event.NewMemoryOutbox(10, 5)
	svc := event.NewService(outbox, nil)
	svc.Emit(ctx, event.New(event.BookingCreated, event.SeverityInfo, "booking created"))

	broker := &mockBroker{}
	broker.On("Publish", mock.Anything, "labbook.events", mock.Anything).Return(errors.New("down")).Times(2)

	m := metrics.New("test", "worker", prometheus.NewRegistry())
	p := NewOutboxProcessor(outbox, broker, testConfig(), logger.Nop(), m)
	require.NoError(t, p.ProcessOnce(ctx))

	broker.AssertNumberOfCalls(t, "Publish", 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsFailed.WithLabelValues(string(event.BookingCreated))))
	pending, _ := outbox.GetPendingEvents(ctx, 0)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
}

func TestProcessorDeliversToConsumer(t *testing.T) {
	mr := miniredis.RunT(t)
	broker := redisbroker.NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), nil)
	t.Cleanup(func() { _ = broker.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New("test", "worker", prometheus.NewRegistry())
	received := make(chan event.Event, 1)
	consumer := NewEventConsumer(messaging.NewBrokerAdapter(broker, nil), "labbook.events", nil, m)
	consumer.OnEvent(func(e event.Event) { received <- e })

	subscribed := make(chan error, 1)
	go func() {
		subscribed <- consumer.Run(ctx)
	}()
	// Wait until miniredis reports the subscriber before publishing.
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub("labbook.events")["labbook.events"] == 1
	}, 2*time.Second, 5*time.Millisecond)

	outbox := event.NewMemoryOutbox(10, 3)
	sent := event.New(event.PaymentSettled, event.SeverityInfo, "payment settled").With("booking_id", "bk-9")
	sent.SessionID = "s-1"
	event.NewService(outbox, nil).Emit(ctx, sent)

	p := NewOutboxProcessor(outbox, broker, testConfig(), logger.Nop(), m)
	require.NoError(t, p.ProcessOnce(ctx))
	assert.Zero(t, outbox.Len())

	select {
	case got := <-received:
		assert.Equal(t, sent.ID, got.ID)
		assert.Equal(t, event.PaymentSettled, got.Type)
		assert.Equal(t, "bk-9", got.Data["booking_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("event not consumed")
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues(string(event.PaymentSettled))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsConsumed.WithLabelValues(string(event.PaymentSettled))))

	cancel()
	select {
	case <-subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestConsumerSkipsMalformed(t *testing.T) {
	c := NewEventConsumer(messaging.NewBrokerAdapter(&mockBroker{}, nil), "x", nil, nil)
	called := false
	c.OnEvent(func(event.Event) { called = true })
	assert.Error(t, c.handle([]byte("not json")))
	assert.False(t, called)
}

func TestConsumerKeepsRunningPastBadMessages(t *testing.T) {
	msgs := make(chan []byte, 2)
	broker := &mockBroker{}
	broker.On("Subscribe", mock.Anything, "labbook.events").Return((<-chan []byte)(msgs), nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	received := make(chan event.Event, 1)
	c := NewEventConsumer(messaging.NewBrokerAdapter(broker, nil), "labbook.events", nil, nil)
	c.OnEvent(func(e event.Event) { received <- e })

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	good := event.New(event.WorkflowAbandoned, event.SeverityWarning, "session abandoned")
	raw, err := json.Marshal(envelope{Type: string(good.Type), Payload: good})
	require.NoError(t, err)
	msgs <- []byte("{broken")
	msgs <- raw

	select {
	case got := <-received:
		assert.Equal(t, good.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("event after a malformed message was not delivered")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
	close(msgs)
}
