package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/apk-analysis/apk-risk-go/internal/retry"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// MockPublisher Publisher 的 mock
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, body []byte) error {
	return m.Called(ctx, body).Error(0)
}

// fakeAck 记录 Ack/Nack 调用
type fakeAck struct {
	mu      sync.Mutex
	acked   int
	nacked  int
	requeue []bool
}

func (a *fakeAck) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked++
	return nil
}

func (a *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked++
	a.requeue = append(a.requeue, requeue)
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func delivery(t *testing.T, ack *fakeAck, msg any, redelivered bool) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	return amqp.Delivery{Acknowledger: ack, Body: body, Redelivered: redelivered}
}

func fastRetry(attempts int) *retry.Config {
	return &retry.Config{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Strategy:        retry.StrategyFixed,
		Logger:          quietLogger(),
	}
}

func TestProducer_PublishJob(t *testing.T) {
	pub := new(MockPublisher)
	pub.On("Publish", mock.Anything, mock.MatchedBy(func(body []byte) bool {
		var msg JobMessage
		return json.Unmarshal(body, &msg) == nil && msg.AnalysisID == "a-1" && msg.APKPath == "/data/a.apk"
	})).Return(nil).Once()

	p := NewProducer(pub, quietLogger()).WithRetry(fastRetry(3))
	require.NoError(t, p.Dispatch(context.Background(), "a-1", "/data/a.apk"))
	pub.AssertExpectations(t)
}

func TestProducer_RetriesTransientFailures(t *testing.T) {
	pub := new(MockPublisher)
	pub.On("Publish", mock.Anything, mock.Anything).Return(ErrNotConnected).Twice()
	pub.On("Publish", mock.Anything, mock.Anything).Return(nil).Once()

	p := NewProducer(pub, quietLogger()).WithRetry(fastRetry(3))
	require.NoError(t, p.PublishJob(context.Background(), JobMessage{AnalysisID: "a-1"}))
	pub.AssertNumberOfCalls(t, "Publish", 3)
}

func TestProducer_GivesUp(t *testing.T) {
	pub := new(MockPublisher)
	pub.On("Publish", mock.Anything, mock.Anything).Return(ErrNotConnected)

	p := NewProducer(pub, quietLogger()).WithRetry(fastRetry(2))
	err := p.PublishJob(context.Background(), JobMessage{AnalysisID: "a-1"})
	assert.ErrorIs(t, err, ErrNotConnected)
	pub.AssertNumberOfCalls(t, "Publish", 2)
}

func TestConsumer_ProcessDelivery(t *testing.T) {
	transient := errors.New("database is locked")
	permanent := retry.Permanent(errors.New("not a valid zip container"))

	tests := []struct {
		name        string
		body        any
		redelivered bool
		handlerErr  error
		wantAck     int
		wantRequeue []bool
	}{
		{"success", JobMessage{AnalysisID: "a"}, false, nil, 1, nil},
		{"transient first delivery", JobMessage{AnalysisID: "a"}, false, transient, 0, []bool{true}},
		{"transient redelivered", JobMessage{AnalysisID: "a"}, true, transient, 0, []bool{false}},
		{"permanent", JobMessage{AnalysisID: "a"}, false, permanent, 0, []bool{false}},
		{"malformed", "not an object", false, nil, 0, []bool{false}},
		{"missing id", JobMessage{APKPath: "/x"}, false, nil, 0, []bool{false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []JobMessage
			c := NewConsumer(nil, func(ctx context.Context, msg JobMessage) error {
				got = append(got, msg)
				return tt.handlerErr
			}, 1, quietLogger())

			ack := &fakeAck{}
			c.processDelivery(context.Background(), 0, delivery(t, ack, tt.body, tt.redelivered))

			assert.Equal(t, tt.wantAck, ack.acked)
			assert.Equal(t, tt.wantRequeue, ack.requeue)
		})
	}
}

// fakeSource 内存中的消息源
type fakeSource struct {
	msgs      chan amqp.Delivery
	reconnect chan struct{}
}

func (s *fakeSource) Consume() (<-chan amqp.Delivery, error) { return s.msgs, nil }
func (s *fakeSource) Reconnect(ctx context.Context) error    { return nil }
func (s *fakeSource) ReconnectSignals() <-chan struct{}      { return s.reconnect }
func (s *fakeSource) WatchConnection(ctx context.Context)    {}

func TestConsumer_StartAndStop(t *testing.T) {
	src := &fakeSource{msgs: make(chan amqp.Delivery, 4), reconnect: make(chan struct{})}
	handled := make(chan string, 4)

	c := NewConsumer(src, func(ctx context.Context, msg JobMessage) error {
		handled <- msg.AnalysisID
		return nil
	}, 2, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))
	assert.True(t, c.IsRunning())

	ack := &fakeAck{}
	src.msgs <- delivery(t, ack, JobMessage{AnalysisID: "a-1"}, false)

	select {
	case id := <-handled:
		assert.Equal(t, "a-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("job not handled")
	}

	c.Stop()
	assert.False(t, c.IsRunning())
	assert.Zero(t, c.ActiveWorkers())
	ack.mu.Lock()
	assert.Equal(t, 1, ack.acked)
	ack.mu.Unlock()
}
