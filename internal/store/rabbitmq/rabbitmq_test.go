package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueNames(t *testing.T) {
	if got := RetryQueue("grading_jobs"); got != "grading_jobs.retry" {
		t.Fatalf("RetryQueue = %q", got)
	}
	if got := DeadQueue("grading_jobs"); got != "grading_jobs.dlq" {
		t.Fatalf("DeadQueue = %q", got)
	}
}

type ackRecorder struct {
	acked   int
	nacked  int
	requeue bool
}

func (a *ackRecorder) Ack(tag uint64, multiple bool) error {
	a.acked++
	return nil
}

func (a *ackRecorder) Nack(tag uint64, multiple, requeue bool) error {
	a.nacked++
	a.requeue = requeue
	return nil
}

func (a *ackRecorder) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type fakeRetry struct {
	err   error
	sent  []JobMessage
	delay time.Duration
}

func (f *fakeRetry) PublishRetry(ctx context.Context, msg JobMessage, delay time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	f.delay = delay
	return nil
}

func (f *fakeRetry) Close() error { return nil }

func newTestConsumer(retry *fakeRetry) *Consumer {
	return &Consumer{queue: "grading_jobs", maxAttempts: 3, retryDelay: 5 * time.Second, retry: retry}
}

func delivery(ack *ackRecorder, body string) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(body)}
}

func TestDeliver_AckOnSuccess(t *testing.T) {
	ack := &ackRecorder{}
	var got JobMessage
	newTestConsumer(&fakeRetry{}).deliver(context.Background(), 0, delivery(ack, `{"job_id":"j1","attempt":1}`),
		func(ctx context.Context, msg JobMessage) Disposition {
			got = msg
			return Ack
		})

	assert.Equal(t, JobMessage{JobID: "j1", Attempt: 1}, got)
	assert.Equal(t, 1, ack.acked)
	assert.Zero(t, ack.nacked)
}

func TestDeliver_MalformedBodiesAreRejected(t *testing.T) {
	for _, body := range []string{`not json`, `{"attempt":1}`, `{"job_id":""}`} {
		t.Run(body, func(t *testing.T) {
			ack := &ackRecorder{}
			called := false
			newTestConsumer(&fakeRetry{}).deliver(context.Background(), 0, delivery(ack, body),
				func(ctx context.Context, msg JobMessage) Disposition {
					called = true
					return Ack
				})

			assert.False(t, called)
			assert.Equal(t, 1, ack.nacked)
			assert.False(t, ack.requeue)
			assert.Zero(t, ack.acked)
		})
	}
}

func TestDeliver_RetryRepublishesWithNextAttempt(t *testing.T) {
	ack := &ackRecorder{}
	retry := &fakeRetry{}
	newTestConsumer(retry).deliver(context.Background(), 0, delivery(ack, `{"job_id":"j1","attempt":1}`),
		func(ctx context.Context, msg JobMessage) Disposition { return Retry })

	require.Len(t, retry.sent, 1)
	assert.Equal(t, JobMessage{JobID: "j1", Attempt: 2}, retry.sent[0])
	assert.Equal(t, 5*time.Second, retry.delay)
	assert.Equal(t, 1, ack.acked)
	assert.Zero(t, ack.nacked)
}

func TestDeliver_RetryAtCeilingGoesToDeadLetter(t *testing.T) {
	ack := &ackRecorder{}
	retry := &fakeRetry{}
	newTestConsumer(retry).deliver(context.Background(), 0, delivery(ack, `{"job_id":"j1","attempt":2}`),
		func(ctx context.Context, msg JobMessage) Disposition { return Retry })

	assert.Empty(t, retry.sent)
	assert.Equal(t, 1, ack.nacked)
	assert.False(t, ack.requeue)
	assert.Zero(t, ack.acked)
}

func TestDeliver_RetryPublishFailureGoesToDeadLetter(t *testing.T) {
	ack := &ackRecorder{}
	retry := &fakeRetry{err: errors.New("channel closed")}
	newTestConsumer(retry).deliver(context.Background(), 0, delivery(ack, `{"job_id":"j1"}`),
		func(ctx context.Context, msg JobMessage) Disposition { return Retry })

	assert.Equal(t, 1, ack.nacked)
	assert.False(t, ack.requeue)
	assert.Zero(t, ack.acked)
}

func TestDeliver_DeadIsNackedWithoutRequeue(t *testing.T) {
	ack := &ackRecorder{}
	newTestConsumer(&fakeRetry{}).deliver(context.Background(), 0, delivery(ack, `{"job_id":"j1"}`),
		func(ctx context.Context, msg JobMessage) Disposition { return Dead })

	assert.Equal(t, 1, ack.nacked)
	assert.False(t, ack.requeue)
}

func TestDeliver_PassesRedeliveredFlag(t *testing.T) {
	ack := &ackRecorder{}
	d := delivery(ack, `{"job_id":"j1"}`)
	d.Redelivered = true
	var got JobMessage
	newTestConsumer(&fakeRetry{}).deliver(context.Background(), 0, d,
		func(ctx context.Context, msg JobMessage) Disposition {
			got = msg
			return Ack
		})

	assert.True(t, got.Redelivered)
}
