package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/logger"
)

// Disposition tells the consumer what to do with a delivery after handling.
type Disposition int

const (
	Ack Disposition = iota
	// Retry republishes the message to the retry queue with an incremented attempt.
	Retry
	// Dead nacks without requeue so the broker moves it to the DLQ.
	Dead
)

// Handler processes one job message.
type Handler func(ctx context.Context, msg JobMessage) Disposition

// RetryPublisher parks a message on the retry queue.
type RetryPublisher interface {
	PublishRetry(ctx context.Context, msg JobMessage, delay time.Duration) error
	Close() error
}

type Consumer struct {
	conn        *amqp.Connection
	ch          *amqp.Channel
	queue       string
	concurrency int
	maxAttempts int
	retryDelay  time.Duration
	retry       RetryPublisher
}

func NewConsumer(url, queue string, concurrency int) (*Consumer, error) {
	if concurrency <= 0 {
		concurrency = 2
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := DeclareTopology(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	// strict concurrency control
	if err := ch.Qos(concurrency, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	retry, err := NewPublisher(url, queue)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Consumer{
		conn:        conn,
		ch:          ch,
		queue:       queue,
		concurrency: concurrency,
		maxAttempts: 3,
		retryDelay:  5 * time.Second,
		retry:       retry,
	}, nil
}

func (c *Consumer) Close() error {
	_ = c.retry.Close()
	_ = c.ch.Close()
	return c.conn.Close()
}

// Run dispatches deliveries to a fixed pool of workers until ctx is done or the
// delivery channel closes. In-flight jobs finish before Run returns.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	logger.InfoWithFields("worker started", logger.Fields{"queue": c.queue, "concurrency": c.concurrency})

	// worker pool
	jobs := make(chan amqp.Delivery, c.concurrency*2)
	var wg sync.WaitGroup
	wg.Add(c.concurrency)
	for i := 0; i < c.concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				c.deliver(ctx, workerID, d, handle)
			}
		}(i)
	}

	defer func() {
		close(jobs)
		wg.Wait()
	}()

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			logger.Log.Info("worker shutting down")
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("rabbitmq: delivery channel closed")
			}
			jobs <- d
		}
	}
}

func (c *Consumer) deliver(ctx context.Context, workerID int, d amqp.Delivery, handle Handler) {
	var m JobMessage
	if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
		logger.WarnWithFields("bad job message", logger.Fields{"worker": workerID, "body": string(d.Body)})
		_ = d.Nack(false, false)
		return
	}
	m.Redelivered = d.Redelivered

	switch handle(ctx, m) {
	case Ack:
		if err := d.Ack(false); err != nil {
			logger.WarnWithFields("ack failed", logger.Fields{"worker": workerID, "job_id": m.JobID, "error": err.Error()})
		}
	case Retry:
		if m.Attempt+1 >= c.maxAttempts {
			logger.WarnWithFields("job attempts exhausted", logger.Fields{"job_id": m.JobID, "attempt": m.Attempt})
			_ = d.Nack(false, false)
			return
		}
		next := JobMessage{JobID: m.JobID, Attempt: m.Attempt + 1}
		if err := c.retry.PublishRetry(context.WithoutCancel(ctx), next, c.retryDelay); err != nil {
			logger.ErrorWithFields("retry publish failed", logger.Fields{"job_id": m.JobID, "error": err.Error()})
			_ = d.Nack(false, false)
			return
		}
		_ = d.Ack(false)
	default:
		_ = d.Nack(false, false)
	}
}
