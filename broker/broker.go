// Package broker connects the driver to the AMQP broker shared with the
// workers: it consumes the frame queue and publishes job START messages.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/drender/drender/driver"
)

// JobQueue is the queue workers consume START messages from.
const JobQueue = "drender.worker.jobs"

const DefaultPort = 5672

type Config struct {
	Logger   *slog.Logger `json:"-"`
	Port     int          `json:"port"`
	Username string       `json:"username"`
	Password string       `json:"-"`

	// DispatchAttempts bounds the publish retries for one job.
	DispatchAttempts int `json:"dispatch-attempts"`
}

type Broker struct {
	config Config
	log    *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	host string
}

// Broker implements both halves of the driver's broker surface.
var (
	_ driver.FrameFeed     = (*Broker)(nil)
	_ driver.JobDispatcher = (*Broker)(nil)
)

func New(config Config) *Broker {
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	if config.DispatchAttempts == 0 {
		config.DispatchAttempts = 5
	}
	return &Broker{
		config: config,
		log:    config.Logger.With("component", "broker"),
	}
}

func (b *Broker) url(host string) string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", b.config.Username, b.config.Password, host, b.config.Port)
}

// Subscribe attaches to the frame queue and streams JobFrame records until
// ctx is cancelled. The returned channel is closed when the feed ends.
func (b *Broker) Subscribe(ctx context.Context, q driver.MessageQ) (<-chan driver.JobFrame, error) {
	conn, err := amqp.Dial(b.url(q.Host))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker at %s: %w", q.Host, err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err = channel.QueueDeclare(q.QueueName, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", q.QueueName, err)
	}

	deliveries, err := channel.Consume(q.QueueName, "drender-driver", false, false, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to consume queue %s: %w", q.QueueName, err)
	}

	b.log.Info("Subscribed to frame queue", "host", q.Host, "queue", q.QueueName)

	frames := make(chan driver.JobFrame)
	go b.pump(ctx, conn, deliveries, frames)
	return frames, nil
}

func (b *Broker) pump(ctx context.Context, conn *amqp.Connection, deliveries <-chan amqp.Delivery, frames chan<- driver.JobFrame) {
	defer close(frames)
	defer func() { _ = conn.Close() }()

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				b.log.Warn("Frame delivery channel closed by broker")
				return
			}

			frame, err := decodeFrame(delivery.Body)
			if err != nil {
				b.log.Warn("Discarding malformed frame message", "error", err)
				_ = delivery.Nack(false, false)
				continue
			}
			_ = delivery.Ack(false)

			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
	}
}

func decodeFrame(body []byte) (driver.JobFrame, error) {
	var frame driver.JobFrame
	if err := json.Unmarshal(body, &frame); err != nil {
		return driver.JobFrame{}, fmt.Errorf("failed to decode frame message: %w", err)
	}
	if frame.JobID == "" {
		return driver.JobFrame{}, errors.New("frame message has no job id")
	}
	return frame, nil
}

// Dispatch publishes a START message for the job. Delivery is retried with
// exponential backoff: workers may not be fully booted when the first
// attempt goes out, and the durable queue holds the message until they are.
func (b *Broker) Dispatch(ctx context.Context, job *driver.Job) error {
	if job.MessageQ == nil {
		return fmt.Errorf("job %s has no broker coordinates", job.ID)
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}

	var lastErr error
	for attempt := 0; attempt < b.config.DispatchAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if lastErr = b.publish(ctx, job.MessageQ.Host, body, job.ID); lastErr == nil {
			return nil
		}
		b.dropConnection()
		b.log.Warn("Job dispatch attempt failed", "job", job.ID, "attempt", attempt+1, "error", lastErr)
	}
	return fmt.Errorf("failed to dispatch job %s after %d attempts: %w", job.ID, b.config.DispatchAttempts, lastErr)
}

func (b *Broker) publish(ctx context.Context, host string, body []byte, messageID string) error {
	conn, err := b.connection(host)
	if err != nil {
		return err
	}

	channel, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer func() { _ = channel.Close() }()

	if _, err = channel.QueueDeclare(JobQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", JobQueue, err)
	}

	return channel.PublishWithContext(ctx, "", JobQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Body:         body,
	})
}

func (b *Broker) connection(host string) (*amqp.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil && !b.conn.IsClosed() && b.host == host {
		return b.conn, nil
	}
	if b.conn != nil {
		_ = b.conn.Close()
	}

	conn, err := amqp.Dial(b.url(host))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker at %s: %w", host, err)
	}
	b.conn, b.host = conn, host
	return conn, nil
}

func (b *Broker) dropConnection() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
}
