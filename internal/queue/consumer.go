package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/presence/internal/models"
)

// captureAckWait bounds how long a capture may go without a progress signal
// before the server redelivers it.
const captureAckWait = 60 * time.Second

type CaptureHandler func(ctx context.Context, task *models.CaptureTask) error

type PresenceHandler func(ctx context.Context, ev *models.PresenceEvent) error

type Consumer struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func NewConsumer(natsURL string) (*Consumer, error) {
	nc, js, err := connect(natsURL)
	if err != nil {
		return nil, err
	}
	return &Consumer{nc: nc, js: js}, nil
}

// poisonError marks a message that can never be processed; it is terminated
// instead of redelivered.
type poisonError struct{ err error }

func (e poisonError) Error() string { return e.err.Error() }
func (e poisonError) Unwrap() error { return e.err }

// Permanent wraps a handler error so the message is not redelivered.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return poisonError{err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p poisonError
	return errors.As(err, &p)
}

func decodeCapture(data []byte) (*models.CaptureTask, error) {
	var task models.CaptureTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, poisonError{fmt.Errorf("decode capture task: %w", err)}
	}
	if len(task.Image) == 0 {
		return nil, poisonError{fmt.Errorf("capture task %s has no image", task.ID)}
	}
	return &task, nil
}

func decodePresence(data []byte) (*models.PresenceEvent, error) {
	var ev models.PresenceEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, poisonError{fmt.Errorf("decode presence event: %w", err)}
	}
	return &ev, nil
}

type acker interface {
	Ack() error
	Nak() error
	Term() error
}

func settle(msg acker, err error) {
	switch {
	case err == nil:
		_ = msg.Ack()
	case IsPermanent(err):
		_ = msg.Term()
	default:
		_ = msg.Nak()
	}
}

type progresser interface {
	InProgress() error
}

// keepAlive extends the ack deadline of msg every interval until stop is
// called. stop waits for the ticker goroutine to exit.
func keepAlive(msg progresser, every time.Duration) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := msg.InProgress(); err != nil {
					slog.Warn("extend capture ack deadline", "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

// ConsumeCaptures starts consuming capture tasks from the CAPTURES stream.
// workerCount determines how many goroutines process messages concurrently.
func (c *Consumer) ConsumeCaptures(ctx context.Context, consumerName string, handler CaptureHandler, workerCount int) error {
	stream, err := c.js.Stream(ctx, CapturesStreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", CapturesStreamName, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       captureAckWait,
		MaxDeliver:    3,
		FilterSubject: CapturesSubjectBase + ".>",
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	msgCh := make(chan jetstream.Msg, workerCount*2)

	// Start consumer fetch loop
	go func() {
		defer close(msgCh)
		for {
			if ctx.Err() != nil {
				return
			}

			batch, err := cons.Fetch(workerCount, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("fetch captures error", "error", err)
				time.Sleep(time.Second)
				continue
			}

			for msg := range batch.Messages() {
				select {
				case msgCh <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	// Start workers
	for i := 0; i < workerCount; i++ {
		go func(workerID int) {
			for msg := range msgCh {
				task, err := decodeCapture(msg.Data())
				if err == nil {
					stop := keepAlive(msg, captureAckWait/3)
					err = handler(ctx, task)
					stop()
				}
				if err != nil {
					slog.Error("process capture error", "worker", workerID, "error", err, "subject", msg.Subject())
				}
				settle(msg, err)
			}
		}(i)
	}

	slog.Info("capture consumer started", "consumer", consumerName, "workers", workerCount)
	return nil
}

// ConsumePresence starts consuming presence events (for API to broadcast via WebSocket).
func (c *Consumer) ConsumePresence(ctx context.Context, consumerName string, handler PresenceHandler) error {
	stream, err := c.js.Stream(ctx, PresenceStreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", PresenceStreamName, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       10 * time.Second,
		MaxDeliver:    3,
		FilterSubject: PresenceSubjectBase + ".>",
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	go func() {
		for {
			if ctx.Err() != nil {
				return
			}

			batch, err := cons.Fetch(10, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				time.Sleep(time.Second)
				continue
			}

			for msg := range batch.Messages() {
				ev, err := decodePresence(msg.Data())
				if err == nil {
					err = handler(ctx, ev)
				}
				if err != nil {
					slog.Error("process presence event error", "error", err)
				}
				settle(msg, err)
			}
		}
	}()

	slog.Info("presence consumer started", "consumer", consumerName)
	return nil
}

func (c *Consumer) Close() {
	c.nc.Close()
}
