// Package pubsub implements the job queue on Google Cloud Pub/Sub for
// distributed deployments.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/opendatanet/harvester/internal/harvest"
)

const defaultBufferSize = 16

// Config captures the Pub/Sub resources backing the queue.
type Config struct {
	ProjectID      string
	TopicID        string
	SubscriptionID string
	// BufferSize bounds how many received items wait for a Dequeue call.
	BufferSize int
}

// Queue publishes queue items as JSON messages and bridges the streaming
// Receive loop into pull-style Dequeue semantics.
type Queue struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *zap.Logger

	items chan harvest.QueueItem

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New connects to Pub/Sub using Application Default Credentials and verifies
// the topic and subscription exist.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	q, err := NewWithClient(ctx, client, cfg, logger)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("failed to close pubsub client", zap.Error(closeErr))
		}
		return nil, err
	}
	return q, nil
}

// NewWithClient wires the queue over an existing client (used with pstest).
func NewWithClient(ctx context.Context, client *pubsub.Client, cfg Config, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	topic := client.Topic(cfg.TopicID)
	ok, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic %q: %w", cfg.TopicID, err)
	}
	if !ok {
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", cfg.TopicID, cfg.ProjectID)
	}
	sub := client.Subscription(cfg.SubscriptionID)
	ok, err = sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription %q: %w", cfg.SubscriptionID, err)
	}
	if !ok {
		return nil, fmt.Errorf("pubsub subscription %q does not exist in project %q", cfg.SubscriptionID, cfg.ProjectID)
	}
	return &Queue{
		client: client,
		topic:  topic,
		sub:    sub,
		logger: logger,
		items:  make(chan harvest.QueueItem, cfg.BufferSize),
	}, nil
}

// Enqueue publishes the item and waits for the server acknowledgement so a
// returned nil means the job is durably queued.
func (q *Queue) Enqueue(ctx context.Context, item harvest.QueueItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	result := q.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"site_id": item.SiteID},
	})
	id, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("publish queue item: %w", err)
	}
	q.logger.Debug("queue item published",
		zap.String("job_id", item.JobID), zap.String("message_id", id))
	return nil
}

// Dequeue returns the next queue item, blocking until one arrives or ctx
// ends. The first call starts the background Receive loop.
func (q *Queue) Dequeue(ctx context.Context) (harvest.QueueItem, error) {
	q.startOnce.Do(q.startReceive)
	select {
	case <-ctx.Done():
		return harvest.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.items:
		if !ok {
			return harvest.QueueItem{}, fmt.Errorf("queue closed")
		}
		return item, nil
	}
}

func (q *Queue) startReceive() {
	rctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.done = make(chan struct{})
	go func() {
		defer close(q.done)
		err := q.sub.Receive(rctx, func(ctx context.Context, msg *pubsub.Message) {
			var item harvest.QueueItem
			if err := json.Unmarshal(msg.Data, &item); err != nil {
				q.logger.Warn("dropping malformed queue message",
					zap.String("message_id", msg.ID), zap.Error(err))
				msg.Ack()
				return
			}
			select {
			case q.items <- item:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
			}
		})
		if err != nil && rctx.Err() == nil {
			q.logger.Error("pubsub receive loop stopped", zap.Error(err))
		}
	}()
}

// Close stops the receive loop and releases the client.
func (q *Queue) Close() error {
	var err error
	q.stopOnce.Do(func() {
		if q.cancel != nil {
			q.cancel()
			<-q.done
		}
		q.topic.Stop()
		err = q.client.Close()
	})
	if err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
