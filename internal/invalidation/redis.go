package invalidation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/feedrank/internal/jobs"
)

// NewOrigin returns a random process identifier for Event.Origin.
func NewOrigin() string {
	return uuid.New().String()
}

// Publisher broadcasts events to peer processes.
type Publisher struct {
	client  redis.UniversalClient
	channel string
	origin  string
	now     func() time.Time
}

// NewPublisher creates a publisher. An empty channel uses DefaultChannel.
func NewPublisher(client redis.UniversalClient, channel, origin string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{
		client:  client,
		channel: channel,
		origin:  origin,
		now:     time.Now,
	}
}

// Publish stamps e with this process's origin and sends it.
func (p *Publisher) Publish(ctx context.Context, e Event) error {
	e.Origin = p.origin
	e.SentAtUS = p.now().UnixMicro()

	payload, err := Encode(e)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish invalidation: %w", err)
	}
	return nil
}

// SubscriberConfig configures a Subscriber.
type SubscriberConfig struct {
	// Channel to subscribe to. Defaults to DefaultChannel.
	Channel string
	// Origin of this process; events it published itself are skipped.
	Origin string
	// Logger for subscriber activity.
	Logger *slog.Logger
	// Metrics for invalidation tracking. Optional.
	Metrics *jobs.Metrics
}

// Subscriber applies events published by peers to a local Handler.
type Subscriber struct {
	client  redis.UniversalClient
	handler Handler
	config  SubscriberConfig

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSubscriber creates a subscriber.
func NewSubscriber(client redis.UniversalClient, handler Handler, config SubscriberConfig) *Subscriber {
	if config.Channel == "" {
		config.Channel = DefaultChannel
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Subscriber{
		client:  client,
		handler: handler,
		config:  config,
	}
}

// Start subscribes and begins applying events in a background goroutine.
// Returns once the subscription is confirmed.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	pubsub := s.client.Subscribe(ctx, s.config.Channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", s.config.Channel, err)
	}

	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run(ctx, pubsub)

	s.config.Logger.Info("invalidation subscriber started", "channel", s.config.Channel)
	return nil
}

// Stop unsubscribes and waits for the subscriber to finish.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the subscriber is currently running.
func (s *Subscriber) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Subscriber) run(ctx context.Context, pubsub *redis.PubSub) {
	defer close(s.doneCh)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			s.config.Logger.Info("invalidation subscriber stopping due to context cancellation")
			return
		case <-s.stopCh:
			s.config.Logger.Info("invalidation subscriber stopping due to stop signal")
			return
		case msg, ok := <-ch:
			if !ok {
				s.config.Logger.Warn("invalidation channel closed")
				return
			}
			s.handle([]byte(msg.Payload))
		}
	}
}

// handle decodes and applies one payload. Returns whether it was applied.
func (s *Subscriber) handle(payload []byte) bool {
	start := time.Now()

	e, err := Decode(payload)
	if err != nil {
		s.config.Logger.Warn("dropping malformed invalidation event", "error", err)
		s.recordError("decode")
		return false
	}
	if s.config.Origin != "" && e.Origin == s.config.Origin {
		return false
	}

	removed, err := Apply(s.handler, e)
	if err != nil {
		s.config.Logger.Warn("failed to apply invalidation event",
			"kind", e.Kind,
			"origin", e.Origin,
			"error", err)
		s.recordError("apply")
		return false
	}

	if s.config.Metrics != nil {
		s.config.Metrics.IncJobsTotal(jobs.JobTypeCacheInvalidate, jobs.StatusSuccess)
		s.config.Metrics.ObserveJobDuration(jobs.JobTypeCacheInvalidate, time.Since(start).Seconds())
	}
	s.config.Logger.Debug("applied invalidation event",
		"kind", e.Kind,
		"origin", e.Origin,
		"removed", removed)
	return true
}

func (s *Subscriber) recordError(errorType string) {
	if s.config.Metrics == nil {
		return
	}
	s.config.Metrics.IncJobsTotal(jobs.JobTypeCacheInvalidate, jobs.StatusFailure)
	s.config.Metrics.IncJobErrors(jobs.JobTypeCacheInvalidate, errorType)
}
