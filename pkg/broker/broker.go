package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrStreamExists is returned by Start when the stream id was already used.
	ErrStreamExists = errors.New("stream already started")
	// ErrClosed is returned once the broker has been closed.
	ErrClosed = errors.New("broker closed")
)

const (
	stateActive = "active"
	stateDone   = "done"
	endMarker   = "\x00end"

	defaultPrefix        = "threadstream"
	defaultActiveTTL     = 5 * time.Minute
	defaultGraceTTL      = time.Minute
	defaultWatchInterval = 2 * time.Second
	bufferSize           = 32
)

// Options configures the Redis-backed broker.
type Options struct {
	Addr     string
	Password string
	Prefix   string
	// ActiveTTL bounds how long a stream stays "active" without a refresh,
	// so a crashed publisher does not hold readers forever.
	ActiveTTL time.Duration
	// GraceTTL is how long the "done" marker outlives the stream.
	GraceTTL      time.Duration
	WatchInterval time.Duration
	Logger        *slog.Logger
}

// Broker publishes byte streams to Redis pub/sub so independent requests can
// join a live stream by id.
type Broker struct {
	client        *redis.Client
	ownsClient    bool
	prefix        string
	activeTTL     time.Duration
	graceTTL      time.Duration
	watchInterval time.Duration
	logger        *slog.Logger
	subs          *subscriptionRegistry
}

// New dials Redis with opts.
func New(opts Options) *Broker {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
	})
	b := NewWithClient(client, opts)
	b.ownsClient = true
	return b
}

// NewWithClient wraps an existing client. The caller keeps ownership of it.
func NewWithClient(client *redis.Client, opts Options) *Broker {
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	b := &Broker{
		client:        client,
		prefix:        prefix,
		activeTTL:     opts.ActiveTTL,
		graceTTL:      opts.GraceTTL,
		watchInterval: opts.WatchInterval,
		logger:        opts.Logger,
		subs:          newSubscriptionRegistry(),
	}
	if b.activeTTL <= 0 {
		b.activeTTL = defaultActiveTTL
	}
	if b.graceTTL <= 0 {
		b.graceTTL = defaultGraceTTL
	}
	if b.watchInterval <= 0 {
		b.watchInterval = defaultWatchInterval
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// Ping checks the Redis connection.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Start marks streamID active and begins publishing producer's chunks. The
// returned channel is a live view for the caller; it stops receiving once ctx
// is done, while publishing continues until producer is drained.
func (b *Broker) Start(ctx context.Context, streamID string, producer <-chan []byte) (<-chan []byte, error) {
	if b.subs.isClosed() {
		return nil, ErrClosed
	}
	ok, err := b.client.SetNX(ctx, b.stateKey(streamID), stateActive, b.activeTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("mark stream active: %w", err)
	}
	if !ok {
		return nil, ErrStreamExists
	}
	out := make(chan []byte, bufferSize)
	go b.publish(ctx, streamID, producer, out)
	return out, nil
}

func (b *Broker) publish(ctx context.Context, streamID string, producer <-chan []byte, out chan []byte) {
	pubCtx := context.WithoutCancel(ctx)
	channel := b.chunkChannel(streamID)
	stateKey := b.stateKey(streamID)
	logger := b.logger.With("stream_id", streamID)

	reader := out
	closeReader := func() {
		if reader != nil {
			close(reader)
			reader = nil
		}
	}
	defer closeReader()
	detach := func() {
		closeReader()
		logger.Info("stream reader detached; continuing to publish")
	}

	refreshEvery := b.activeTTL / 3
	lastRefresh := time.Now()
	published := 0
	for chunk := range producer {
		if err := b.client.Publish(pubCtx, channel, chunk).Err(); err != nil {
			logger.Warn("publish chunk failed", "err", err)
		}
		published++
		if time.Since(lastRefresh) >= refreshEvery {
			if err := b.client.Expire(pubCtx, stateKey, b.activeTTL).Err(); err != nil {
				logger.Warn("refresh stream state failed", "err", err)
			}
			lastRefresh = time.Now()
		}
		if reader == nil {
			continue
		}
		if ctx.Err() != nil {
			detach()
			continue
		}
		select {
		case reader <- chunk:
		case <-ctx.Done():
			detach()
		}
	}

	if err := b.client.Publish(pubCtx, channel, endMarker).Err(); err != nil {
		logger.Warn("publish end marker failed", "err", err)
	}
	if err := b.client.Set(pubCtx, stateKey, stateDone, b.graceTTL).Err(); err != nil {
		logger.Warn("mark stream done failed", "err", err)
	}
	logger.Debug("stream published", "chunks", published)
}

// Resume joins the live tail of streamID. Chunks published before the call
// are not replayed. When no publisher is active it returns fallback() or nil
// if fallback is nil.
func (b *Broker) Resume(ctx context.Context, streamID string, fallback func() <-chan []byte) (<-chan []byte, error) {
	if b.subs.isClosed() {
		return nil, ErrClosed
	}
	active, err := b.IsActive(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if !active {
		return runFallback(fallback), nil
	}

	pubsub := b.client.Subscribe(ctx, b.chunkChannel(streamID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe stream: %w", err)
	}
	// The publisher may have finished between the first check and SUBSCRIBE.
	active, err = b.IsActive(ctx, streamID)
	if err != nil || !active {
		_ = pubsub.Close()
		if err != nil {
			return nil, err
		}
		return runFallback(fallback), nil
	}

	handle, ok := b.subs.add(pubsub)
	if !ok {
		_ = pubsub.Close()
		return nil, ErrClosed
	}
	out := make(chan []byte, bufferSize)
	go b.relay(ctx, streamID, handle, pubsub, out)
	return out, nil
}

func (b *Broker) relay(ctx context.Context, streamID string, handle uint64, pubsub *redis.PubSub, out chan<- []byte) {
	defer close(out)
	defer b.subs.remove(handle)

	msgs := pubsub.Channel()
	ticker := time.NewTicker(b.watchInterval)
	defer ticker.Stop()
	sawDone := false
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if msg.Payload == endMarker {
				return
			}
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		case <-ticker.C:
			state, err := b.client.Get(ctx, b.stateKey(streamID)).Result()
			switch {
			case errors.Is(err, redis.Nil):
				b.logger.Warn("stream state expired; closing subscriber", "stream_id", streamID)
				return
			case err != nil:
				continue
			case state == stateDone:
				// One tick of slack for an end marker still in flight.
				if sawDone {
					return
				}
				sawDone = true
			}
		}
	}
}

// IsActive reports whether a publisher currently owns streamID.
func (b *Broker) IsActive(ctx context.Context, streamID string) (bool, error) {
	state, err := b.client.Get(ctx, b.stateKey(streamID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read stream state: %w", err)
	}
	return state == stateActive, nil
}

// Subscribers returns the number of attached resume readers.
func (b *Broker) Subscribers() int {
	return b.subs.count()
}

// Close drops every subscription. Publishers still running finish on their own.
func (b *Broker) Close() error {
	b.subs.closeAll()
	if b.ownsClient {
		return b.client.Close()
	}
	return nil
}

func (b *Broker) stateKey(streamID string) string {
	return b.prefix + ":rs:state:" + streamID
}

func (b *Broker) chunkChannel(streamID string) string {
	return b.prefix + ":rs:chunks:" + streamID
}

func runFallback(fallback func() <-chan []byte) <-chan []byte {
	if fallback == nil {
		return nil
	}
	return fallback()
}

// Passthrough gives Start's live-view semantics without durability: the
// producer is drained to completion even after ctx ends.
func Passthrough(ctx context.Context, producer <-chan []byte) <-chan []byte {
	out := make(chan []byte, bufferSize)
	go func() {
		reader := out
		defer func() {
			if reader != nil {
				close(reader)
			}
		}()
		for chunk := range producer {
			if reader == nil {
				continue
			}
			select {
			case reader <- chunk:
			case <-ctx.Done():
				close(reader)
				reader = nil
			}
		}
	}()
	return out
}
