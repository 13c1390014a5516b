// Package redisstream provides a Redis Streams transport for servicebus.
//
// Every topic is a stream. Subscribers read through a consumer group, so
// instances sharing a group compete for entries while separate groups each
// receive every entry.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v3"
	"github.com/redis/go-redis/v9"

	"github.com/drblury/servicebus/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "redis-streams"

const (
	// DefaultGroup is the consumer group of the shared subscriber.
	DefaultGroup = "servicebus"

	// DefaultBatchSize is how many entries one XREADGROUP call asks for.
	DefaultBatchSize = 32

	// DefaultBlock is how long XREADGROUP blocks waiting for new entries.
	DefaultBlock = 2 * time.Second

	fieldID         = "id"
	fieldPayload    = "payload"
	fieldMetaPrefix = "meta:"

	readNew     = ">"
	readPending = "0"
)

// ErrClosed is returned once the publisher or subscriber has been closed.
var ErrClosed = errors.New("redisstream: closed")

// Client is the part of the go-redis API the transport uses.
type Client interface {
	Ping(ctx context.Context) *redis.StatusCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	Close() error
}

// ClientFactory allows overriding the client creation for testing.
var ClientFactory = func(opts *redis.Options) Client {
	return redis.NewClient(opts)
}

func init() {
	Register()
}

// Register registers the Redis Streams transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RedisStreamCapabilities)
}

// Build connects to Redis and returns a transport whose SubscriberFor reads
// through a consumer group named after the endpoint.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	client := ClientFactory(&redis.Options{
		Addr:     cfg.GetRedisAddr(),
		Password: cfg.GetRedisPassword(),
		DB:       cfg.GetRedisDB(),
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return transport.Transport{}, fmt.Errorf("redisstream: ping %s: %w", cfg.GetRedisAddr(), err)
	}

	return transport.Transport{
		Publisher:  NewPublisher(client, PublisherConfig{}, logger),
		Subscriber: NewSubscriber(client, SubscriberConfig{Group: DefaultGroup}, logger),
		SubscriberFor: func(endpoint string) (message.Subscriber, error) {
			return NewSubscriber(client, SubscriberConfig{Group: endpoint}, logger), nil
		},
		OnClose: client.Close,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RedisStreamCapabilities
}

// PublisherConfig tunes stream trimming.
type PublisherConfig struct {
	// MaxLenApprox caps the stream length with approximate trimming; 0 disables it.
	MaxLenApprox int64
}

// Publisher appends messages to streams with XADD.
type Publisher struct {
	client Client
	config PublisherConfig
	logger watermill.LoggerAdapter

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPublisher returns a publisher on client. Closing it leaves the client open.
func NewPublisher(client Client, config PublisherConfig, logger watermill.LoggerAdapter) *Publisher {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Publisher{client: client, config: config, logger: logger, closed: make(chan struct{})}
}

// Publish appends every message to the stream named topic.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}

	for _, msg := range messages {
		ctx := msg.Context()
		args := &redis.XAddArgs{
			Stream: topic,
			ID:     "*",
			Values: encode(msg),
		}
		if p.config.MaxLenApprox > 0 {
			args.MaxLen = p.config.MaxLenApprox
			args.Approx = true
		}
		id, err := p.client.XAdd(ctx, args).Result()
		if err != nil {
			return fmt.Errorf("redisstream: xadd %s: %w", topic, err)
		}
		p.logger.Trace("Message appended to stream", watermill.LogFields{
			"topic":      topic,
			"message_id": msg.UUID,
			"entry_id":   id,
		})
	}
	return nil
}

// Close stops publishing.
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

// SubscriberConfig selects the consumer group and polling behavior.
type SubscriberConfig struct {
	// Group is the consumer group; defaults to DefaultGroup.
	Group string

	// Consumer names this process inside the group; defaults to host-pid-ulid.
	Consumer string

	// BatchSize defaults to DefaultBatchSize.
	BatchSize int64

	// Block defaults to DefaultBlock.
	Block time.Duration
}

func (c SubscriberConfig) withDefaults() SubscriberConfig {
	if c.Group == "" {
		c.Group = DefaultGroup
	}
	if c.Consumer == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "servicebus"
		}
		c.Consumer = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), watermill.NewULID())
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Block <= 0 {
		c.Block = DefaultBlock
	}
	return c
}

// Subscriber reads streams through a consumer group with XREADGROUP.
type Subscriber struct {
	client Client
	config SubscriberConfig
	logger watermill.LoggerAdapter

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// NewSubscriber returns a subscriber on client. Closing it waits for its
// readers and leaves the client open.
func NewSubscriber(client Client, config SubscriberConfig, logger watermill.LoggerAdapter) *Subscriber {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Subscriber{
		client: client,
		config: config.withDefaults(),
		logger: logger,
		closed: make(chan struct{}),
	}
}

// Subscribe makes sure the group exists on the stream, then delivers entries
// one at a time. Acked entries are XACKed; nacked entries stay pending and are
// read again from the consumer's pending list.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	select {
	case <-s.closed:
		return nil, ErrClosed
	default:
	}

	err := s.client.XGroupCreateMkStream(ctx, topic, s.config.Group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("redisstream: create group %s on %s: %w", s.config.Group, topic, err)
	}

	readCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.closed:
			cancel()
		case <-readCtx.Done():
		}
	}()

	output := make(chan *message.Message)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer close(output)
		s.read(readCtx, topic, output)
	}()
	return output, nil
}

func (s *Subscriber) read(ctx context.Context, topic string, output chan<- *message.Message) {
	fields := watermill.LogFields{"topic": topic, "group": s.config.Group, "consumer": s.config.Consumer}
	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 0

	// Start with this consumer's pending entries, left over from a restart.
	cursor := readPending
	for ctx.Err() == nil {
		args := &redis.XReadGroupArgs{
			Group:    s.config.Group,
			Consumer: s.config.Consumer,
			Streams:  []string{topic, cursor},
			Count:    s.config.BatchSize,
			Block:    s.config.Block,
		}
		if cursor == readPending {
			args.Block = -1
		}
		streams, err := s.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				cursor = readNew
				continue
			}
			wait := retry.NextBackOff()
			s.logger.Error("Reading stream failed", err, fields.Add(watermill.LogFields{"retry_in": wait}))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			continue
		}
		retry.Reset()

		entries := 0
		nacked := false
		for _, stream := range streams {
			for _, entry := range stream.Messages {
				entries++
				acked, ok := s.deliver(ctx, topic, entry, output)
				if !ok {
					return
				}
				if !acked {
					nacked = true
				}
			}
		}

		switch {
		case nacked:
			cursor = readPending
		case cursor == readPending && entries == 0:
			cursor = readNew
		}
	}
}

// deliver hands one entry to the consumer and waits for its ack or nack. It
// reports whether the entry was acked and whether reading should continue.
func (s *Subscriber) deliver(ctx context.Context, topic string, entry redis.XMessage, output chan<- *message.Message) (bool, bool) {
	msg := decode(entry)
	msgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	msg.SetContext(msgCtx)

	select {
	case output <- msg:
	case <-ctx.Done():
		return false, false
	}

	select {
	case <-msg.Acked():
		if err := s.client.XAck(ctx, topic, s.config.Group, entry.ID).Err(); err != nil {
			s.logger.Error("Acking entry failed", err, watermill.LogFields{"topic": topic, "entry_id": entry.ID})
		}
		return true, true
	case <-msg.Nacked():
		return false, true
	case <-ctx.Done():
		return false, false
	}
}

// Close stops every reader and waits for them to exit.
func (s *Subscriber) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	s.wg.Wait()
	return nil
}

func encode(msg *message.Message) map[string]any {
	values := make(map[string]any, 2+len(msg.Metadata))
	values[fieldID] = msg.UUID
	values[fieldPayload] = []byte(msg.Payload)
	for k, v := range msg.Metadata {
		values[fieldMetaPrefix+k] = v
	}
	return values
}

func decode(entry redis.XMessage) *message.Message {
	id := asString(entry.Values[fieldID])
	if id == "" {
		id = entry.ID
	}
	var payload []byte
	switch p := entry.Values[fieldPayload].(type) {
	case []byte:
		payload = p
	case string:
		payload = []byte(p)
	}

	msg := message.NewMessage(id, payload)
	for k, v := range entry.Values {
		if key, ok := strings.CutPrefix(k, fieldMetaPrefix); ok {
			msg.Metadata.Set(key, asString(v))
		}
	}
	return msg
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(s)
	}
}
