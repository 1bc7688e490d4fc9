package status

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TopicStatus is the topic on which run status events are broadcast.
const TopicStatus = "status"

// ErrClosed is returned by operations on a closed channel.
var ErrClosed = errors.New("status channel is closed")

// DefaultTokenTTL is how long a subscription token stays redeemable.
const DefaultTokenTTL = 5 * time.Minute

const subscriptionBuffer = 64

// Subscription is a live attachment to one or more topics. Events published
// after the subscription was created are delivered in publish order; there is
// no replay of earlier events.
type Subscription struct {
	id      string
	topics  map[string]bool
	ch      chan Event
	channel *Channel
}

// Events returns the channel on which events are delivered. It is closed
// when the subscription or the status channel is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.channel.removeSubscription(s)
}

// Token is a short-lived credential a remote caller presents to attach to
// live events for the given topics. Single-use: redeeming it consumes it.
type Token struct {
	ID        string    `json:"token"`
	Topics    []string  `json:"topics"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Channel is a process-wide, topic-keyed broadcast of status events. Many
// runs (distinguished by LogID) multiplex onto one channel. It is safe for
// concurrent use; delivery to each subscriber preserves publish order.
type Channel struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	tokens map[string]Token
	ttl    time.Duration
	closed bool
	logger *slog.Logger
}

// Option configures a Channel.
type Option func(*Channel)

// WithTokenTTL overrides the subscription token lifetime.
func WithTokenTTL(d time.Duration) Option {
	return func(c *Channel) { c.ttl = d }
}

// New creates a Channel ready for publishing and subscribing.
func New(logger *slog.Logger, opts ...Option) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{
		subs:   make(map[string]*Subscription),
		tokens: make(map[string]Token),
		ttl:    DefaultTokenTTL,
		logger: logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Publish delivers an event to every current subscriber of the topic. It
// never blocks: a subscriber whose buffer is full misses the event (logged,
// delivery is best-effort telemetry). Returns ErrClosed after Close.
func (c *Channel) Publish(topic string, e Event) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrClosed
	}

	for _, sub := range c.subs {
		if !sub.topics[topic] {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			c.logger.Warn("dropping status event for slow subscriber",
				"subscription", sub.id, "topic", topic, "log_id", e.LogID)
		}
	}
	return nil
}

// Subscribe attaches a new in-process subscriber to the given topics.
func (c *Channel) Subscribe(topics ...string) (*Subscription, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("at least one topic is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	sub := &Subscription{
		id:      uuid.NewString(),
		topics:  make(map[string]bool, len(topics)),
		ch:      make(chan Event, subscriptionBuffer),
		channel: c,
	}
	for _, t := range topics {
		sub.topics[t] = true
	}
	c.subs[sub.id] = sub
	return sub, nil
}

// IssueToken mints a single-use token a remote caller can later redeem for a
// subscription to the given topics.
func (c *Channel) IssueToken(topics ...string) (Token, error) {
	if len(topics) == 0 {
		return Token{}, fmt.Errorf("at least one topic is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return Token{}, ErrClosed
	}

	c.pruneExpiredLocked()

	tok := Token{
		ID:        uuid.NewString(),
		Topics:    topics,
		ExpiresAt: time.Now().Add(c.ttl),
	}
	c.tokens[tok.ID] = tok
	return tok, nil
}

// Redeem exchanges a token for a live subscription to the token's topics.
// The token is consumed; expired or unknown tokens are rejected.
func (c *Channel) Redeem(tokenID string) (*Subscription, error) {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}

	tok, ok := c.tokens[tokenID]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("unknown subscription token")
	}
	delete(c.tokens, tokenID)

	if time.Now().After(tok.ExpiresAt) {
		c.mu.Unlock()
		return nil, fmt.Errorf("subscription token expired")
	}
	c.mu.Unlock()

	return c.Subscribe(tok.Topics...)
}

// SubscriberCount returns the number of live subscriptions.
func (c *Channel) SubscriberCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

// Close detaches all subscribers and rejects further operations.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	for id, sub := range c.subs {
		close(sub.ch)
		delete(c.subs, id)
	}
	clear(c.tokens)
}

func (c *Channel) removeSubscription(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subs[sub.id]; ok {
		delete(c.subs, sub.id)
		close(sub.ch)
	}
}

// pruneExpiredLocked drops expired tokens. Caller must hold mu.
func (c *Channel) pruneExpiredLocked() {
	now := time.Now()
	for id, tok := range c.tokens {
		if now.After(tok.ExpiresAt) {
			delete(c.tokens, id)
		}
	}
}
