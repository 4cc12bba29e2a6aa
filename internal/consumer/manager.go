// Package consumer pushes emitted diagnostics batches to webhook endpoints.
//
// Each subscription owns a Hub feed and a delivery goroutine. A batch that
// cannot be delivered after the configured retry delays is dropped; a later
// batch supersedes it for every file it covers.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/snehjoshi/diagq/internal/sink"
)

var (
	ErrSubscriptionNotFound = errors.New("consumer: subscription not found")
	ErrInvalidURL           = errors.New("consumer: invalid webhook URL")
)

// Subscription is a registered webhook.
type Subscription struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
	secret    string
	feed      *sink.Subscription
	cancel    context.CancelFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient replaces the client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithRetryDelays sets the waits between successive delivery attempts.
func WithRetryDelays(d ...time.Duration) Option {
	return func(m *Manager) { m.retryDelays = d }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// Manager owns every webhook subscription.
type Manager struct {
	hub         *sink.Hub
	client      *http.Client
	retryDelays []time.Duration
	log         *slog.Logger

	mu   sync.RWMutex
	subs map[string]*Subscription
	wg   sync.WaitGroup
}

// NewManager creates a Manager fed by hub.
func NewManager(hub *sink.Hub, opts ...Option) *Manager {
	m := &Manager{
		hub:         hub,
		client:      &http.Client{Timeout: 5 * time.Second},
		retryDelays: []time.Duration{time.Second, 5 * time.Second},
		log:         slog.Default(),
		subs:        make(map[string]*Subscription),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Register subscribes rawURL to every batch emitted from now on.
func (m *Manager) Register(rawURL, secret string) (*Subscription, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}

	feed := m.hub.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		ID:        feed.ID,
		URL:       rawURL,
		CreatedAt: time.Now().UTC(),
		secret:    secret,
		feed:      feed,
		cancel:    cancel,
	}

	m.mu.Lock()
	m.subs[sub.ID] = sub
	m.mu.Unlock()

	m.wg.Add(1)
	go m.deliveryLoop(ctx, sub)
	m.log.Info("subscription registered", "id", sub.ID, "url", rawURL)
	return sub, nil
}

// Deregister stops deliveries for id.
func (m *Manager) Deregister(id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	sub.cancel()
	_ = m.hub.Unsubscribe(id)
	m.log.Info("subscription deregistered", "id", id)
	return nil
}

// List returns every subscription ordered by ID.
func (m *Manager) List() []Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, Subscription{ID: s.ID, URL: s.URL, CreatedAt: s.CreatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops every delivery goroutine and waits for them to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[string]*Subscription)
	m.mu.Unlock()

	for id, sub := range subs {
		sub.cancel()
		_ = m.hub.Unsubscribe(id)
	}
	m.wg.Wait()
}

func (m *Manager) deliveryLoop(ctx context.Context, sub *Subscription) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.feed.C:
			if !ok {
				return
			}
			if err := m.deliverWithRetry(ctx, sub, ev); err != nil {
				m.log.Warn("consumer: delivery failed, dropping batch",
					"sub", sub.ID, "batch", ev.Batch.ID, "err", err)
			}
		}
	}
}

func (m *Manager) deliverWithRetry(ctx context.Context, sub *Subscription, ev sink.Event) error {
	err := deliverBatch(ctx, m.client, sub, ev)
	for _, d := range m.retryDelays {
		if err == nil {
			return nil
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		err = deliverBatch(ctx, m.client, sub, ev)
	}
	return err
}
