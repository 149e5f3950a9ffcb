package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/runforge/agentrunner/pkg/models"
)

// subscriberBuffer is the per-subscription channel depth. A subscriber that
// falls this far behind is dropped; its SSE stream ends and the client
// reconnects with its last seen cursor.
const subscriberBuffer = 64

// listenTimeout bounds how long a LISTEN command may block when the first
// subscriber for a run arrives. Without this, a stalled connection would
// block the subscribing request indefinitely.
const listenTimeout = 10 * time.Second

// fetchTimeout bounds the database read that restores a truncated NOTIFY
// envelope to the full event row.
const fetchTimeout = 5 * time.Second

// EventFetcher restores truncated NOTIFY envelopes from the store.
// Implemented by services.EventService.
type EventFetcher interface {
	GetEvent(ctx context.Context, runID, eventID int64) (*models.Event, error)
}

// Subscription is one live consumer of a run's event stream. C delivers
// events in NOTIFY order and is closed when the subscriber is dropped or
// the Hub shuts down.
type Subscription struct {
	ID    string
	RunID int64
	C     <-chan *models.Event

	ch        chan *models.Event
	closeOnce sync.Once
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// Hub fans PostgreSQL notifications out to per-run subscriber channels.
// Each process has one Hub instance; the SSE handlers are its consumers.
type Hub struct {
	// Active subscriptions: run_id → subscription_id → *Subscription
	subs map[int64]map[string]*Subscription
	mu   sync.RWMutex

	// Restores truncated envelopes from the events table.
	fetcher EventFetcher

	// NotifyListener for dynamic LISTEN/UNLISTEN (set after construction).
	listener   *NotifyListener
	listenerMu sync.RWMutex
}

// NewHub creates a Hub. fetcher may be nil in tests; truncated envelopes
// are then forwarded with an empty payload.
func NewHub(fetcher EventFetcher) *Hub {
	return &Hub{
		subs:    make(map[int64]map[string]*Subscription),
		fetcher: fetcher,
	}
}

// SetListener wires the NotifyListener for dynamic LISTEN/UNLISTEN.
// Called once during startup after both Hub and NotifyListener exist.
func (h *Hub) SetListener(l *NotifyListener) {
	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()
	h.listener = l
}

// Subscribe registers a consumer for a run's live events. LISTEN on the
// run's channel is synchronous for the first subscriber, so when Subscribe
// returns, every later commit is guaranteed to reach the subscription;
// callers replay the store afterwards to cover everything earlier.
func (h *Hub) Subscribe(runID int64) (*Subscription, error) {
	sub := &Subscription{
		ID:    uuid.New().String(),
		RunID: runID,
		ch:    make(chan *models.Event, subscriberBuffer),
	}
	sub.C = sub.ch

	h.mu.Lock()
	needsListen := false
	if _, exists := h.subs[runID]; !exists {
		h.subs[runID] = make(map[string]*Subscription)
		needsListen = true
	}
	h.subs[runID][sub.ID] = sub
	h.mu.Unlock()

	if needsListen {
		h.listenerMu.RLock()
		l := h.listener
		h.listenerMu.RUnlock()
		if l != nil {
			listenCtx, cancel := context.WithTimeout(context.Background(), listenTimeout)
			defer cancel()
			if err := l.Subscribe(listenCtx, RunChannel(runID)); err != nil {
				h.dropRun(runID)
				return nil, fmt.Errorf("LISTEN for run %d: %w", runID, err)
			}
		}
	}

	return sub, nil
}

// Unsubscribe removes a subscription and stops LISTEN when the last
// consumer of a run leaves.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	lastForRun := false
	if runSubs, exists := h.subs[sub.RunID]; exists {
		delete(runSubs, sub.ID)
		if len(runSubs) == 0 {
			delete(h.subs, sub.RunID)
			lastForRun = true
		}
	}
	h.mu.Unlock()

	sub.close()

	if !lastForRun {
		return
	}

	h.listenerMu.RLock()
	l := h.listener
	h.listenerMu.RUnlock()
	if l == nil {
		return
	}

	// UNLISTEN runs in a goroutine that re-checks for new subscribers first,
	// so a rapid unsubscribe/resubscribe cycle doesn't drop the LISTEN the
	// new subscriber relies on.
	runID := sub.RunID
	go func() {
		h.mu.RLock()
		_, resubscribed := h.subs[runID]
		h.mu.RUnlock()
		if resubscribed {
			return
		}
		if err := l.Unsubscribe(context.Background(), RunChannel(runID)); err != nil {
			slog.Error("Failed to UNLISTEN run channel", "run_id", runID, "error", err)
		}
	}()
}

// Dispatch routes a raw notification to the run's subscribers. It is called
// by the NotifyListener receive loop for every notification received.
func (h *Hub) Dispatch(channel string, payload []byte) {
	runID, ok := ParseRunChannel(channel)
	if !ok {
		// Global runs channel and anything else have no hub consumers.
		return
	}

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		slog.Warn("Dropping malformed notification", "channel", channel, "error", err)
		return
	}

	evt := &env.Event
	if env.Truncated && h.fetcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		full, err := h.fetcher.GetEvent(ctx, runID, env.Event.ID)
		cancel()
		if err != nil {
			slog.Error("Failed to restore truncated event", "run_id", runID, "event_id", env.Event.ID, "error", err)
			return
		}
		evt = full
	}

	// Snapshot subscribers under the lock, then send without holding it.
	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.subs[runID]))
	for _, sub := range h.subs[runID] {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- evt:
		default:
			// The subscriber's buffer is full. Closing the stream here keeps
			// the bus moving; the client reconnects with its after_id cursor
			// and the replay path fills the gap.
			slog.Warn("Dropping slow event subscriber",
				"run_id", runID, "subscription_id", sub.ID)
			h.Unsubscribe(sub)
		}
	}
}

// SubscriberCount returns the number of live subscriptions for a run.
func (h *Hub) SubscriberCount(runID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[runID])
}

// Stop closes every subscription. Streams end; clients reconnect elsewhere.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for runID, runSubs := range h.subs {
		for _, sub := range runSubs {
			sub.close()
		}
		delete(h.subs, runID)
	}
}

// dropRun removes every subscription for a run after a LISTEN failure.
// Concurrent subscribers that skipped LISTEN (the channel entry already
// existed) would otherwise wait on a feed that never arrives; closing their
// channels ends their streams so clients retry.
func (h *Hub) dropRun(runID int64) {
	h.mu.Lock()
	runSubs := h.subs[runID]
	delete(h.subs, runID)
	h.mu.Unlock()

	for _, sub := range runSubs {
		slog.Warn("Removing subscriber after LISTEN failure",
			"run_id", runID, "subscription_id", sub.ID)
		sub.close()
	}
}

// ParseRunChannel extracts the run id from a "run:{id}" channel name.
func ParseRunChannel(channel string) (int64, bool) {
	raw, found := strings.CutPrefix(channel, "run:")
	if !found {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
