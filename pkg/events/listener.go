package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
)

// subCmd is a LISTEN or UNLISTEN statement handed to the notify loop. Only
// that loop runs SQL on the dedicated connection; callers wait on result.
type subCmd struct {
	sql    string
	result chan error
}

// NotifyListener holds one dedicated pgx connection in LISTEN mode and feeds
// every NOTIFY payload it receives into the Hub. Subscriptions arrive over
// cmdCh because pgx forbids running Exec while WaitForNotification is in
// flight on the same connection; the notify loop alternates between the two.
type NotifyListener struct {
	connString string
	conn       *pgx.Conn
	connMu     sync.Mutex
	hub        *Hub

	// channels tracks which run channels are currently under LISTEN so a
	// reconnect can restore them.
	channels   map[string]bool
	channelsMu sync.RWMutex

	cmdCh   chan subCmd
	running atomic.Bool

	cancelLoop context.CancelFunc
	loopDone   chan struct{}

	logger *slog.Logger
}

// NewNotifyListener creates a listener over connString that dispatches into hub.
func NewNotifyListener(connString string, hub *Hub) *NotifyListener {
	return &NotifyListener{
		connString: connString,
		hub:        hub,
		channels:   make(map[string]bool),
		cmdCh:      make(chan subCmd, 16),
		logger:     slog.Default().With("component", "events.listener"),
	}
}

// Start opens the dedicated connection and launches the notify loop.
func (l *NotifyListener) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("failed to open listen connection: %w", err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()

	l.running.Store(true)

	// The loop gets its own cancellable context so Stop can order it out
	// before the connection is closed underneath it.
	loopCtx, cancel := context.WithCancel(ctx)
	l.cancelLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.notifyLoop(loopCtx)
	}()

	l.logger.Info("Notify listener started")
	return nil
}

// Subscribe issues LISTEN for channel. Safe to call from any goroutine; the
// statement itself is executed by the notify loop.
func (l *NotifyListener) Subscribe(ctx context.Context, channel string) error {
	l.channelsMu.Lock()
	if l.channels[channel] {
		l.channelsMu.Unlock()
		return nil
	}
	l.channelsMu.Unlock()

	if !l.running.Load() {
		return fmt.Errorf("listen connection is not established")
	}

	sanitized := pgx.Identifier{channel}.Sanitize()
	cmd := subCmd{
		sql:    "LISTEN " + sanitized,
		result: make(chan error, 1),
	}

	select {
	case l.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.result:
		if err != nil {
			return fmt.Errorf("LISTEN %s failed: %w", sanitized, err)
		}
		l.channelsMu.Lock()
		l.channels[channel] = true
		l.channelsMu.Unlock()
		l.logger.Debug("Listening on channel", "channel", channel)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unsubscribe issues UNLISTEN for channel once its last subscriber is gone.
func (l *NotifyListener) Unsubscribe(ctx context.Context, channel string) error {
	l.channelsMu.Lock()
	if !l.channels[channel] {
		l.channelsMu.Unlock()
		return nil
	}
	l.channelsMu.Unlock()

	if !l.running.Load() {
		return nil
	}

	sanitized := pgx.Identifier{channel}.Sanitize()
	cmd := subCmd{
		sql:    "UNLISTEN " + sanitized,
		result: make(chan error, 1),
	}

	select {
	case l.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.result:
		if err != nil {
			return fmt.Errorf("UNLISTEN %s failed: %w", sanitized, err)
		}
		l.channelsMu.Lock()
		delete(l.channels, channel)
		l.channelsMu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// notifyLoop owns the connection: it drains queued LISTEN/UNLISTEN
// statements, then blocks briefly in WaitForNotification. The short wait
// window keeps subscription latency bounded without a second connection.
func (l *NotifyListener) notifyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.drainCommands(ctx)

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()

		if conn == nil {
			l.reconnect(ctx)
			continue
		}

		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if waitCtx.Err() != nil {
				// Wait window elapsed; go service the command queue.
				continue
			}
			l.logger.Error("Failed to receive notification", "error", err)
			l.reconnect(ctx)
			continue
		}

		l.hub.Dispatch(notification.Channel, []byte(notification.Payload))
	}
}

// drainCommands runs every queued subscription statement, replying on each
// command's result channel.
func (l *NotifyListener) drainCommands(ctx context.Context) {
	for {
		select {
		case cmd := <-l.cmdCh:
			l.connMu.Lock()
			conn := l.conn
			l.connMu.Unlock()

			if conn == nil {
				cmd.result <- fmt.Errorf("listen connection is not established")
				continue
			}

			_, err := conn.Exec(ctx, cmd.sql)
			cmd.result <- err
		default:
			return
		}
	}
}

// reconnect replaces a broken connection, backing off exponentially, and
// restores LISTEN on every channel that had subscribers before the drop.
func (l *NotifyListener) reconnect(ctx context.Context) {
	l.connMu.Lock()
	defer l.connMu.Unlock()

	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, l.connString)
		if err != nil {
			l.logger.Error("Failed to reopen listen connection", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		l.conn = conn

		l.channelsMu.RLock()
		for ch := range l.channels {
			sanitized := pgx.Identifier{ch}.Sanitize()
			if _, err := conn.Exec(ctx, "LISTEN "+sanitized); err != nil {
				l.logger.Error("Failed to restore channel after reconnect", "channel", ch, "error", err)
			}
		}
		l.channelsMu.RUnlock()

		l.logger.Info("Notify listener reconnected")
		return
	}
}

// Stop shuts the notify loop down, then closes the connection. Ordering
// matters: closing while WaitForNotification is blocked races inside pgx.
func (l *NotifyListener) Stop(ctx context.Context) {
	l.running.Store(false)

	if l.cancelLoop != nil {
		l.cancelLoop()
	}
	if l.loopDone != nil {
		<-l.loopDone
	}

	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
}
