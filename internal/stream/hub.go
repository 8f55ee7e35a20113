// Package stream maintains the broker's push channels: the market hub
// (quotes, trades, depth) and the user hub (accounts, orders, positions,
// trades). Each hub keeps one connection, reconnects with capped
// exponential backoff and re-issues its subscriptions after every connect.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"levelx/internal/domain"
	"levelx/internal/metrics"
	"levelx/internal/session"
)

// HubConfig configures one hub connection.
type HubConfig struct {
	Name             string
	URL              string
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	PingInterval     time.Duration
	// ReadTimeout drops a connection that has delivered nothing for this
	// long, so a half-open socket ends in a reconnect. Zero disables it.
	ReadTimeout time.Duration
}

// Subscription is one hub subscription, identified by Key. Method is
// invoked with Args after every connect; Unsubscribe (if set) is invoked
// when the subscription is removed.
type Subscription struct {
	Key         string
	Method      string
	Unsubscribe string
	Args        []any
}

// Handler receives hub invocations in arrival order.
type Handler func(ctx context.Context, target string, args []json.RawMessage)

// ConnectFunc is called after each connect, once subscriptions have been
// re-issued. reconnect is false for the first connection.
type ConnectFunc func(ctx context.Context, reconnect bool)

// Hub is a reconnecting hub client.
type Hub struct {
	cfg       HubConfig
	tokens    session.TokenSource
	dialer    Dialer
	handler   Handler
	onConnect ConnectFunc
	logger    *slog.Logger

	mu       sync.Mutex
	subs     map[string]Subscription
	order    []string
	conn     Conn
	connects int
}

// NewHub creates a hub client. handler receives every invocation.
func NewHub(cfg HubConfig, tokens session.TokenSource, dialer Dialer, handler Handler, logger *slog.Logger) *Hub {
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:     cfg,
		tokens:  tokens,
		dialer:  dialer,
		handler: handler,
		logger:  logger.With("hub", cfg.Name),
		subs:    make(map[string]Subscription),
	}
}

// OnConnect registers a callback run after every connect.
func (h *Hub) OnConnect(fn ConnectFunc) { h.onConnect = fn }

// Connected reports whether a connection is currently established.
func (h *Hub) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn != nil
}

// Subscriptions returns the active subscription keys in subscription order.
func (h *Hub) Subscriptions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.order...)
}

// Subscribe registers subscriptions. Keys that are already active are
// ignored. New subscriptions are sent immediately when connected and are
// re-issued after every reconnect.
func (h *Hub) Subscribe(subs ...Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range subs {
		if _, ok := h.subs[s.Key]; ok {
			continue
		}
		h.subs[s.Key] = s
		h.order = append(h.order, s.Key)
		if h.conn != nil {
			if err := h.invokeLocked(s.Method, s.Args); err != nil {
				// Re-issued on the next connect.
				h.logger.Warn("subscribe failed", "key", s.Key, "error", err)
			}
		}
	}
}

// Unsubscribe removes subscriptions by key.
func (h *Hub) Unsubscribe(keys ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, k := range keys {
		s, ok := h.subs[k]
		if !ok {
			continue
		}
		delete(h.subs, k)
		for i, o := range h.order {
			if o == k {
				h.order = append(h.order[:i], h.order[i+1:]...)
				break
			}
		}
		if h.conn != nil && s.Unsubscribe != "" {
			if err := h.invokeLocked(s.Unsubscribe, s.Args); err != nil {
				h.logger.Warn("unsubscribe failed", "key", k, "error", err)
			}
		}
	}
}

func (h *Hub) invokeLocked(method string, args []any) error {
	msg, err := encodeInvocation(method, args...)
	if err != nil {
		return err
	}
	return h.conn.WriteMessage(msg)
}

// Run connects and keeps the hub connected until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = h.cfg.ReconnectInitial
	bo.MaxInterval = h.cfg.ReconnectMax

	for {
		connected, err := h.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			bo.Reset()
		}
		metrics.StreamReconnects.WithLabelValues(h.cfg.Name).Inc()
		wait := bo.NextBackOff()
		h.logger.Warn("hub disconnected", "error", err, "retry_in", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// runOnce dials, serves one connection and returns when it drops.
// connected reports whether the handshake completed.
func (h *Hub) runOnce(ctx context.Context) (connected bool, err error) {
	tok, err := h.tokens.CurrentToken(ctx)
	if err != nil {
		return false, fmt.Errorf("acquiring token: %w", err)
	}
	u, err := withToken(h.cfg.URL, tok.Value)
	if err != nil {
		return false, fmt.Errorf("hub url: %w", err)
	}
	conn, err := h.dialer.Dial(ctx, u)
	if err != nil {
		if domain.IsAuth(err) {
			h.tokens.Invalidate(tok.Value)
		}
		return false, fmt.Errorf("dial: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var lastRead atomic.Int64
	lastRead.Store(time.Now().UnixNano())
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	if h.cfg.ReadTimeout > 0 {
		go h.watchdog(watchCtx, conn, &lastRead)
	}

	rest, err := h.handshake(conn, &lastRead)
	if err != nil {
		_ = conn.Close()
		return false, err
	}

	h.mu.Lock()
	h.conn = conn
	h.connects++
	reconnect := h.connects > 1
	for _, k := range h.order {
		s := h.subs[k]
		if err := h.invokeLocked(s.Method, s.Args); err != nil {
			h.conn = nil
			h.mu.Unlock()
			_ = conn.Close()
			return true, fmt.Errorf("re-subscribing %s: %w", k, err)
		}
	}
	n := len(h.order)
	h.mu.Unlock()
	h.logger.Info("hub connected", "subscriptions", n, "reconnect", reconnect)

	defer func() {
		h.mu.Lock()
		if h.conn == conn {
			h.conn = nil
		}
		h.mu.Unlock()
		_ = conn.Close()
	}()

	if h.onConnect != nil {
		h.onConnect(ctx, reconnect)
	}

	if h.cfg.PingInterval > 0 {
		go h.pingLoop(watchCtx, conn)
	}

	for _, f := range rest {
		if err := h.dispatch(ctx, f); err != nil {
			return true, err
		}
	}
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		lastRead.Store(time.Now().UnixNano())
		for _, f := range splitFrames(data) {
			if err := h.dispatch(ctx, f); err != nil {
				return true, err
			}
		}
	}
}

// handshake negotiates the JSON protocol and returns any messages that
// arrived in the same payload as the handshake response.
func (h *Hub) handshake(conn Conn, lastRead *atomic.Int64) ([][]byte, error) {
	if err := conn.WriteMessage(encodeHandshake()); err != nil {
		return nil, fmt.Errorf("handshake write: %w", err)
	}
	data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("handshake read: %w", err)
	}
	lastRead.Store(time.Now().UnixNano())
	if err := decodeHandshake(data); err != nil {
		return nil, err
	}
	return splitFrames(data)[1:], nil
}

var errServerClosed = errors.New("server closed the connection")

func (h *Hub) dispatch(ctx context.Context, data []byte) error {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Warn("undecodable hub message", "error", err)
		return nil
	}
	switch msg.Type {
	case msgInvocation:
		h.handler(ctx, msg.Target, msg.Arguments)
	case msgCompletion:
		if msg.Error != "" {
			h.logger.Warn("hub invocation failed", "invocation", msg.InvocationID, "error", msg.Error)
		}
	case msgClose:
		if msg.Error != "" {
			return fmt.Errorf("%w: %s", errServerClosed, msg.Error)
		}
		return errServerClosed
	}
	return nil
}

func (h *Hub) pingLoop(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteMessage(encodePing()); err != nil {
				h.logger.Warn("ping failed", "error", err)
				_ = conn.Close()
				return
			}
		}
	}
}

// watchdog closes conn once nothing has been read for the read timeout.
// Pings can keep succeeding into the socket buffer of a half-open
// connection, so only inbound traffic counts.
func (h *Hub) watchdog(ctx context.Context, conn Conn, lastRead *atomic.Int64) {
	every := h.cfg.ReadTimeout / 4
	if every <= 0 {
		every = h.cfg.ReadTimeout
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			silent := time.Since(time.Unix(0, lastRead.Load()))
			if silent > h.cfg.ReadTimeout {
				h.logger.Warn("hub silent, dropping connection", "silent_for", silent.Round(time.Millisecond))
				metrics.StreamTimeouts.WithLabelValues(h.cfg.Name).Inc()
				_ = conn.Close()
				return
			}
		}
	}
}
