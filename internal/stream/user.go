package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"levelx/internal/broker"
	"levelx/internal/domain"
	"levelx/internal/metrics"
	"levelx/internal/session"
)

// UserEventKind identifies a user hub event.
type UserEventKind string

// User event kinds.
const (
	UserAccount  UserEventKind = "account"
	UserOrder    UserEventKind = "order"
	UserPosition UserEventKind = "position"
	UserTrade    UserEventKind = "trade"
	// UserStale: the account's derived state must not be trusted until
	// the matching UserResynced.
	UserStale    UserEventKind = "stale"
	UserResynced UserEventKind = "resynced"
)

// UserEvent is one normalized user hub event.
type UserEvent struct {
	Kind      UserEventKind
	AccountID int64
	Account   *domain.Account
	Order     *domain.OrderReport
	Position  *domain.Position
	Fill      *domain.Fill
	Reason    string
}

// ResyncFunc pulls authoritative order and position state for an account.
type ResyncFunc func(ctx context.Context, accountID int64) error

// UserConfig configures a UserStream.
type UserConfig struct {
	Hub         HubConfig
	Buffer      int
	ResyncRetry time.Duration
}

// UserStream delivers account, order, position and trade updates for
// subscribed accounts. Events are never shed. Every reconnect and every
// sequence gap marks the affected accounts stale and triggers a resync.
type UserStream struct {
	hub     *Hub
	cfg     UserConfig
	tracker *Tracker
	events  chan UserEvent
	logger  *slog.Logger
	kick    chan struct{}

	mu       sync.Mutex
	accounts map[int64]bool
	stale    map[int64]bool
	pending  map[int64]bool
	resync   ResyncFunc
}

// NewUserStream creates a user hub stream.
func NewUserStream(cfg UserConfig, tokens session.TokenSource, dialer Dialer, logger *slog.Logger) *UserStream {
	if cfg.Hub.Name == "" {
		cfg.Hub.Name = "user"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.ResyncRetry <= 0 {
		cfg.ResyncRetry = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &UserStream{
		cfg:      cfg,
		tracker:  NewTracker(),
		events:   make(chan UserEvent, cfg.Buffer),
		logger:   logger.With("component", "user_stream"),
		kick:     make(chan struct{}, 1),
		accounts: make(map[int64]bool),
		stale:    make(map[int64]bool),
		pending:  make(map[int64]bool),
	}
	s.hub = NewHub(cfg.Hub, tokens, dialer, s.handle, logger)
	s.hub.OnConnect(s.connected)
	return s
}

// SetResync sets the resync callback.
func (s *UserStream) SetResync(fn ResyncFunc) {
	s.mu.Lock()
	s.resync = fn
	s.mu.Unlock()
}

// Events returns the event channel.
func (s *UserStream) Events() <-chan UserEvent { return s.events }

// Connected reports whether the hub connection is up.
func (s *UserStream) Connected() bool { return s.hub.Connected() }

// Stale reports whether an account is awaiting resync.
func (s *UserStream) Stale(accountID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale[accountID]
}

func accountKey(id int64) string { return strconv.FormatInt(id, 10) + "/" }

// Subscribe subscribes to accounts. Already subscribed accounts are
// ignored.
func (s *UserStream) Subscribe(accounts ...int64) {
	subs := []Subscription{{Key: "accounts", Method: "SubscribeAccounts", Unsubscribe: "UnsubscribeAccounts"}}
	s.mu.Lock()
	for _, id := range accounts {
		s.accounts[id] = true
		k := accountKey(id)
		subs = append(subs,
			Subscription{Key: k + "order", Method: "SubscribeOrders", Unsubscribe: "UnsubscribeOrders", Args: []any{id}},
			Subscription{Key: k + "position", Method: "SubscribePositions", Unsubscribe: "UnsubscribePositions", Args: []any{id}},
			Subscription{Key: k + "trade", Method: "SubscribeTrades", Unsubscribe: "UnsubscribeTrades", Args: []any{id}},
		)
	}
	s.mu.Unlock()
	s.hub.Subscribe(subs...)
}

// Unsubscribe removes accounts.
func (s *UserStream) Unsubscribe(accounts ...int64) {
	for _, id := range accounts {
		k := accountKey(id)
		s.hub.Unsubscribe(k+"order", k+"position", k+"trade")
		s.tracker.Reset(k)
		s.mu.Lock()
		delete(s.accounts, id)
		delete(s.stale, id)
		delete(s.pending, id)
		s.mu.Unlock()
	}
}

// Run keeps the hub connected and services resync requests until ctx is
// cancelled.
func (s *UserStream) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.resyncLoop(ctx)
	}()
	err := s.hub.Run(ctx)
	wg.Wait()
	return err
}

func (s *UserStream) emit(ctx context.Context, ev UserEvent) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

// connected marks every account stale on each connect: events may have
// been missed while disconnected.
func (s *UserStream) connected(ctx context.Context, reconnect bool) {
	s.tracker.Reset("")
	s.mu.Lock()
	ids := make([]int64, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	reason := "connected"
	if reconnect {
		reason = "reconnected"
	}
	for _, id := range ids {
		s.markStale(ctx, id, reason)
	}
}

func (s *UserStream) markStale(ctx context.Context, accountID int64, reason string) {
	s.mu.Lock()
	s.stale[accountID] = true
	s.pending[accountID] = true
	s.mu.Unlock()

	s.logger.Warn("account stale", "account", accountID, "reason", reason)
	s.emit(ctx, UserEvent{Kind: UserStale, AccountID: accountID, Reason: reason})
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *UserStream) resyncLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
		}

		s.mu.Lock()
		ids := make([]int64, 0, len(s.pending))
		for id := range s.pending {
			ids = append(ids, id)
		}
		s.pending = make(map[int64]bool)
		fn := s.resync
		s.mu.Unlock()
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		failed := false
		for _, id := range ids {
			if fn != nil {
				if err := fn(ctx, id); err != nil {
					if ctx.Err() != nil {
						return
					}
					s.logger.Error("resync failed", "account", id, "error", err)
					s.mu.Lock()
					s.pending[id] = true
					s.mu.Unlock()
					failed = true
					continue
				}
			}
			s.mu.Lock()
			_, subscribed := s.accounts[id]
			// A gap seen while the resync ran queued another one; the
			// account stays stale until that completes.
			again := s.pending[id]
			if !again {
				delete(s.stale, id)
			}
			s.mu.Unlock()
			if subscribed && !again {
				s.tracker.Resolve(accountKey(id))
				s.logger.Info("account resynced", "account", id)
				s.emit(ctx, UserEvent{Kind: UserResynced, AccountID: id})
			}
		}

		if failed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.ResyncRetry):
			}
			select {
			case s.kick <- struct{}{}:
			default:
			}
		}
	}
}

// userPayload is the optional envelope around user hub data.
type userPayload struct {
	Action   *int            `json:"action"`
	Data     json.RawMessage `json:"data"`
	Sequence int64           `json:"sequence"`
}

// unwrap returns the entity inside an optional {action, data} envelope and
// the sequence number found on the envelope or the entity.
func unwrap(raw json.RawMessage) (json.RawMessage, int64) {
	var env userPayload
	if err := json.Unmarshal(raw, &env); err != nil {
		return raw, 0
	}
	if len(env.Data) > 0 && env.Data[0] == '{' {
		if env.Sequence == 0 {
			var inner userPayload
			if json.Unmarshal(env.Data, &inner) == nil {
				env.Sequence = inner.Sequence
			}
		}
		return env.Data, env.Sequence
	}
	return raw, env.Sequence
}

func (s *UserStream) handle(ctx context.Context, target string, args []json.RawMessage) {
	if len(args) == 0 {
		return
	}
	data, seq := unwrap(args[0])

	var (
		ev   UserEvent
		kind string
		err  error
	)
	switch target {
	case "GatewayUserAccount":
		var a domain.Account
		a, err = broker.DecodeAccount(data)
		ev = UserEvent{Kind: UserAccount, AccountID: a.ID, Account: &a}
		kind = "account"
	case "GatewayUserOrder":
		var o domain.OrderReport
		o, err = broker.DecodeOrder(data)
		ev = UserEvent{Kind: UserOrder, AccountID: o.AccountID, Order: &o}
		kind = "order"
	case "GatewayUserPosition":
		var p domain.Position
		p, err = broker.DecodePosition(data)
		ev = UserEvent{Kind: UserPosition, AccountID: p.AccountID, Position: &p}
		kind = "position"
	case "GatewayUserTrade":
		var f domain.Fill
		f, err = broker.DecodeTrade(data)
		ev = UserEvent{Kind: UserTrade, AccountID: f.AccountID, Fill: &f}
		kind = "trade"
	default:
		return
	}
	if err != nil {
		// An undecodable order-affecting event is a gap in our view.
		s.logger.Error("bad user payload", "target", target, "error", err)
		s.mu.Lock()
		ids := make([]int64, 0, len(s.accounts))
		for id := range s.accounts {
			ids = append(ids, id)
		}
		s.mu.Unlock()
		for _, id := range ids {
			s.markStale(ctx, id, fmt.Sprintf("undecodable %s payload", target))
		}
		return
	}

	switch s.tracker.Observe(accountKey(ev.AccountID)+kind, seq) {
	case Duplicate:
		metrics.StreamDuplicates.WithLabelValues("user").Inc()
		return
	case Gap:
		metrics.StreamGaps.WithLabelValues("user").Inc()
		s.markStale(ctx, ev.AccountID, "sequence gap on "+kind)
	}
	metrics.StreamEvents.WithLabelValues("user", kind).Inc()
	s.emit(ctx, ev)
}
