package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"levelx/internal/broker"
	"levelx/internal/domain"
	"levelx/internal/metrics"
	"levelx/internal/session"
)

// MarketEventKind identifies a market event.
type MarketEventKind string

// Market event kinds.
const (
	MarketTrade MarketEventKind = "trade"
	MarketQuote MarketEventKind = "quote"
	MarketDepth MarketEventKind = "depth"
	MarketStale MarketEventKind = "stale"
)

// MarketEvent is one normalized market hub event.
type MarketEvent struct {
	Kind     MarketEventKind
	Contract string
	Tick     domain.Tick
	Quote    domain.Quote
	Depth    []domain.DepthLevel
	Reason   string
}

// MarketConfig configures a MarketStream.
type MarketConfig struct {
	Hub    HubConfig
	Buffer int
	Quotes bool
	Depth  bool
}

// MarketStream delivers quotes, trades and depth for subscribed contracts.
// Delivery is most-recent-wins: when the consumer lags, the oldest queued
// event is shed.
type MarketStream struct {
	hub     *Hub
	cfg     MarketConfig
	tracker *Tracker
	events  chan MarketEvent
	logger  *slog.Logger

	mu    sync.Mutex
	onGap func(contract string)
}

// NewMarketStream creates a market hub stream.
func NewMarketStream(cfg MarketConfig, tokens session.TokenSource, dialer Dialer, logger *slog.Logger) *MarketStream {
	if cfg.Hub.Name == "" {
		cfg.Hub.Name = "market"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &MarketStream{
		cfg:     cfg,
		tracker: NewTracker(),
		events:  make(chan MarketEvent, cfg.Buffer),
		logger:  logger.With("component", "market_stream"),
	}
	s.hub = NewHub(cfg.Hub, tokens, dialer, s.handle, logger)
	s.hub.OnConnect(func(context.Context, bool) {
		// Sequences restart with a new connection.
		s.tracker.Reset("")
	})
	return s
}

// OnGap registers a callback run synchronously when a contract's sequence
// gaps, before the gapped event is delivered.
func (s *MarketStream) OnGap(fn func(contract string)) {
	s.mu.Lock()
	s.onGap = fn
	s.mu.Unlock()
}

// Events returns the event channel.
func (s *MarketStream) Events() <-chan MarketEvent { return s.events }

// Connected reports whether the hub connection is up.
func (s *MarketStream) Connected() bool { return s.hub.Connected() }

// Subscribe subscribes to contracts. Already subscribed contracts are
// ignored.
func (s *MarketStream) Subscribe(contracts ...string) {
	var subs []Subscription
	for _, c := range contracts {
		subs = append(subs, Subscription{
			Key: c + "/trade", Method: "SubscribeContractTrades", Unsubscribe: "UnsubscribeContractTrades", Args: []any{c},
		})
		if s.cfg.Quotes {
			subs = append(subs, Subscription{
				Key: c + "/quote", Method: "SubscribeContractQuotes", Unsubscribe: "UnsubscribeContractQuotes", Args: []any{c},
			})
		}
		if s.cfg.Depth {
			subs = append(subs, Subscription{
				Key: c + "/depth", Method: "SubscribeContractMarketDepth", Unsubscribe: "UnsubscribeContractMarketDepth", Args: []any{c},
			})
		}
	}
	s.hub.Subscribe(subs...)
}

// Unsubscribe removes contracts.
func (s *MarketStream) Unsubscribe(contracts ...string) {
	for _, c := range contracts {
		s.hub.Unsubscribe(c+"/trade", c+"/quote", c+"/depth")
		s.tracker.Reset(c + "/")
	}
}

// Run keeps the hub connected until ctx is cancelled.
func (s *MarketStream) Run(ctx context.Context) error { return s.hub.Run(ctx) }

// push enqueues ev, shedding the oldest queued event when full.
func (s *MarketStream) push(ev MarketEvent) {
	for {
		select {
		case s.events <- ev:
			return
		default:
		}
		select {
		case <-s.events:
			metrics.MarketShed.Inc()
		default:
		}
	}
}

// sequenced applies sequence tracking and reports whether ev should be
// delivered.
func (s *MarketStream) sequenced(key, contract string, seq int64) bool {
	switch s.tracker.Observe(key, seq) {
	case Duplicate:
		metrics.StreamDuplicates.WithLabelValues("market").Inc()
		return false
	case Gap:
		metrics.StreamGaps.WithLabelValues("market").Inc()
		s.logger.Warn("market sequence gap", "key", key, "sequence", seq)
		s.mu.Lock()
		fn := s.onGap
		s.mu.Unlock()
		if fn != nil {
			fn(contract)
		}
		s.push(MarketEvent{Kind: MarketStale, Contract: contract, Reason: "sequence gap on " + key})
		// Machines were reset; the tracker re-baselines on this event.
		s.tracker.Resolve(key)
	}
	return true
}

func (s *MarketStream) handle(_ context.Context, target string, args []json.RawMessage) {
	if len(args) < 2 {
		s.logger.Debug("short market invocation", "target", target, "args", len(args))
		return
	}
	var contract string
	if err := json.Unmarshal(args[0], &contract); err != nil {
		s.logger.Warn("market invocation without contract", "target", target, "error", err)
		return
	}

	switch target {
	case "GatewayTrade":
		trades, err := decodeMarketTrades(contract, args[1])
		if err != nil {
			s.logger.Warn("bad trade payload", "contract", contract, "error", err)
			return
		}
		for _, t := range trades {
			if !s.sequenced(contract+"/trade", contract, t.Sequence) {
				continue
			}
			metrics.StreamEvents.WithLabelValues("market", string(MarketTrade)).Inc()
			s.push(MarketEvent{Kind: MarketTrade, Contract: contract, Tick: t})
		}
	case "GatewayQuote":
		q, err := decodeQuote(contract, args[1])
		if err != nil {
			s.logger.Warn("bad quote payload", "contract", contract, "error", err)
			return
		}
		if !s.sequenced(contract+"/quote", contract, q.Sequence) {
			return
		}
		metrics.StreamEvents.WithLabelValues("market", string(MarketQuote)).Inc()
		s.push(MarketEvent{Kind: MarketQuote, Contract: contract, Quote: q})
	case "GatewayDepth":
		levels, err := decodeDepth(args[1])
		if err != nil {
			s.logger.Warn("bad depth payload", "contract", contract, "error", err)
			return
		}
		metrics.StreamEvents.WithLabelValues("market", string(MarketDepth)).Inc()
		s.push(MarketEvent{Kind: MarketDepth, Contract: contract, Depth: levels})
	}
}

// ---------------------------------------------------------------------------
// Market payloads
// ---------------------------------------------------------------------------

type marketTrade struct {
	SymbolID  string  `json:"symbolId"`
	Price     float64 `json:"price"`
	Timestamp string  `json:"timestamp"`
	Type      int     `json:"type"`
	Volume    float64 `json:"volume"`
	Sequence  int64   `json:"sequence"`
}

type marketQuote struct {
	LastPrice   float64 `json:"lastPrice"`
	BestBid     float64 `json:"bestBid"`
	BestAsk     float64 `json:"bestAsk"`
	Timestamp   string  `json:"timestamp"`
	LastUpdated string  `json:"lastUpdated"`
	Sequence    int64   `json:"sequence"`
}

type marketDepth struct {
	Timestamp string  `json:"timestamp"`
	Type      int     `json:"type"`
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
}

// Depth entry types.
const (
	depthAsk        = 1
	depthBid        = 2
	depthBestAsk    = 3
	depthBestBid    = 4
	depthNewBestBid = 9
	depthNewBestAsk = 10
)

// oneOrMany decodes a payload that is either a single object or an array.
func oneOrMany[T any](raw json.RawMessage) ([]T, error) {
	var many []T
	if err := json.Unmarshal(raw, &many); err == nil {
		return many, nil
	}
	var one T
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, err
	}
	return []T{one}, nil
}

func decodeMarketTrades(contract string, raw json.RawMessage) ([]domain.Tick, error) {
	trades, err := oneOrMany[marketTrade](raw)
	if err != nil {
		return nil, err
	}
	ticks := make([]domain.Tick, 0, len(trades))
	for _, t := range trades {
		ticks = append(ticks, domain.Tick{
			Contract:  contract,
			Price:     t.Price,
			Size:      t.Volume,
			Timestamp: broker.ParseTime(t.Timestamp),
			Sequence:  t.Sequence,
		})
	}
	return ticks, nil
}

func decodeQuote(contract string, raw json.RawMessage) (domain.Quote, error) {
	var q marketQuote
	if err := json.Unmarshal(raw, &q); err != nil {
		return domain.Quote{}, err
	}
	ts := broker.ParseTime(q.Timestamp)
	if ts.IsZero() {
		ts = broker.ParseTime(q.LastUpdated)
	}
	return domain.Quote{
		Contract:  contract,
		Bid:       q.BestBid,
		Ask:       q.BestAsk,
		Last:      q.LastPrice,
		Timestamp: ts,
		Sequence:  q.Sequence,
	}, nil
}

func decodeDepth(raw json.RawMessage) ([]domain.DepthLevel, error) {
	entries, err := oneOrMany[marketDepth](raw)
	if err != nil {
		return nil, err
	}
	var levels []domain.DepthLevel
	for _, e := range entries {
		var side domain.Side
		switch e.Type {
		case depthBid, depthBestBid, depthNewBestBid:
			side = domain.SideBid
		case depthAsk, depthBestAsk, depthNewBestAsk:
			side = domain.SideAsk
		default:
			continue
		}
		levels = append(levels, domain.DepthLevel{Price: e.Price, Volume: e.Volume, Side: side})
	}
	return levels, nil
}
