package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"levelx/internal/api"
	"levelx/internal/broker"
	"levelx/internal/config"
	"levelx/internal/domain"
	"levelx/internal/engine"
	"levelx/internal/levels"
	"levelx/internal/live"
	"levelx/internal/session"
	"levelx/internal/store"
	"levelx/internal/strategy"
	"levelx/internal/stream"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the trading engine until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return a.run(ctx)
		},
	})
}

// paramsFor maps the strategy config onto machine parameters, applying
// per-contract overrides.
func paramsFor(cfg config.StrategyConfig) strategy.ParamsFunc {
	return func(contract string) strategy.Params {
		c := cfg.StrategyFor(contract)
		return strategy.Params{
			ConfirmSamples: c.ConfirmSamples,
			MinBreakVolume: c.MinBreakVolume,
			Tolerance:      c.RetestTolerance,
			RetestTimeout:  c.RetestTimeout,
			MinHold:        c.MinHold,
			MaxAdverse:     c.MaxAdverse,
			SignalTTL:      c.SignalTTL,
			BarInterval:    c.BarInterval,
			TrendEMA:       c.TrendEMA,
		}
	}
}

func (a *app) run(ctx context.Context) error {
	cfg := a.cfg
	log := a.logger
	if len(cfg.Trading.Contracts) == 0 {
		return fmt.Errorf("trading.contracts is empty")
	}

	// Storage: the journal backs the audit trail and /api/events; parquet
	// holds the bar cache and the fill archive.
	journal, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer journal.Close()
	archive := store.NewParquetStore(filepath.Join(cfg.Storage.DataDir, "parquet"))

	if err := a.sessions.Reauthenticate(ctx); err != nil {
		return fmt.Errorf("initial login: %w", err)
	}

	accountID, err := a.tradingAccount(ctx, a.gateway)
	if err != nil {
		return err
	}

	var gw broker.Gateway = a.gateway
	var paper *paperGateway
	if cfg.Trading.PaperMode {
		paper = newPaperGateway(a.gateway, accountID, cfg.Trading.PaperEquity)
		gw = paper
		log.Info("paper mode: orders go to the simulator", "account", accountID, "equity", cfg.Trading.PaperEquity)
	}

	book := engine.NewContractBook()
	if err := book.Load(ctx, gw, cfg.Trading.Contracts...); err != nil {
		return err
	}

	lvl := levels.NewEngine(a.barSource(gw, archive), a.cal, levels.WithLogger(log))
	runner := strategy.NewRunner(paramsFor(cfg.Strategy), strategy.WithRunnerLogger(log))

	feed := live.NewFeed(live.DefaultCapacity)
	publish := func(ev domain.Event) {
		feed.SwitchDay(a.cal.SessionDate(ev.At), a.cal.SessionDate)
		feed.Publish(ev)
	}

	eng := engine.New(engine.Config{
		AccountID: accountID,
		Contracts: cfg.Trading.Contracts,
		Risk:      cfg.Risk,
		Orders:    cfg.Orders,
		Ledger:    cfg.Ledger,
	}, engine.Deps{
		Gateway:     gw,
		Levels:      lvl,
		Runner:      runner,
		Contracts:   book,
		Sink:        journal,
		Fills:       archive,
		Publish:     publish,
		Logger:      log,
		SessionDate: a.cal.SessionDate,
	})
	if err := eng.Prepare(ctx); err != nil {
		return fmt.Errorf("preparing engine: %w", err)
	}

	dialer := &stream.WebsocketDialer{HandshakeTimeout: cfg.Streams.HandshakeTimeout, ReadTimeout: cfg.Streams.ReadTimeout}
	hub := func(name, url string) stream.HubConfig {
		return stream.HubConfig{
			Name:             name,
			URL:              url,
			ReconnectInitial: cfg.Streams.ReconnectInitial,
			ReconnectMax:     cfg.Streams.ReconnectMax,
			PingInterval:     cfg.Streams.PingInterval,
			ReadTimeout:      cfg.Streams.ReadTimeout,
		}
	}

	market := stream.NewMarketStream(stream.MarketConfig{
		Hub:    hub("market", cfg.Gateway.MarketHubURL),
		Buffer: cfg.Streams.MarketBuffer,
		Quotes: true,
	}, a.sessions, dialer, log)
	market.OnGap(eng.ResetContract)
	eng.SetMarket(market)
	market.Subscribe(cfg.Trading.Contracts...)
	marketEvents := market.Events()

	var user *stream.UserStream
	var userEvents <-chan stream.UserEvent
	if paper != nil {
		marketEvents = paper.follow(ctx, marketEvents, cfg.Streams.MarketBuffer)
	} else {
		user = stream.NewUserStream(stream.UserConfig{
			Hub:    hub("user", cfg.Gateway.UserHubURL),
			Buffer: cfg.Streams.UserBuffer,
		}, a.sessions, dialer, log)
		user.SetResync(eng.Resync)
		user.Subscribe(eng.Accounts()...)
		userEvents = user.Events()
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Trading: eng,
		Auth:    a.sessions,
		Events:  journal,
		Feed:    feed,
		Logger:  log,
	})
	srv.SetComponent("session", a.sessions.Status() == session.StatusHealthy)
	srv.SetComponent("orders", true)
	srv.SetComponent("ledger", true)
	eng.OnComponentHealth(srv.SetComponent)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.sessions.Run(gctx) })
	g.Go(func() error { return market.Run(gctx) })
	if user != nil {
		g.Go(func() error { return user.Run(gctx) })
	}
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { return eng.Run(gctx, marketEvents, userEvents, a.sessions.Watch()) })
	g.Go(func() error { return eng.OrderManager().Run(gctx, eng.Accounts()...) })
	for _, acct := range eng.Accounts() {
		ledger, _ := eng.Ledger(acct)
		g.Go(func() error { return ledger.Run(gctx) })
	}
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	g.Go(func() error {
		api.WatchComponent(gctx, srv, "session", a.sessions.Watch(), func(s session.Status) bool {
			return s == session.StatusHealthy
		})
		return nil
	})
	g.Go(func() error {
		watchStreams(gctx, srv, market, user)
		return nil
	})

	log.Info("levelx-trader running",
		"account", accountID,
		"contracts", cfg.Trading.Contracts,
		"gateway", gw.Name(),
		"http", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
	)

	err = g.Wait()
	if ctx.Err() != nil {
		log.Info("levelx-trader stopped")
		return nil
	}
	return err
}

// watchStreams reports hub connectivity as component health.
func watchStreams(ctx context.Context, srv *api.Server, market *stream.MarketStream, user *stream.UserStream) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		srv.SetComponent("market_stream", market.Connected())
		if user != nil {
			srv.SetComponent("user_stream", user.Connected())
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
