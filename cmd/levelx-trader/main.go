// Command levelx-trader runs the level break/retest engine against the
// broker gateway, or inspects the gateway state it trades on.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"levelx/internal/broker"
	"levelx/internal/config"
	"levelx/internal/levels"
	"levelx/internal/session"
	"levelx/internal/util"
)

const version = "0.1.0"

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "levelx-trader",
	Short: "Intraday futures level break/retest trader",
	Long: `levelx-trader watches prior-day and pre-market highs and lows, waits for a
confirmed break and a retest of the level, and trades the retest through the
broker gateway under hard risk limits.`,
	SilenceUsage: true,
}

func init() {
	def := "config/levelx.yaml"
	if p := os.Getenv("LEVELX_CONFIG"); p != "" {
		def = p
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", def, "path to the YAML config")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "levelx-trader", version)
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds what every subcommand needs: config, logger, calendar and an
// authenticated gateway client.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	cal      *util.TradingCalendar
	sessions *session.Provider
	gateway  *broker.Client
}

func newApp() (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	cal, err := util.NewTradingCalendar(util.CalendarConfig{
		Timezone:      cfg.Calendar.Timezone,
		PreMarketOpen: cfg.Calendar.PreMarketOpen,
		RegularOpen:   cfg.Calendar.RegularOpen,
		RegularClose:  cfg.Calendar.RegularClose,
		HalfDayClose:  cfg.Calendar.HalfDayClose,
		Holidays:      cfg.Calendar.Holidays,
		HalfDays:      cfg.Calendar.HalfDays,
	})
	if err != nil {
		return nil, fmt.Errorf("calendar: %w", err)
	}
	if cfg.Calendar.Source == "alpaca" {
		client := levels.NewAlpacaClient(cfg.Calendar.Alpaca.APIKey, cfg.Calendar.Alpaca.APISecret, cfg.Calendar.Alpaca.BaseURL)
		now := time.Now()
		err := util.Retry(context.Background(), 3, time.Second, func() error {
			return levels.LoadAlpacaCalendar(client, cal, now.AddDate(0, 0, -14), now.AddDate(0, 0, 60))
		})
		if err != nil {
			// The configured holidays still apply.
			logger.Warn("alpaca calendar unavailable", "error", err)
		} else {
			logger.Info("calendar loaded from alpaca", "holidays", len(cal.Holidays()), "half_days", len(cal.HalfDays()))
		}
	}

	auth := broker.NewAuthenticator(cfg.Gateway.BaseURL, cfg.Gateway.Username, cfg.Gateway.APIKey, cfg.Gateway.RequestTimeout)
	sessions := session.NewProvider(auth, session.Config{
		TokenTTL:       cfg.Session.TokenTTL,
		RenewBefore:    cfg.Session.RenewBefore,
		AcquireTimeout: cfg.Session.AcquireTimeout,
		MaxFailures:    cfg.Session.MaxFailures,
		RetryBaseDelay: cfg.Session.RetryBaseDelay,
		RetryMaxDelay:  cfg.Session.RetryMaxDelay,
		CheckInterval:  cfg.Session.CheckInterval,
	}, session.WithLogger(logger))

	gw := broker.NewClient(broker.ClientConfig{
		BaseURL:         cfg.Gateway.BaseURL,
		Timeout:         cfg.Gateway.RequestTimeout,
		RateLimitPerMin: cfg.Gateway.RateLimitPerMin,
		MaxRetries:      cfg.Gateway.MaxRetries,
		RetryBaseDelay:  cfg.Gateway.RetryBaseDelay,
	}, sessions, logger)

	return &app{cfg: cfg, logger: logger, cal: cal, sessions: sessions, gateway: gw}, nil
}

// tradingAccount returns the configured account, or the first tradable one
// when none is configured.
func (a *app) tradingAccount(ctx context.Context, gw broker.Gateway) (int64, error) {
	if a.cfg.Trading.AccountID != 0 {
		return a.cfg.Trading.AccountID, nil
	}
	accounts, err := gw.SearchAccounts(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("searching accounts: %w", err)
	}
	for _, acct := range accounts {
		if acct.CanTrade {
			return acct.ID, nil
		}
	}
	return 0, fmt.Errorf("no tradable account")
}

func (a *app) barSource(gw broker.Gateway, cache levels.BarCache) levels.BarSource {
	var src levels.BarSource = &levels.GatewayBars{
		Gateway:    gw,
		Unit:       broker.BarUnit(a.cfg.Levels.BarUnit),
		UnitNumber: a.cfg.Levels.BarUnitNumber,
		Live:       a.cfg.Gateway.Live,
	}
	if a.cfg.Levels.CacheBars && cache != nil {
		src = &levels.CachedBars{Source: src, Cache: cache, Logger: a.logger}
	}
	return src
}
