// Command levelx-cli queries a running levelx-trader.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"levelx/internal/domain"
	"levelx/internal/engine"
	"levelx/internal/live"
	"levelx/pkg/levelx"
)

const version = "0.1.0"

var (
	apiURL   string
	grpcAddr string
)

var rootCmd = &cobra.Command{
	Use:          "levelx-cli",
	Short:        "Inspect and control a running levelx-trader",
	SilenceUsage: true,
}

func init() {
	defURL, defGRPC := "http://127.0.0.1:8080", "127.0.0.1:9090"
	if v := os.Getenv("LEVELX_API"); v != "" {
		defURL = v
	}
	if v := os.Getenv("LEVELX_GRPC"); v != "" {
		defGRPC = v
	}
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", defURL, "levelx-trader HTTP address")
	rootCmd.PersistentFlags().StringVar(&grpcAddr, "grpc", defGRPC, "levelx-trader gRPC address")

	rootCmd.AddCommand(versionCmd, statusCmd, resumeCmd, unsubscribeCmd, eventsCmd)

	eventsCmd.Flags().StringVarP(&eventsKind, "kind", "k", "", "only events of this kind")
	eventsCmd.Flags().StringVar(&eventsContract, "contract", "", "only events for this contract")
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 50, "number of journal events to show")
	eventsCmd.Flags().BoolVarP(&eventsFollow, "follow", "f", false, "stream new events until interrupted")
	eventsCmd.Flags().DurationVar(&eventsReplay, "replay", 0, "with --follow, first replay events from this far back")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the CLI version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "levelx-cli", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine health, accounts, positions and machines",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c := levelx.NewClient(apiURL)
		health, err := c.Health(cmd.Context())
		if err != nil {
			return err
		}
		st, err := c.Status(cmd.Context())
		if err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), health.Status, health.Components, st)
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Re-authenticate and lift a trading halt",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := levelx.NewClient(apiURL).Resume(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "halted: %v\n", st.Halted)
		return nil
	},
}

var unsubscribeCmd = &cobra.Command{
	Use:   "unsubscribe <contract>",
	Short: "Stop trading a contract and drop its level machines",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := levelx.NewClient(apiURL).Unsubscribe(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "unsubscribed %s\n", args[0])
		return nil
	},
}

var (
	eventsKind     string
	eventsContract string
	eventsLimit    int
	eventsFollow   bool
	eventsReplay   time.Duration
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show journal events, or follow the live event stream",
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		keep := func(ev domain.Event) bool {
			return (eventsKind == "" || string(ev.Kind) == eventsKind) &&
				(eventsContract == "" || ev.Contract == eventsContract)
		}

		if !eventsFollow {
			evs, err := levelx.NewClient(apiURL).Events(cmd.Context(), levelx.EventFilter{
				Kind:     domain.EventKind(eventsKind),
				Contract: eventsContract,
				Limit:    eventsLimit,
			})
			if err != nil {
				return err
			}
			// Oldest first, like the stream.
			for i := len(evs) - 1; i >= 0; i-- {
				printEvent(out, evs[i])
			}
			return nil
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		var since time.Time
		if eventsReplay > 0 {
			since = time.Now().Add(-eventsReplay)
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
		err := live.NewClient(grpcAddr, nil, logger).Stream(ctx, since, func(ev domain.Event) error {
			if keep(ev) {
				printEvent(out, ev)
			}
			return nil
		})
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

func printEvent(w io.Writer, ev domain.Event) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %-15s", ev.At.Local().Format("15:04:05.000"), ev.Kind)
	if ev.AccountID != 0 {
		fmt.Fprintf(&b, " acct=%d", ev.AccountID)
	}
	if ev.Contract != "" {
		fmt.Fprintf(&b, " %s", ev.Contract)
	}
	if ev.Message != "" {
		fmt.Fprintf(&b, "  %s", ev.Message)
	}
	keys := make([]string, 0, len(ev.Fields))
	for k := range ev.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, ev.Fields[k])
	}
	fmt.Fprintln(w, b.String())
}

func printStatus(w io.Writer, health string, components map[string]bool, st engine.Status) {
	fmt.Fprintf(w, "health: %s", health)
	names := make([]string, 0, len(components))
	for n := range components {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		mark := "ok"
		if !components[n] {
			mark = "DOWN"
		}
		fmt.Fprintf(w, "  %s=%s", n, mark)
	}
	fmt.Fprintln(w)
	if st.Halted {
		fmt.Fprintf(w, "trading HALTED: %s\n", st.HaltReason)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nACCOUNT\tTRADING\tEQUITY\tREALIZED\tUNREALIZED\tSTALE")
	for _, a := range st.Accounts {
		fmt.Fprintf(tw, "%d\t%v\t%.2f\t%.2f\t%.2f\t%v\n",
			a.AccountID, a.Trading, a.Equity, a.DailyPnL.Realized, a.DailyPnL.Unrealized, a.Stale)
	}
	fmt.Fprintln(tw, "\nACCOUNT\tCONTRACT\tSIZE\tAVG\tREALIZED\t")
	for _, a := range st.Accounts {
		for _, p := range a.Positions {
			fmt.Fprintf(tw, "%d\t%s\t%d\t%.2f\t%.2f\t\n", p.AccountID, p.Contract, p.Size, p.AvgPrice, p.RealizedPnL)
		}
	}
	fmt.Fprintln(tw, "\nCONTRACT\tLEVEL\tPRICE\tSTATE\tDIRECTION\tLAST")
	for _, m := range st.Machines {
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%s\t%v\t%s\n", m.Contract, m.Kind, m.Level, m.State, m.Direction, m.LastOutcome)
	}
	tw.Flush()
}
