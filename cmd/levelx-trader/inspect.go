package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"levelx/internal/levels"
	"levelx/internal/store"
)

var levelsAsOf string

func init() {
	levelsCmd := &cobra.Command{
		Use:   "levels [contract...]",
		Short: "Compute PDH/PDL/PMH/PML for contracts",
		Long: `Compute the reference levels a session would trade on. Contracts default
to trading.contracts. --as-of takes an RFC3339 time; the default is now.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			contracts := args
			if len(contracts) == 0 {
				contracts = a.cfg.Trading.Contracts
			}
			asOf := time.Now()
			if levelsAsOf != "" {
				if asOf, err = time.Parse(time.RFC3339, levelsAsOf); err != nil {
					return fmt.Errorf("--as-of: %w", err)
				}
			}

			cache := store.NewParquetStore(filepath.Join(a.cfg.Storage.DataDir, "parquet"))
			eng := levels.NewEngine(a.barSource(a.gateway, cache), a.cal, levels.WithLogger(a.logger))

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			for _, c := range contracts {
				set, err := eng.LevelsFor(cmd.Context(), c, asOf)
				if err != nil {
					return fmt.Errorf("%s: %w", c, err)
				}
				if err := enc.Encode(set); err != nil {
					return err
				}
			}
			return nil
		},
	}
	levelsCmd.Flags().StringVar(&levelsAsOf, "as-of", "", "compute levels as of this RFC3339 time")
	rootCmd.AddCommand(levelsCmd)

	var all bool
	accountsCmd := &cobra.Command{
		Use:   "accounts",
		Short: "List gateway accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			accounts, err := a.gateway.SearchAccounts(cmd.Context(), !all)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-12s %-28s %14s  %s\n", "ID", "NAME", "BALANCE", "TRADE")
			for _, acct := range accounts {
				fmt.Fprintf(out, "%-12d %-28s %14.2f  %v\n", acct.ID, acct.Name, acct.Balance, acct.CanTrade)
			}
			return nil
		},
	}
	accountsCmd.Flags().BoolVar(&all, "all", false, "include inactive accounts")
	rootCmd.AddCommand(accountsCmd)
}
