package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/oncoreg/evidence-cli/internal/signals"
)

var signalsCmd = &cobra.Command{
	Use:   "signals",
	Short: "Recompute derived evidence fields from stored publications",
	Long: `Recomputes publication date, lag, evidence strength, dead-end flag and
publication aggregates for every trial from its full-match publication
records. Safe to run at any time; no external lookups are made.`,
	RunE: runSignals,
}

func init() {
	rootCmd.AddCommand(signalsCmd)
}

func runSignals(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	stats, err := signals.New(st).Run(ctx)
	if err != nil {
		return err
	}
	zap.L().Info("signals recomputed",
		zap.Int("trials_updated", stats.TrialsUpdated),
		zap.Int("with_full_match", stats.FullMatches),
		zap.Int("dead_ends", stats.DeadEnds),
		zap.Int("negative_lags", stats.NegativeLags))
	return nil
}
