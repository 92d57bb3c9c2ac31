package main

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/oncoreg/evidence-cli/internal/matcher"
	"github.com/oncoreg/evidence-cli/internal/signals"
	"github.com/oncoreg/evidence-cli/pkg/pubmed"
)

var scanFull bool

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run the publication matcher over eligible trials",
	Long: `Selects trials due for a rescan, orders them by evidence priority,
runs the lookup strategies against PubMed within the configured budgets,
and recomputes derived evidence signals afterwards. Interrupting between
trials is safe: completed trials keep their results.`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().BoolVar(&scanFull, "full", false, "scan every trial, ignoring the incremental schedule")
	scanCmd.Flags().Int("budget-exact", 0, "override exact-identifier lookup budget")
	scanCmd.Flags().Int("budget-secondary", 0, "override secondary-identifier lookup budget")
	scanCmd.Flags().Int("budget-doi", 0, "override DOI lookup budget")
	scanCmd.Flags().Int("budget-title", 0, "override title-fallback lookup budget")
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := zap.L()

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	matchCfg := cfg.Match
	if scanFull {
		matchCfg.Mode = matcher.ModeFull
	}
	applyBudgetOverride(cmd, "budget-exact", &matchCfg.Budget.Exact)
	applyBudgetOverride(cmd, "budget-secondary", &matchCfg.Budget.Secondary)
	applyBudgetOverride(cmd, "budget-doi", &matchCfg.Budget.DOI)
	applyBudgetOverride(cmd, "budget-title", &matchCfg.Budget.Title)

	trials, err := st.ListTrials(ctx)
	if err != nil {
		return err
	}
	fullMatch, err := st.FullMatchTrialIDs(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	workList := matcher.BuildWorkList(trials, fullMatch, matchCfg.Mode, now,
		matchCfg.RefreshDays, matchCfg.RetryDaysNoMatch)
	log.Info("work list built",
		zap.String("mode", matchCfg.Mode),
		zap.Int("trials", len(trials)),
		zap.Int("eligible", len(workList)))

	index := pubmed.New(pubmed.Config{
		BaseURL:     cfg.PubMed.BaseURL,
		APIKey:      cfg.PubMed.APIKey,
		RatePerSec:  cfg.PubMed.RatePerSec,
		TimeoutSecs: cfg.PubMed.TimeoutSecs,
		MaxRetries:  cfg.PubMed.MaxRetries,
	})

	stats, err := matcher.New(st, index, matchCfg).Run(ctx, workList)
	if err != nil {
		return err
	}
	log.Info("matcher pass complete",
		zap.Int("trials_scanned", stats.TrialsScanned),
		zap.Int("trials_skipped", stats.TrialsSkipped),
		zap.Int("publications", stats.Publications),
		zap.Int("full_matches", stats.FullMatches),
		zap.Int("lookups", stats.LookupsAttempted),
		zap.Int("lookup_failures", stats.LookupFailures),
		zap.Int("cache_hits", stats.CacheHits))

	sigStats, err := signals.New(st).Run(ctx)
	if err != nil {
		return err
	}
	log.Info("signals recomputed",
		zap.Int("trials_updated", sigStats.TrialsUpdated),
		zap.Int("dead_ends", sigStats.DeadEnds),
		zap.Int("negative_lags", sigStats.NegativeLags))
	return nil
}

func applyBudgetOverride(cmd *cobra.Command, flag string, dst *int) {
	if cmd.Flags().Changed(flag) {
		if v, err := cmd.Flags().GetInt(flag); err == nil {
			*dst = v
		}
	}
}
