package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the external lookup cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop all cached literature-index lookups",
	Long: `Removes every cached lookup result. The next scan will repeat all
external calls, so this is an operator action for when cached results are
suspected stale, not part of any normal run.`,
	RunE: runCacheClear,
}

func init() {
	cacheCmd.AddCommand(cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	n, err := st.ClearLookupCache(ctx)
	if err != nil {
		return err
	}
	zap.L().Info("lookup cache cleared", zap.Int("entries", n))
	return nil
}
