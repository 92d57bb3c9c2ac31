package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/oncoreg/evidence-cli/internal/model"
	"github.com/oncoreg/evidence-cli/internal/registry"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>...",
	Short: "Merge registry snapshot files into the trial store",
	Long: `Reads normalized registry records (JSON arrays, one file per registry
snapshot) and merges them into the canonical trial store, resolving
cross-registry links so each trial occupies exactly one row.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := zap.L()

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	dedup, err := registry.NewDeduplicator(ctx, st, cfg.Registry.Priority)
	if err != nil {
		return err
	}

	total := 0
	for _, path := range args {
		records, err := readRecords(path)
		if err != nil {
			return err
		}
		for i := range records {
			if err := dedup.Ingest(ctx, &records[i]); err != nil {
				return err
			}
		}
		log.Info("ingested snapshot",
			zap.String("file", path),
			zap.Int("records", len(records)))
		total += len(records)
	}

	log.Info("ingest complete", zap.Int("records", total))
	return nil
}

func readRecords(path string) ([]model.RegistryRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read snapshot %s", path)
	}
	var records []model.RegistryRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, eris.Wrapf(err, "decode snapshot %s", path)
	}
	return records, nil
}
