package main

import (
	"bufio"
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meridian-health/priorauth-cli/internal/store"
)

var importCmd = &cobra.Command{
	Use:   "import <decisions.jsonl>",
	Short: "Bulk-load decision history into the store",
	Long: `import reads decision records (one JSON object per line) and
bulk-loads them into the decision store. Use it to seed the calibration pool
with history exported from another environment.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate("calibration"); err != nil {
		return err
	}

	recs, err := readDecisionRecords(args[0])
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return eris.New("import: no decision records found")
	}

	ctx := cmd.Context()
	st, err := initStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := st.SaveDecisionBatch(ctx, recs)
	if err != nil {
		return err
	}
	zap.L().Info("decision history imported",
		zap.String("file", args[0]),
		zap.Int64("rows", n),
	)
	return nil
}

func readDecisionRecords(path string) ([]store.DecisionRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "import: open decisions file")
	}
	defer f.Close()

	var recs []store.DecisionRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec store.DecisionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, eris.Wrapf(err, "import: parse line %d", line)
		}
		if rec.CaseID == "" || rec.PolicyID == "" || rec.CriterionID == "" {
			return nil, eris.Errorf("import: line %d missing case_id, policy_id, or criterion_id", line)
		}
		recs = append(recs, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrap(err, "import: read decisions file")
	}
	return recs, nil
}
