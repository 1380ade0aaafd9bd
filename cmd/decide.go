package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meridian-health/priorauth-cli/internal/model"
)

var decideDocID string

var decideCmd = &cobra.Command{
	Use:   "decide [case-file]",
	Short: "Evaluate a case bundle and print the criterion decisions",
	Long: `decide reads a case bundle (JSON) from the given file, or from stdin
when no file is passed, evaluates every criterion it names, and prints the
decisions as JSON.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDecide,
}

func init() {
	decideCmd.Flags().StringVar(&decideDocID, "doc-id", "", "policy document id to search (overrides bundle metadata)")
	rootCmd.AddCommand(decideCmd)
}

func runDecide(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate("decide"); err != nil {
		return err
	}

	bundle, err := readBundle(args)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	environment, err := buildEnv(ctx, cfg)
	if err != nil {
		return err
	}
	defer environment.Close()

	zap.L().Info("evaluating case",
		zap.String("case_id", bundle.CaseID),
		zap.String("policy_id", bundle.PolicyID),
		zap.Int("facts", len(bundle.Facts)),
	)

	results := environment.router.Evaluate(ctx, bundle, decideDocID)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

func readBundle(args []string) (*model.CaseBundle, error) {
	var (
		data []byte
		err  error
	)
	if len(args) == 1 {
		data, err = os.ReadFile(args[0])
		if err != nil {
			return nil, eris.Wrap(err, "decide: read case file")
		}
	} else {
		data, err = io.ReadAll(os.Stdin)
		if err != nil {
			return nil, eris.Wrap(err, "decide: read stdin")
		}
	}

	var bundle model.CaseBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, eris.Wrap(err, "decide: parse case bundle")
	}
	if bundle.CaseID == "" {
		return nil, eris.New("decide: case_id is required")
	}
	if bundle.PolicyID == "" {
		return nil, eris.New("decide: policy_id is required")
	}
	return &bundle, nil
}
