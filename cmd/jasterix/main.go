// Decode ASTERIX-family surveillance records against externally supplied
// JSON schemas.
//
// Usage:
//
//	jasterix decode <input> --definitions <dir> [--framing <name>]
//	                         [--scope-only] [--resilient] [--debug] [--pretty]
//	                         [--coverage]
package main

import (
	"fmt"
	"os"

	"github.com/asterix-go/jasterix/jasterix"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	exitSchemaError = 2
	exitIoError     = 3
	exitDecodeError = 4
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "jasterix",
		Short:         "Decode ASTERIX-family surveillance records against a JSON schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newDecodeCmd())
	return root
}

func newDecodeCmd() *cobra.Command {
	var (
		definitions string
		framing     string
		scopeOnly   bool
		resilient   bool
		debug       bool
		pretty      bool
		coverage    bool
	)

	cmd := &cobra.Command{
		Use:   "decode <input>",
		Short: "Decode a binary input file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecode(cmd, args[0], definitions, framing, scopeOnly, resilient, debug, pretty, coverage)
		},
	}

	cmd.Flags().StringVar(&definitions, "definitions", "", "directory containing the schema definitions (required)")
	cmd.Flags().StringVar(&framing, "framing", "", "name of the framing definition to load, if any")
	cmd.Flags().BoolVar(&scopeOnly, "scope-only", false, "only count frames; records are parsed but no document is printed")
	cmd.Flags().BoolVar(&resilient, "resilient", false, "skip malformed records instead of aborting the session")
	cmd.Flags().BoolVar(&debug, "debug", false, "emit per-item debug logging")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "indent the printed JSON document")
	cmd.Flags().BoolVar(&coverage, "coverage", false, "report catalogue items never observed in this capture, per category")
	cmd.MarkFlagRequired("definitions")

	return cmd
}

func runDecode(cmd *cobra.Command, input, definitions, framing string, scopeOnly, resilient, debug, pretty, coverage bool) error {
	logger, err := newLogger(debug)
	if err != nil {
		return err
	}
	defer logger.Sync()

	defs, err := jasterix.LoadDefinitions(definitions, framing)
	if err != nil {
		return err
	}

	sess, err := jasterix.Open(input, defs, logger, debug)
	if err != nil {
		return err
	}
	defer sess.Close()

	if scopeOnly {
		n, err := sess.ScopeFrames()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d\n", n)
		return nil
	}

	result, err := sess.DecodeRecords(jasterix.DecodeOptions{Resilient: resilient})
	if err != nil {
		return err
	}
	if result.SkippedCount > 0 {
		logger.Warn("skipped malformed records",
			zap.Uint64("count", result.SkippedCount),
			zap.Error(result.SkippedErr))
	}
	if coverage {
		for _, cov := range sess.Coverage() {
			logger.Info("category coverage",
				zap.Int("category", cov.Category),
				zap.Strings("observed", cov.Observed),
				zap.Strings("missing", cov.Missing))
		}
	}
	return sess.Print(cmd.OutOrStdout(), pretty)
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	return cfg.Build()
}

// exitCode maps an error from the decode pipeline onto the CLI surface's
// exit codes (spec §6): schema errors, I/O errors, and everything else
// (treated as a decode error).
func exitCode(err error) int {
	fmt.Fprintln(os.Stderr, "jasterix:", err)
	switch err.(type) {
	case *jasterix.SchemaError:
		return exitSchemaError
	case *jasterix.IoError:
		return exitIoError
	default:
		return exitDecodeError
	}
}
