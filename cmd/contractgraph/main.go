// Command contractgraph ingests contracts into a verified chunk tree,
// extracts and resolves the entities they mention, and scores the result
// against LegalBench-RAG style benchmarks.
//
// Usage:
//
//	contractgraph ingest ./corpus/*.txt --extract-entities
//	contractgraph resolve
//	contractgraph verify 3
//	contractgraph search "termination fee" -k 5
//	contractgraph bench --corpus-dir ./corpus --benchmark-file ./benchmarks/cuad.json
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/brunobiangulo/contractgraph"
	"github.com/brunobiangulo/contractgraph/chunker"
)

type rootFlags struct {
	configPath string
	dbPath     string
	verbose    bool
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("contractgraph failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "contractgraph",
		Short:         "Contract chunk trees and entity graphs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			level := slog.LevelInfo
			if flags.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to config file (JSON)")
	root.PersistentFlags().StringVar(&flags.dbPath, "db", "", "SQLite database path (overrides config)")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Debug logging")

	root.AddCommand(
		newIngestCmd(flags),
		newResolveCmd(flags),
		newVerifyCmd(flags),
		newSearchCmd(flags),
		newBenchCmd(flags),
	)
	return root
}

func loadConfig(flags *rootFlags) (contractgraph.Config, error) {
	cfg, err := contractgraph.LoadConfig(flags.configPath)
	if err != nil {
		return cfg, err
	}
	if flags.dbPath != "" {
		cfg.DBPath = flags.dbPath
	}
	return cfg, nil
}

func openEngine(flags *rootFlags, mutate func(*contractgraph.Config)) (contractgraph.Engine, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return contractgraph.New(cfg)
}

func readOutline(path string) (*chunker.Section, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading outline: %w", err)
	}
	outline := chunker.ParseOutline(string(data))
	return &outline, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newIngestCmd(flags *rootFlags) *cobra.Command {
	var (
		outlinePath string
		force       bool
		extract     bool
	)
	cmd := &cobra.Command{
		Use:   "ingest <path>...",
		Short: "Parse, chunk and store documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outline, err := readOutline(outlinePath)
			if err != nil {
				return err
			}
			if outline != nil && len(args) > 1 {
				return fmt.Errorf("--outline applies to a single document, got %d", len(args))
			}

			eng, err := openEngine(flags, func(c *contractgraph.Config) {
				if extract {
					c.ExtractEntities = true
				}
			})
			if err != nil {
				return err
			}
			defer eng.Close()

			var opts []contractgraph.IngestOption
			if force {
				opts = append(opts, contractgraph.WithForceReparse())
			}
			if outline != nil {
				opts = append(opts, contractgraph.WithOutline(*outline))
			}

			results, err := eng.IngestAll(cmd.Context(), args, opts...)
			if err != nil {
				return err
			}
			failed := 0
			for _, r := range results {
				if r.Err != nil {
					failed++
					slog.Error("ingest failed", "path", r.Path, "error", r.Err)
				}
			}
			if err := printJSON(cmd, results); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d documents failed", failed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&outlinePath, "outline", "", "JSON outline to use instead of extracting one")
	cmd.Flags().BoolVar(&force, "force", false, "Re-ingest unchanged documents")
	cmd.Flags().BoolVar(&extract, "extract-entities", false, "Extract entities and relationships from leaf chunks")
	return cmd
}

func newResolveCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve",
		Short: "Merge duplicate entities per type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := openEngine(flags, nil)
			if err != nil {
				return err
			}
			defer eng.Close()

			reports, err := eng.ResolveEntities(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, reports)
		},
	}
}

func parseDocumentID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid document id %q", arg)
	}
	return id, nil
}

func newVerifyCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <document-id>",
		Short: "Check a stored chunk tree for bounds, overlap and gap violations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDocumentID(args[0])
			if err != nil {
				return err
			}
			eng, err := openEngine(flags, nil)
			if err != nil {
				return err
			}
			defer eng.Close()

			violations, err := eng.VerifyDocument(cmd.Context(), id)
			if err != nil {
				return err
			}
			out := make([]string, 0, len(violations))
			for _, v := range violations {
				out = append(out, v.String())
			}
			if err := printJSON(cmd, out); err != nil {
				return err
			}
			if len(violations) > 0 {
				return fmt.Errorf("document %d has %d violations", id, len(violations))
			}
			return nil
		},
	}
}

func newSearchCmd(flags *rootFlags) *cobra.Command {
	var k int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Vector search over stored chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(flags, nil)
			if err != nil {
				return err
			}
			defer eng.Close()

			results, err := eng.Search(cmd.Context(), args[0], k)
			if err != nil {
				return err
			}
			return printJSON(cmd, results)
		},
	}
	cmd.Flags().IntVar(&k, "k", 10, "Number of results")
	return cmd
}
