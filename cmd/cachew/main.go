// Package main implements the cachew maintenance command.
// It lists, inspects, garbage-collects and purges cache databases under the
// configured cache directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/zuoquanxiong/cachew/internal/config"
	"github.com/zuoquanxiong/cachew/internal/observability"
	"github.com/zuoquanxiong/cachew/internal/storage"
	"github.com/zuoquanxiong/cachew/internal/store"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dir         string
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dir, "dir", "", "Cache root directory")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "cachew - disk-persistent memoization for record streams\n\n")
		fmt.Fprintf(os.Stderr, "Usage: cachew [options] <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  list                  List cache databases and their entries\n")
		fmt.Fprintf(os.Stderr, "  inspect <file>        Show plans, fingerprints and consistency of one database\n")
		fmt.Fprintf(os.Stderr, "  gc [-grace d]         Remove abandoned shadow tables and orphaned data\n")
		fmt.Fprintf(os.Stderr, "  purge <file> [name]   Drop one cache, or the whole database\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  CACHEW_DIR            Cache root directory\n")
		fmt.Fprintf(os.Stderr, "  CACHEW_SHADOW_GRACE   Default grace period for gc\n")
		fmt.Fprintf(os.Stderr, "  CACHEW_LOG_LEVEL      Log level (debug, info, warn, error)\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("cachew version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile, dir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(context.Background(), cfg, logger, os.Stdout, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "cachew: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(configFile, dir string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	// Start with defaults or load from file
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	// Apply environment variables
	config.LoadFromEnv(cfg)

	// Apply command line flags (highest priority)
	if dir != "" {
		cfg.Dir = dir
	}

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// run executes one subcommand.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, out io.Writer, args []string) error {
	resolver, err := storage.NewLocalResolver(cfg.Dir)
	if err != nil {
		return err
	}
	opts := store.Options{BatchSize: cfg.BatchSize, Logger: logger}

	switch args[0] {
	case "list":
		return listCmd(ctx, resolver, opts, out)
	case "inspect":
		if len(args) != 2 {
			return fmt.Errorf("usage: inspect <file>")
		}
		return inspectCmd(ctx, resolveFile(resolver, args[1]), opts, out)
	case "gc":
		fs := flag.NewFlagSet("gc", flag.ContinueOnError)
		grace := fs.Duration("grace", cfg.ShadowGrace, "Minimum age of a shadow table before it is removed")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		return gcCmd(ctx, resolver, opts, *grace, out)
	case "purge":
		if len(args) < 2 || len(args) > 3 {
			return fmt.Errorf("usage: purge <file> [name]")
		}
		name := ""
		if len(args) == 3 {
			name = args[2]
		}
		return purgeCmd(ctx, resolver, resolveFile(resolver, args[1]), name, opts, out)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// resolveFile interprets relative paths against the cache root.
func resolveFile(resolver *storage.LocalResolver, file string) string {
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(resolver.Root(), file)
}

func relPath(resolver *storage.LocalResolver, file string) string {
	if rel, err := filepath.Rel(resolver.Root(), file); err == nil {
		return rel
	}
	return file
}

func openExisting(file string, opts store.Options) (*store.Store, error) {
	if _, err := os.Stat(file); err != nil {
		return nil, fmt.Errorf("no cache database at %s: %w", file, err)
	}
	return store.Open(file, opts)
}

func listCmd(ctx context.Context, resolver *storage.LocalResolver, opts store.Options, out io.Writer) error {
	files, err := resolver.List(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tNAME\tROWS\tCOMMITTED")
	for _, file := range files {
		s, err := openExisting(file, opts)
		if err != nil {
			return err
		}
		entries, err := s.Entries(ctx)
		s.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", file, err)
		}
		if len(entries) == 0 {
			fmt.Fprintf(tw, "%s\t-\t-\t-\n", relPath(resolver, file))
		}
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", relPath(resolver, file), e.Name, e.RowCount,
				e.CommittedAt.Format(time.RFC3339))
		}
	}
	return tw.Flush()
}

func inspectCmd(ctx context.Context, file string, opts store.Options, out io.Writer) error {
	s, err := openExisting(file, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	entries, err := s.Entries(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Fprintf(out, "%s\n", e.Name)
		fmt.Fprintf(out, "  table:       %s\n", e.DataTable)
		fmt.Fprintf(out, "  complete:    %v\n", e.Complete)
		fmt.Fprintf(out, "  rows:        %d\n", e.RowCount)
		fmt.Fprintf(out, "  schema:      %s\n", e.Fingerprint.Schema)
		fmt.Fprintf(out, "  dependency:  %s\n", e.Fingerprint.Dependency)
		fmt.Fprintf(out, "  generation:  %s (started %s)\n", e.Generation, e.GeneratedAt.Format(time.RFC3339))
		fmt.Fprintf(out, "  committed:   %s\n", e.CommittedAt.Format(time.RFC3339Nano))
		fmt.Fprintf(out, "  columns:\n")
		for _, c := range e.Plan {
			fmt.Fprintf(out, "    %-40s %s\n", c.Path, c.Type)
		}
	}

	report, err := s.Reconcile(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "tables: %d, shadows: %d\n", report.TotalTables, len(report.Shadows))
	for _, sh := range report.Shadows {
		fmt.Fprintf(out, "  shadow %s for %s (writer %s, started %s)\n",
			sh.Table, sh.Name, sh.WriterID, sh.StartedAt.Format(time.RFC3339))
	}
	if report.HasIssues() {
		fmt.Fprintf(out, "issues: orphaned tables [%s], dangling entries %d\n",
			strings.Join(report.OrphanedTables, ", "), len(report.DanglingEntries))
	}
	return nil
}

func gcCmd(ctx context.Context, resolver *storage.LocalResolver, opts store.Options, grace time.Duration, out io.Writer) error {
	files, err := resolver.List(ctx)
	if err != nil {
		return err
	}

	var shadows, orphans, entries int
	for _, file := range files {
		s, err := openExisting(file, opts)
		if err != nil {
			return err
		}
		result, err := s.CollectGarbage(ctx, grace)
		s.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", file, err)
		}
		for _, msg := range result.Errors {
			fmt.Fprintf(out, "%s: %s\n", relPath(resolver, file), msg)
		}
		shadows += len(result.DroppedShadows)
		orphans += len(result.DroppedOrphans)
		entries += len(result.RemovedEntries)
	}
	fmt.Fprintf(out, "scanned %d databases: dropped %d shadow tables, %d orphaned tables, %d dangling entries\n",
		len(files), shadows, orphans, entries)
	return nil
}

func purgeCmd(ctx context.Context, resolver *storage.LocalResolver, file, name string, opts store.Options, out io.Writer) error {
	if name == "" {
		if err := resolver.Remove(ctx, file); err != nil {
			return err
		}
		fmt.Fprintf(out, "removed %s\n", relPath(resolver, file))
		return nil
	}

	s, err := openExisting(file, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	dropped, err := s.Drop(ctx, name)
	if err != nil {
		return err
	}
	if !dropped {
		return fmt.Errorf("no cache named %q in %s", name, relPath(resolver, file))
	}
	fmt.Fprintf(out, "dropped %s from %s\n", name, relPath(resolver, file))
	return nil
}
