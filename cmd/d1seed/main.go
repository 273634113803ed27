package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joestump/d1seed/internal/batch"
	"github.com/joestump/d1seed/internal/config"
	"github.com/joestump/d1seed/internal/extract"
	"github.com/joestump/d1seed/internal/journal"
)

func main() {
	// The client runs in its own process group, so a terminal interrupt never
	// reaches it. Cancelling the context is what kills it.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "d1seed [file]",
		Short: "Apply a SQL seed file to a D1 database one upsert at a time",
		Args:  cobra.MaximumNArgs(1),
		// Load the .env file before any command reads its config so the
		// API token can live there instead of in the shell.
		PersistentPreRunE: loadEnvFile,
		RunE:              runApply,
		SilenceUsage:      true,
	}

	f := rootCmd.Flags()
	f.String("file", "seed.sql", "SQL seed file to apply")
	f.String("database", "", "D1 database name")
	f.String("client", "npx wrangler d1 execute", "client command used to run each statement")
	f.Bool("remote", true, "pass --remote to the client")
	f.String("token-env", "CLOUDFLARE_API_TOKEN", "environment variable the client reads the API token from")
	f.String("local-db", "", "apply to this local SQLite file instead of the remote database")
	f.Duration("timeout", batch.DefaultTimeout, "timeout for a single statement")
	f.Duration("delay", batch.DefaultDelay, "pause between statements (0 disables)")
	f.String("insert-marker", extract.DefaultInsertMarker, "prefix that starts a statement")
	f.String("comment-marker", extract.DefaultCommentMarker, "prefix of ignored comment lines")
	f.Bool("dry-run", false, "list the extracted statements without executing them")

	pf := rootCmd.PersistentFlags()
	pf.String("journal", "", "record runs in this SQLite file")
	pf.String("env-file", ".env", "dotenv file loaded before reading configuration")

	// Viper keys use underscores (local_db) so they match the env var
	// suffix after stripping the D1SEED_ prefix.
	bindFlag := func(viperKey, flagName string) {
		flag := f.Lookup(flagName)
		if flag == nil {
			flag = pf.Lookup(flagName)
		}
		_ = viper.BindPFlag(viperKey, flag)
	}
	bindFlag("file", "file")
	bindFlag("database", "database")
	bindFlag("client", "client")
	bindFlag("remote", "remote")
	bindFlag("token_env", "token-env")
	bindFlag("local_db", "local-db")
	bindFlag("timeout", "timeout")
	bindFlag("delay", "delay")
	bindFlag("insert_marker", "insert-marker")
	bindFlag("comment_marker", "comment-marker")
	bindFlag("dry_run", "dry-run")
	bindFlag("journal", "journal")
	bindFlag("env_file", "env-file")

	// D1SEED_DATABASE -> "database", D1SEED_LOCAL_DB -> "local_db", etc.
	viper.SetEnvPrefix("D1SEED")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// The token has no flag so it stays out of shell history.
	_ = viper.BindEnv("api_token", "D1SEED_API_TOKEN", "CLOUDFLARE_API_TOKEN")

	rootCmd.AddCommand(newHistoryCmd(), newVersionCmd())
	return rootCmd
}

func loadEnvFile(cmd *cobra.Command, _ []string) error {
	path := viper.GetString("env_file")
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("env-file") {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func runApply(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if len(args) == 1 {
		cfg.File = args[0]
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	out := cmd.OutOrStdout()

	res, err := extract.ReadFile(cfg.File, extract.Options{
		InsertMarker:  cfg.InsertMarker,
		CommentMarker: cfg.CommentMarker,
	})
	if err != nil {
		return err
	}
	if res.Orphaned > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: ignored %d line(s) before the first %q statement\n",
			res.Orphaned, cfg.InsertMarker)
	}
	fmt.Fprintf(out, "Found %d INSERT statements to execute\n", len(res.Statements))

	if cfg.DryRun {
		for i, stmt := range res.Statements {
			fmt.Fprintf(out, "%5d  %s\n", i+1, stmt)
		}
		return nil
	}

	exec, target, kind, closeExec, err := newExecutor(cfg)
	if err != nil {
		return err
	}
	defer closeExec()

	tokenName := cfg.TokenEnv
	if tokenName == "" {
		tokenName = "API_TOKEN"
	}
	opts := batch.Options{
		Timeout:  cfg.Timeout,
		Delay:    cfg.Delay,
		NoDelay:  cfg.Delay == 0,
		Out:      out,
		Redactor: batch.NewRedactionFilter(map[string]string{tokenName: cfg.APIToken}, cmd.ErrOrStderr()),
	}

	var (
		jdb   *journal.DB
		runID string
	)
	if cfg.Journal != "" {
		jdb, err = journal.Open(cfg.Journal)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer jdb.Close() //nolint:errcheck

		runID, err = jdb.StartRun(cfg.File, target, kind, len(res.Statements))
		if err != nil {
			return fmt.Errorf("failed to start journal run: %w", err)
		}
		opts.Recorder = jdb.Recorder(runID)
	}

	ctx := cmd.Context()
	sum := batch.NewRunner(exec, opts).Run(ctx, res.Statements)
	if ctx.Err() != nil {
		fmt.Fprintf(out, "Interrupted after %d of %d statements\n", sum.Attempted(), len(res.Statements))
	}

	if jdb != nil {
		if err := jdb.FinishRun(runID, sum); err != nil {
			log.Printf("journal: %v", err)
		}
		fmt.Fprintf(out, "Journal run: %s\n", runID)
	}
	return nil
}

// newExecutor picks the executor for cfg and returns it with a label for the
// target, the executor kind and a cleanup func.
func newExecutor(cfg config.Config) (batch.Executor, string, string, func(), error) {
	if cfg.UseLocal() {
		e, err := batch.OpenSQLite(cfg.LocalDB)
		if err != nil {
			return nil, "", "", nil, fmt.Errorf("failed to open local database: %w", err)
		}
		return e, cfg.LocalDB, "sqlite", func() { _ = e.Close() }, nil
	}

	e := &batch.CLIExecutor{
		Command:  cfg.ClientCommand(),
		Database: cfg.Database,
		Remote:   cfg.Remote,
		TokenEnv: cfg.TokenEnv,
		Token:    cfg.APIToken,
	}
	return e, cfg.Database, "remote", func() {}, nil
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List journaled runs, or the failed statements of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runHistory,
	}
	cmd.Flags().Int("limit", 20, "number of runs to list")
	cmd.Flags().Bool("all", false, "include successful statements when showing a run")
	return cmd
}

func runHistory(cmd *cobra.Command, args []string) error {
	path := viper.GetString("journal")
	if path == "" {
		return errors.New("--journal is required")
	}
	jdb, err := journal.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer jdb.Close() //nolint:errcheck

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer w.Flush() //nolint:errcheck

	if len(args) == 0 {
		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := jdb.ListRuns(limit)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "RUN\tSTARTED\tEXECUTOR\tTARGET\tOK\tFAILED\tFK\tTOTAL\tFILE")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
				r.ID, r.StartedAt, r.Executor, r.Target, r.Succeeded, r.Failed, r.ForeignKey, r.Total, r.SourceFile)
		}
		return nil
	}

	run, err := jdb.GetRun(args[0])
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %s not found", args[0])
	}
	all, _ := cmd.Flags().GetBool("all")
	results, err := jdb.ListResults(run.ID, !all)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "#\tOUTCOME\tEXIT\tDETAIL\tSTATEMENT")
	for _, r := range results {
		detail := ""
		if r.Detail != nil {
			detail = oneLine(*r.Detail, 60)
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n", r.Index, r.Outcome, r.ExitCode, detail, oneLine(r.Statement, 80))
	}
	return nil
}

// oneLine flattens s to a single line of at most n characters for tabular
// output.
func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return s
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "d1seed %s\n", config.Version)
		},
	}
}
