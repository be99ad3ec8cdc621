package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"polymarket-monitor/internal/app"
	"polymarket-monitor/internal/config"
	"polymarket-monitor/internal/metrics"
	"polymarket-monitor/internal/store"
	"polymarket-monitor/internal/venue"
)

const (
	appName = "polymarket-monitor"
	version = "v1.3.0"
)

var (
	flagConfig string
	flagDebug  bool
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	setupLogger()

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Real-time monitor for Polymarket prediction markets",
		Version: version,
		Long: appName + ` watches the Polymarket catalogue and its market
data stream, persists price history, and raises alerts on unusual
activity: price velocity, volume spikes, fat-finger reversions,
liquidity vacuums and whale trades.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")

	// Accept snake_case spellings of flags so config keys and flags
	// can be written the same way in run books.
	rootCmd.PersistentFlags().SetNormalizeFunc(normalizeFlag)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full monitor",
		Long:  "Starts the stream ingestion, the periodic sync, the alert dispatcher and the read API, and blocks until interrupted.",
		RunE:  runMonitor,
	}

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one catalogue sync cycle and exit",
		RunE:  runSyncOnce,
	}

	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Create or migrate the database schema and exit",
		RunE:  runSchema,
	}

	tagsCmd := &cobra.Command{
		Use:   "tags",
		Short: "List the venue's category tags and exit",
		Long:  "Prints the venue tag taxonomy; the slugs feed catalogue tag filters and the category mapping.",
		RunE:  runTags,
	}

	rootCmd.AddCommand(runCmd, syncCmd, schemaCmd, tagsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setupLogger picks human-readable console output on a TTY and JSON
// elsewhere, so piped or containerized output stays machine-parseable.
func setupLogger() {
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

func normalizeFlag(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := app.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return a.Run(ctx)
}

func runSyncOnce(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	written, err := a.SyncOnce(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("markets", written).Msg("sync complete")
	return nil
}

func runTags(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tags, err := venue.NewClient(cfg.Venue, metrics.New()).FetchTags(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSLUG\tLABEL")
	for _, tag := range tags {
		fmt.Fprintf(w, "%s\t%s\t%s\n", tag.ID, tag.Slug, tag.Label)
	}
	return w.Flush()
}

func runSchema(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := st.InitSchema(ctx); err != nil {
		return err
	}
	log.Info().Msg("schema ready")
	return nil
}
