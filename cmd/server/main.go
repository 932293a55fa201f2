package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/lukasbauer/intake/internal/app"
	"github.com/lukasbauer/intake/internal/stages"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func init() {
	seedCmd.Flags().String("file", "", "Stage catalog file (yaml, json or toml); built-in catalog when empty")
	stagesCmd.AddCommand(listStagesCmd)
	stagesCmd.AddCommand(seedCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(stagesCmd)
}

var rootCmd = &cobra.Command{
	Use:   "intake",
	Short: "Stage-gated voice intake server",
	Long:  `intake runs voice and text conversations that gather project information one stage at a time.`,
	RunE:  runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the conversation server",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE:  runMigrate,
}

var stagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "Manage the stage catalog",
}

var listStagesCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored stages",
	RunE:  runListStages,
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Upsert a stage catalog into the store",
	RunE:  runSeedStages,
}

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := app.LoadConfigFromEnv()
	logger := app.NewLogger(cfg.LogLevel)

	// Initialize Sentry for error monitoring
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			EnableTracing:    true,
			TracesSampleRate: 0.2,
			Environment:      cfg.Environment,
		})
		if err != nil {
			logger.Warn("sentry init failed", "err", err)
		} else {
			logger.Info("sentry initialized")
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		if cfg.SentryDSN != "" {
			sentry.CaptureException(err)
			sentry.Flush(2 * time.Second)
		}
		return fmt.Errorf("init app: %w", err)
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	a.StartJobs()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.Shutdown(shutdownCtx, srv); err != nil {
		logger.Error("shutdown incomplete", "err", err)
	}
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg := app.LoadConfigFromEnv()
	logger := app.NewLogger(cfg.LogLevel)

	st, err := app.OpenStore(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	logger.Info("migrations applied", "store", cfg.StoreDriver)
	return nil
}

func runListStages(cmd *cobra.Command, args []string) error {
	cfg := app.LoadConfigFromEnv()
	logger := app.NewLogger(cfg.LogLevel)

	st, err := app.OpenStore(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	list, err := st.ListStages(cmd.Context())
	if err != nil {
		return err
	}

	renderStages(cmd.OutOrStdout(), list)
	return nil
}

func renderStages(w io.Writer, list []stages.Stage) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Order", "Name", "Active", "ID"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	for _, s := range list {
		table.Append([]string{strconv.Itoa(s.Order), s.Name, strconv.FormatBool(s.IsActive), s.ID})
	}
	table.Render()
}

func runSeedStages(cmd *cobra.Command, args []string) error {
	cfg := app.LoadConfigFromEnv()
	logger := app.NewLogger(cfg.LogLevel)

	file, _ := cmd.Flags().GetString("file")
	catalog, err := app.CatalogStages(file)
	if err != nil {
		return err
	}

	st, err := app.OpenStore(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := app.SeedStages(cmd.Context(), st, catalog); err != nil {
		return err
	}
	logger.Info("stages seeded", "count", len(catalog), "file", file)
	return nil
}
