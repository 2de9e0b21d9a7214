package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"zac.app/discovery/internal/api"
	"zac.app/discovery/internal/config"
	"zac.app/discovery/internal/core"
	"zac.app/discovery/internal/logging"
	"zac.app/discovery/internal/realtime"
	"zac.app/discovery/internal/store"
)

var (
	// Global flags
	verbose bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "zac",
	Short: "Zac discovery server",
	Long: `Runs the Zac discovery backend: the request feed, matching, live
sessions over websocket and trust scores.

Run without arguments to start the server.`,
	SilenceUsage: true,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and websocket server",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.AddCommand(serveCmd, watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initLogger(level string) error {
	if verbose {
		level = "DEBUG"
	}
	var err error
	logger, err = logging.New(level)
	return err
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load configuration
	if err := config.LoadConfig(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := initLogger(config.AppConfig.LogLevel); err != nil {
		return err
	}

	// Initialize database store
	dbStore, err := store.NewSQLiteStore(config.AppConfig.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbStore.Close()

	// Initialize the AI judge; without a key every judgment falls back.
	var judge core.Judge = core.OfflineJudge{}
	if config.AppConfig.GeminiAPIKey != "" {
		llmService, err := core.NewLLMService(cmd.Context(), config.AppConfig.GeminiAPIKey, config.AppConfig.GeminiModel, logger.Named("llm"))
		if err != nil {
			return fmt.Errorf("failed to initialize LLM service: %w", err)
		}
		defer llmService.Close()
		judge = llmService
	} else {
		logger.Warn("GEMINI_API_KEY not set, moderation, summaries and icebreakers use fallbacks")
	}
	guarded := core.NewGuardedJudge(judge, config.AppConfig.AITimeout, logger.Named("judge"))

	hub := realtime.NewHub(logger.Named("hub"))
	ledger := core.NewTrustLedger(dbStore, logger.Named("ledger"))
	engine := core.NewMatchingEngine(dbStore, hub, logger.Named("matching"))
	sessions := core.NewSessionCoordinator(dbStore, hub, guarded, ledger, logger.Named("sessions"))

	// Initialize API Handler and Router
	apiHandler := api.NewAPIHandler(dbStore, hub, engine, sessions, ledger, logger.Named("api"))
	router := api.NewRouter(apiHandler)

	serverAddr := fmt.Sprintf(":%s", config.AppConfig.HTTPPort)
	srv := &http.Server{
		Addr:        serverAddr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// Session end waits on the summary, bounded by AI_TIMEOUT.
		WriteTimeout: config.AppConfig.AITimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting server", zap.String("addr", serverAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("Shutting down server", zap.String("signal", sig.String()))
	case err := <-serveErr:
		return fmt.Errorf("could not listen on %s: %w", serverAddr, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Hijacked websockets are not tracked by Shutdown; the hub closes them.
	hub.Close()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("Server exiting gracefully")
	return nil
}
