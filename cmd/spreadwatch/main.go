package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gregtusar/spreadwatch/api"
	"github.com/gregtusar/spreadwatch/internal/config"
	"github.com/gregtusar/spreadwatch/pkg/engine"
	"github.com/gregtusar/spreadwatch/pkg/feed"
	"github.com/gregtusar/spreadwatch/pkg/store"
)

var (
	cfgFile string
	logger  *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "spreadwatch",
		Short: "Cross-venue perpetual spread monitor",
		Long:  `Streams mid and mark prices from Hyperliquid and Lighter, pairs them per instrument and aggregates the spread into time buckets`,
		Run:   runMonitor,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(newExportCmd(), newTokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// setup loads .env, the configuration and the logger shared by every command.
func setup() *config.Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	configured, err := cfg.Logging.NewLogger()
	if err != nil {
		logger.WithError(err).Fatal("Failed to configure logging")
	}
	logger = configured
	return cfg
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Driver {
	case "redis":
		r := cfg.Storage.Redis
		return store.DialRedis(ctx, r.Addr, r.Password, r.DB, r.Prefix)
	case "postgres":
		return store.OpenPostgres(ctx, cfg.Storage.Postgres.DSN, cfg.Storage.Postgres.Table)
	default:
		return store.NewMemoryStore(), nil
	}
}

func runMonitor(cmd *cobra.Command, args []string) {
	cfg := setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	table, err := cfg.Instruments.Table()
	if err != nil {
		logger.WithError(err).Fatal("Failed to build instrument table")
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open store")
	}
	defer st.Close()
	logger.WithField("driver", cfg.Storage.Driver).Info("Store ready")

	recorder := store.NewRecorder(st, store.RecorderConfig{QueueSize: cfg.Storage.QueueSize}, logger)
	recorder.Start(ctx)

	hub := api.NewHub(logger, cfg.Server.AllowedOrigin)
	eng := engine.New(cfg.Engine.EngineConfig(), table, logger,
		engine.WithSink(recorder),
		engine.WithSink(hub),
	)

	hyperliquid := feed.NewClient(feed.Hyperliquid{}, cfg.Feeds.Hyperliquid.ClientConfig(), eng.FeedHandlers(), logger)
	lighter := feed.NewClient(feed.Lighter{}, cfg.Feeds.Lighter.ClientConfig(), eng.FeedHandlers(), logger)
	eng.Attach(hyperliquid, lighter)
	eng.Start(ctx)

	if tracked := config.Keys(cfg.Engine.Tracked); len(tracked) > 0 {
		if err := eng.SetTracked(ctx, tracked); err != nil {
			logger.WithError(err).Error("Failed to apply tracked instruments")
		}
	}

	sweeper, err := engine.NewSweeper(eng, st, engine.SweepConfig{
		Schedule:       cfg.Engine.SweepSchedule,
		StoreRetention: cfg.Storage.Retention(),
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create retention sweeper")
	}
	sweeper.Start()

	apiServer := api.NewServer(eng, st, hub, logger, api.Config{
		Port:          cfg.Server.Port,
		TokenSecret:   cfg.Server.APITokenSecret,
		AllowedOrigin: cfg.Server.AllowedOrigin,
	})
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.WithError(err).Fatal("Failed to start API server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Spread monitor is running. Press Ctrl+C to stop.")

	<-sigChan
	logger.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("API server did not shut down cleanly")
	}
	sweeper.Stop()
	eng.Stop()
	recorder.Stop()
	cancel()

	logger.WithFields(logrus.Fields{
		"dropped": recorder.Dropped(),
		"failed":  recorder.Failed(),
	}).Info("Spread monitor stopped")
}

func newExportCmd() *cobra.Command {
	var out, start, end string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the recorded price history as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := setup()
			if cfg.Storage.Driver == "memory" {
				return fmt.Errorf("export needs a persistent store; set storage.driver to redis or postgres")
			}

			from, err := api.ParseTime(start)
			if err != nil {
				return fmt.Errorf("invalid --start: %w", err)
			}
			to, err := api.ParseTime(end)
			if err != nil {
				return fmt.Errorf("invalid --end: %w", err)
			}

			ctx := cmd.Context()
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			var w io.Writer = os.Stdout
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", out, err)
				}
				defer f.Close()
				w = f
			}

			n, err := store.Export(ctx, st, w, from, to)
			if err != nil {
				return err
			}
			logger.WithFields(logrus.Fields{"rows": n, "file": out}).Info("Export complete")
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	cmd.Flags().StringVar(&start, "start", "", "range start, RFC 3339 or Unix milliseconds")
	cmd.Flags().StringVar(&end, "end", "", "range end, RFC 3339 or Unix milliseconds")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the protected API endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := setup()
			token, err := api.IssueToken(cfg.Server.APITokenSecret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
