package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"threadsync/internal/config"
	"threadsync/internal/logging"
	"threadsync/internal/metrics"
	"threadsync/internal/server"
	"threadsync/internal/store"
)

var (
	v   = viper.New()
	cfg *config.ServerConfig

	rootCmd = &cobra.Command{
		Use:   "threadsync-server",
		Short: "live sync server of the discussion board",
		Long: `threadsync-server keeps browser and agent clients in sync with the
append-only operation logs of board threads. Posts are stored in PostgreSQL,
operation logs and live fan-out live in Redis.`,
		SilenceUsage: true,
		PreRunE:      processConfig,
		RunE:         run,
	}
)

func init() {
	config.AddServerFlags(rootCmd)
}

func processConfig(cmd *cobra.Command, _ []string) error {
	config.Init(v)
	if err := v.BindPFlags(cmd.PersistentFlags()); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}
	var err error
	cfg, err = config.ReadServer(v)
	return err
}

func run(cmd *cobra.Command, _ []string) error {
	log, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Register()

	rdb, err := store.ConnectRedis(ctx, logging.For(log, "redis"), cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer rdb.Close()

	pool, err := store.ConnectPostgres(ctx, logging.For(log, "postgres"), cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	posts := store.NewPosts(pool)
	if err := posts.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	srv := server.New(cfg, log, posts, store.NewThreadLog(rdb), store.NewTokens(rdb))
	return srv.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
