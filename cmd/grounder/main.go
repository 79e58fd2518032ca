package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/haniae/Team2-CBA-Project-sub005/config"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/feedback"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/retrieval"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/server"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/store"
)

func main() {
	var cfgPath string
	root := &cobra.Command{Use: "grounder", SilenceUsage: true}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP query API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return server.Run(ctx, cfg)
		},
	}

	var migDir, direction string
	var steps int
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			dsn, err := cfg.Storage.DSN()
			if err != nil {
				return err
			}
			return store.Migrate(migDir, dsn, direction, steps)
		},
	}
	migrate.Flags().StringVar(&migDir, "dir", "file://migrations", "migrations source")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	var once bool
	calibrate := &cobra.Command{
		Use:   "calibrate",
		Short: "Consume feedback and adjust source reliability weights",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if cfg.Redis.Host == "" {
				return fmt.Errorf("redis not configured (redis.host)")
			}
			rdb := redis.NewClient(&redis.Options{
				Addr:        cfg.Redis.Addr(),
				Password:    cfg.Redis.Password,
				DB:          cfg.Redis.DB,
				DialTimeout: cfg.Redis.DialTimeout,
			})
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis connection failed (%s): %w", cfg.Redis.Addr(), err)
			}
			weights := retrieval.NewWeights(cfg.Retrieval.SourceWeights)
			logger := log.New(log.Writer(), "[CALIBRATE] ", log.LstdFlags)
			cal, err := feedback.NewCalibrator(cfg.Feedback, rdb, cfg.Redis.FeedbackStream, weights, logger)
			if err != nil {
				return err
			}
			if st, err := store.New(ctx, cfg.Storage); err == nil {
				defer st.Close()
				cal.WithSnapshotStore(st)
			} else {
				logger.Printf("running without weight snapshots (store unavailable): %v", err)
			}
			if once {
				if err := feedback.EnsureGroup(ctx, rdb, cfg.Redis.FeedbackStream, cfg.Feedback.Group); err != nil {
					return err
				}
				n, err := cal.RunOnce(ctx)
				if err != nil {
					return err
				}
				logger.Printf("processed %d feedback records", n)
				return nil
			}
			return cal.Run(ctx)
		},
	}
	calibrate.Flags().BoolVar(&once, "once", false, "process one batch and exit")

	root.AddCommand(serve, migrate, calibrate)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
