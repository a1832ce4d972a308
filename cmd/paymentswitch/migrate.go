package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"paymentswitch/internal/config"
	"paymentswitch/internal/infrastructure/database"
	"paymentswitch/internal/logging"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			logger, err := logging.NewLogger(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("create logger: %w", err)
			}
			defer logger.Sync()

			dbConfig := dbConfigFrom(cfg)
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			db, err := database.ConnectWithRetry(ctx, dbConfig, 10, 5*time.Second, logger)
			if err != nil {
				return err
			}
			if err := db.Close(); err != nil {
				logger.Warn("Error closing database connection", zap.Error(err))
			}
			return database.RunMigrations(cfg.MigrationsPath, dbConfig, logger)
		},
	}
}

func dbConfigFrom(cfg *config.Config) database.DBConfig {
	return database.DBConfig{
		Host:     cfg.DB.Host,
		Port:     cfg.DB.Port,
		User:     cfg.DB.User,
		Password: cfg.DB.Password,
		DBName:   cfg.DB.Name,
		SSLMode:  cfg.DB.SSLMode,
	}
}
