package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tcmartin/agentrunner/pkg/config"
	"github.com/tcmartin/agentrunner/pkg/storage"
)

// newMigrateCmd prepares the configured storage backend: it creates the
// Postgres tables, the DynamoDB tables, or pings Redis
func newMigrateCmd() *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run storage migrations and readiness checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			serverConfig, _ := cmd.Flags().GetString("server-config")
			storageType, _ := cmd.Flags().GetString("storage")
			return migrate(cmd.Context(), serverConfig, storageType)
		},
	}
	migrateCmd.Flags().String("server-config", "", "Server configuration file (AGENTRUNNER_* variables also apply)")
	migrateCmd.Flags().String("storage", "", "Override the storage type")
	return migrateCmd
}

func migrate(ctx context.Context, path, storageType string) error {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return err
	}
	if storageType != "" {
		cfg.Storage.Type = storageType
	}

	provider, err := storage.NewProvider(cfg.Storage.ProviderConfig())
	if err != nil {
		return fmt.Errorf("%s connect failed: %w", cfg.Storage.Type, err)
	}
	defer provider.Close()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := provider.Initialize(ctx); err != nil {
		return fmt.Errorf("%s initialize failed: %w", cfg.Storage.Type, err)
	}

	fmt.Printf("Storage %s ready\n", cfg.Storage.Type)
	return nil
}
