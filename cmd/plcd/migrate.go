package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/RegistryAccord/registryaccord-plc-go/internal/config"
	"github.com/RegistryAccord/registryaccord-plc-go/internal/storage"
)

func newMigrateCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the schema of the SQL log backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			var s *storage.SQLStore
			switch cfg.LogBackend {
			case config.BackendPostgres:
				s, err = storage.NewPostgres(ctx, cfg.DatabaseDSN)
			case config.BackendSQLite:
				s, err = storage.NewSQLite(ctx, cfg.SQLitePath)
			default:
				return fmt.Errorf("log backend %q has no schema to migrate", cfg.LogBackend)
			}
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate %s: %w", cfg.LogBackend, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %s schema\n", cfg.LogBackend)
			return nil
		},
	}
}
