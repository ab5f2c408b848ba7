package cli

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"identityrecon/internal/database"
)

func newMigrateCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the contacts schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(v)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			if cfg.DatabaseDriver == database.DriverMemory {
				return errors.New("nothing to migrate for the memory driver")
			}
			// Open applies the schema.
			db, err := database.Open(cmd.Context(), cfg.DatabaseDriver, cfg.DatabaseURL, log)
			if err != nil {
				return err
			}
			log.Info("schema up to date", zap.String("driver", db.Driver))
			return db.Close()
		},
	}
}
