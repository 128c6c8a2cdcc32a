package cmd

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"example.com/backstage/services/citysync/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  `Create or update the city replica table`,
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.DB.Driver == database.DriverMemory {
		log.Info().Msg("In-memory store configured, nothing to migrate")
		return nil
	}

	db, err := database.Connect(cfg.DB, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(db); err != nil {
			log.Error().Err(err).Msg("Failed to close database")
		}
	}()

	if err := database.AutoMigrate(db); err != nil {
		return errors.Wrap(err, "migration failed")
	}

	log.Info().Msg("Migrations completed")
	return nil
}
