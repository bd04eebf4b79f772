package cmd

import (
	"context"

	"github.com/lockedin-study/lockedin-sync/internal/store/pgstore"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "init-db-migrate",
	Short: "Initialize tables and run database migrations",
	Long:  `This job ensures the documents table exists in the Postgres store by running goose migrations.`,
	Run: func(cmd *cobra.Command, args []string) {

		// Load the config, open the session and set up logging
		commonSetUp()

		ctx := context.Background()
		storeURL, err := resolveStoreURL(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("no store credentials")
		}

		db, err := pgstore.New(ctx, storeURL, &log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to the Postgres store")
		}
		defer db.Close()

		// Run the migrations
		log.Info().Msgf("Running migrations...")
		if err := db.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to run migrations")
		}

		log.Info().Msg("Migrations complete")
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
