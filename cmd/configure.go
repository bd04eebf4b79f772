package cmd

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configureStoreURL string
	configureName     string
	configureAvatar   string
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Save the store URL and profile in the local session",
	Run: func(cmd *cobra.Command, args []string) {
		commonSetUp()

		if cmd.Flags().Changed("store-url") {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			// Refuse URLs that do not connect.
			adapter, err := openStore(ctx, configureStoreURL)
			if err != nil {
				log.Fatal().Err(err).Msg("failed to connect with the new store url")
			}
			adapter.Close()

			if err := sess.SetStoreURL(configureStoreURL); err != nil {
				log.Fatal().Err(err).Msg("failed to save store url")
			}
			log.Info().Msg("store url saved")
		}

		if configureName != "" || configureAvatar != "" {
			if _, err := sess.EnsureIdentity(configureName); err != nil {
				log.Fatal().Err(err).Msg("failed to create identity")
			}
			if _, err := sess.UpdateProfile(configureName, configureAvatar); err != nil {
				log.Fatal().Err(err).Msg("failed to save profile")
			}
		}

		printJSON(sess.Identity())
	},
}

var resetCredentialsCmd = &cobra.Command{
	Use:   "reset-credentials",
	Short: "Forget the saved store URL",
	Run: func(cmd *cobra.Command, args []string) {
		commonSetUp()
		if err := sess.ResetCredentials(); err != nil {
			log.Fatal().Err(err).Msg("failed to reset credentials")
		}
		log.Info().Msg("store credentials cleared")
	},
}

func init() {
	configureCmd.Flags().StringVar(&configureStoreURL, "store-url", "", "redis:// or postgres:// url of the shared store")
	configureCmd.Flags().StringVar(&configureName, "name", "", "display name")
	configureCmd.Flags().StringVar(&configureAvatar, "avatar", "", "avatar seed")
	rootCmd.AddCommand(configureCmd, resetCredentialsCmd)
}
