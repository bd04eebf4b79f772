package cmd

import (
	"context"

	"github.com/lockedin-study/lockedin-sync/internal/reconciler"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Drop joined groups that no longer exist in the store",
	Run: func(cmd *cobra.Command, args []string) {

		// Load the config, open the session and set up logging
		commonSetUp()

		ctx := context.Background()
		adapter := mustOpenStore(ctx)
		defer adapter.Close()

		log.Info().Strs("groups", sess.Groups()).Msg("Starting reconciliation process...")

		removed, err := reconciler.ReconcileOnce(ctx, adapter, sess, &log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("reconciliation failed")
		}

		log.Info().Strs("removed", removed).Str("active", sess.ActiveGroup()).
			Msg("Reconciliation completed.")
		printJSON(struct {
			Removed []string `json:"removed"`
			Active  string   `json:"active"`
		}{removed, sess.ActiveGroup()})
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}
