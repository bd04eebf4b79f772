package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/lockedin-study/lockedin-sync/internal/events"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Run the Pulsar consumer and print status events from the study groups",
	Run: func(cmd *cobra.Command, args []string) {

		// Load the config, open the session and set up logging
		commonSetUp()

		topic := appCfg.Pulsar.TopicConsumer
		if topic == "" {
			topic = appCfg.Pulsar.TopicProducer
		}

		// Initialize event consumer
		consumer, err := events.NewEventConsumer(appCfg.Pulsar.URL, topic, appCfg.Pulsar.Subscription, &log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize event consumer")
		}
		defer consumer.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Consume messages
		err = consumer.Run(ctx, func(_ context.Context, ev events.StatusEvent) error {
			log.Info().
				Str("group_id", ev.GroupID).
				Str("user_id", ev.UserID).
				Str("status", ev.Status).
				Bool("forced", ev.Forced).
				Time("at", ev.Timestamp).
				Msg(ev.Message)
			printJSON(ev)
			return nil
		})
		if err != nil {
			log.Fatal().Err(err).Msg("consumer stopped")
		}
	},
}

func init() {
	rootCmd.AddCommand(consumeCmd)
}
