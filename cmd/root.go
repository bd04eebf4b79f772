package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lockedin-study/lockedin-sync/internal/appconfig"
	"github.com/lockedin-study/lockedin-sync/internal/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	logLevel   string
	configPath string

	appCfg *appconfig.Config
	sess   *session.Store
)

var rootCmd = &cobra.Command{
	Use:   "lockedin",
	Short: "LockedIn study group sync",
	Long: `LockedIn keeps a study group's focus status in sync: members lock in,
the shared timer runs while nobody is distracted, and everyone sees who
left the app.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "warn",
		"sets the log level")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(),
		"path to the config file")
}

func defaultConfigPath() string {
	if p := os.Getenv("LOCKEDIN_CONFIG"); p != "" {
		return p
	}
	return "lockedin.yaml"
}

// commonSetUp sets logging, loads the config and opens the local session.
func commonSetUp() {
	setLogging(logLevel)

	var err error
	appCfg, err = appconfig.LoadConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", configPath).Msg("failed to load config")
	}

	sess, err = session.Open(appCfg.Session.Path)
	if err != nil {
		log.Fatal().Err(err).Str("path", appCfg.Session.Path).Msg("failed to open session")
	}
	log.Debug().Str("session", sess.Path()).Msg("session opened")
}

func setLogging(level string) {
	zerolog.TimestampFunc = func() time.Time {
		return time.Now().UTC()
	}

	switch strings.ToLower(level) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "fatal":
		zerolog.SetGlobalLevel(zerolog.FatalLevel)
	case "panic":
		zerolog.SetGlobalLevel(zerolog.PanicLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	}
}
