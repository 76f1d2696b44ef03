package commands

import (
	"fmt"

	"github.com/dyluth/syncedstore/internal/config"
	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string
)

// Global flags shared by every subcommand
var (
	configPath      string
	roomFlag        string
	redisURLFlag    string
	participantFlag string
	storageFlag     string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "syncedstore",
	Short: "syncedstore - replicated key-value storages over a shared room",
	Long: `syncedstore connects to a room on a Redis-backed collaborative host and
reads or writes its namespaced key-value storages.

Every participant of a room sees the same storages. Writes are applied
locally only once the host echoes them back, so all participants converge
on the same state.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	// Enable strict flag parsing - unknown flags will cause an error
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// We print formatted colored errors directly in the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to the config file (defaults apply when it is missing)")
	rootCmd.PersistentFlags().StringVarP(&roomFlag, "room", "r", "", "Room name (overrides config)")
	rootCmd.PersistentFlags().StringVar(&redisURLFlag, "redis-url", "", "Redis URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&participantFlag, "participant", "", "Participant id (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&storageFlag, "storage", "s", "main", "Storage name")
}

// loadConfig loads the config file and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, configError(err)
	}
	if roomFlag != "" {
		cfg.Room = roomFlag
	}
	if redisURLFlag != "" {
		cfg.Redis.URL = redisURLFlag
	}
	if participantFlag != "" {
		cfg.Participant = participantFlag
	}
	if err := cfg.Validate(); err != nil {
		return nil, configError(err)
	}
	return cfg, nil
}
