// Package root contains the root command for the application.
package root

import (
	"os"

	"github.com/spf13/cobra"

	"finbot/internal/config"
	"finbot/internal/logging"
)

var (
	// Cfg is the resolved configuration, available to all subcommands.
	Cfg *config.Config

	// Log is the shared logger instance for commands.
	Log logging.Logger

	// Cmd is the root command.
	Cmd = &cobra.Command{
		Use:   "finbot",
		Short: "A conversational personal-finance ledger.",
		Long: `finbot tracks expenses, savings, credit cards, and installment plans
through a chat-style interface. Send "50 lunch" to record an expense,
"tv 1200 in 12" to start an installment plan, or /help for commands.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			Cfg = cfg
			Log = logging.New(cfg.Log.Level, cfg.Log.Format)
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
)

// Init initializes the root command flags.
func Init() {
	Cmd.PersistentFlags().String("db", "", "Path to the SQLite database file")
	Cmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")

	// Flags are surfaced to config through the FINBOT_* environment
	// variables Viper already reads.
	cobra.OnInitialize(func() {
		if db, _ := Cmd.PersistentFlags().GetString("db"); db != "" {
			_ = os.Setenv("FINBOT_DATABASE_PATH", db)
		}
		if level, _ := Cmd.PersistentFlags().GetString("log-level"); level != "" {
			_ = os.Setenv("FINBOT_LOG_LEVEL", level)
		}
	})
}
