package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/memohai/evernoterobot/internal/config"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "No .env file found, using environment")
	}
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:   "evernoterobot",
		Short: "Telegram bot that saves messages to Evernote",
		Long: `evernoterobot relays Telegram messages into Evernote notes.

Text, photos, voice messages, documents and locations sent to the bot are
stored in the user's selected notebook, either as separate notes or appended
to a single running note.`,
		SilenceUsage: true,
	}
	defaultPath := os.Getenv("CONFIG_PATH")
	if defaultPath == "" {
		defaultPath = config.DefaultConfigPath
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultPath, "config file (toml or yaml)")

	root.AddCommand(
		newServeCmd(&configPath),
		newDownloaderCmd(&configPath),
		newMigrateCmd(&configPath),
		newConfigCmd(&configPath),
	)
	return root
}
