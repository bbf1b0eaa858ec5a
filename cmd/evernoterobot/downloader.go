package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func newDownloaderCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "downloader",
		Short: "Run only the file download worker",
		Long: `downloader drains the shared task queue: it fetches Telegram files to the
local download directory, converts voice messages and reports the outcome
back through the queue. Point it at the same database as the bot.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fx.New(
				coreModule(*configPath),
				downloaderModule,
			)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}
