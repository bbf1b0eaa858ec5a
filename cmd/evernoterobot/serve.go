package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func newServeCmd(configPath *string) *cobra.Command {
	var withDownloader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot and the OAuth callback server",
		Long: `serve long-polls Telegram, routes messages into Evernote and serves the
OAuth callback and health endpoints. Pass --with-downloader=false when file
downloads run in a separate "downloader" process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath, withDownloader)
		},
	}
	cmd.Flags().BoolVar(&withDownloader, "with-downloader", true, "run the file download worker in this process")
	return cmd
}

func runServe(configPath string, withDownloader bool) error {
	opts := []fx.Option{
		coreModule(configPath),
		fx.Provide(
			provideRedis,
			provideCache,
			provideUsers,
			provideNotes,
			provideCredentials,
			provideCommands,
			provideRouter,
			provideServerHandler(providePingHandler),
			provideServerHandler(provideOAuthHandler),
			provideServer,
		),
		fx.Invoke(
			startServer,
			startPolling,
		),
	}
	if withDownloader {
		opts = append(opts, downloaderModule)
	}
	app := fx.New(opts...)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}
