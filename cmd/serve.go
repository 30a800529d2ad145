package cmd

import (
	"github.com/killallgit/s24/pkg/config"
	"github.com/killallgit/s24/pkg/gateway"
	"github.com/killallgit/s24/pkg/proxy"
	"github.com/killallgit/s24/pkg/session"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the proxy HTTP server",
	Long: `Serve the OpenClaw streaming proxy, the gateway RPC route and the
trading API passthrough on one listener.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Get()
		server := proxy.NewServer(proxy.OptionsFromConfig(cfg, gateway.NewClientFromConfig(cfg)))

		store, err := session.NewStore(session.NewFileStore(cfg.Session.Path))
		if err != nil {
			return err
		}

		g, ctx := errgroup.WithContext(cmd.Context())
		g.Go(func() error {
			return server.Run(ctx)
		})
		g.Go(func() error {
			return logSessionChanges(ctx, store)
		})
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))

	rootCmd.AddCommand(serveCmd)
}
