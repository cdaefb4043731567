package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/grokgate/grokgate/pkg/config"
	"github.com/grokgate/grokgate/pkg/credential"
	"github.com/grokgate/grokgate/pkg/grok"
	"github.com/grokgate/grokgate/pkg/logutil"
	"github.com/grokgate/grokgate/pkg/proxy"
	"github.com/grokgate/grokgate/pkg/upload"
)

var (
	serveConfigPath         string
	serveListenAddrOverride string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrCreateServerConfig(serveConfigPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = serveListenAddrOverride
			}
			if err := logutil.Configure(cfg.LogLevel); err != nil {
				return err
			}

			store := config.NewServerConfigStore(serveConfigPath, cfg)
			credStore := credential.NewStore(cfg.CredentialsPath)
			states, err := credStore.Load()
			if err != nil {
				return fmt.Errorf("load credentials: %w", err)
			}
			pool, err := credential.NewPool(states, credStore.Save)
			if err != nil {
				return fmt.Errorf("build credential pool: %w", err)
			}

			transport, err := grok.NewTransport(cfg.Grok)
			if err != nil {
				return fmt.Errorf("build upstream transport: %w", err)
			}
			resolver, err := upload.NewResolver(transport, cfg.Grok.ProxyURL)
			if err != nil {
				return fmt.Errorf("build upload resolver: %w", err)
			}
			orch := grok.NewOrchestrator(pool, transport, resolver, cfg.Grok)
			srv := proxy.NewServer(store, orch, pool)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "Server config TOML path")
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:8180)")
	rootCmd.AddCommand(serveCmd)
}
