package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hlscache/internal/hlscache"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type app struct {
	configPath string
	cfg        hlscache.Config
	log        *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "hlscache",
		Short:        "Caching reverse proxy for HLS playback",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			cfg, err := hlscache.LoadConfig(a.configPath)
			if err != nil {
				return errors.Wrap(err, "load config")
			}
			log, err := hlscache.NewLogger(cfg.Logging.Level)
			if err != nil {
				return err
			}
			a.cfg, a.log = cfg, log
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config",
		getenvDefault("HLSCACHE_CONFIG", "hlscache.yaml"), "path to hlscache.yaml")

	root.AddCommand(a.serveCmd(), a.urlCmd(), a.clearCmd(), a.prefetchCmd())
	return root
}

func (a *app) newService() (*hlscache.Service, error) {
	svc, err := hlscache.NewService(a.cfg, hlscache.WithLogger(a.log))
	if err != nil {
		return nil, errors.Wrap(err, "init service")
	}
	return svc, nil
}

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.newService()
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.Start(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			a.log.Info("shutting down")
			return nil
		},
	}
}

func (a *app) urlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "url <origin-url>",
		Short: "Print the proxied URL to hand to a player",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			codec := hlscache.Codec{Host: a.cfg.Addr(), Param: a.cfg.Server.OriginParam}
			u, err := codec.EncodeString(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), u)
			return nil
		},
	}
}

func (a *app) clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached playlist and segment",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			svc, err := a.newService()
			if err != nil {
				return err
			}
			defer svc.Close()
			return svc.ClearCache()
		},
	}
}

func (a *app) prefetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prefetch <playlist-url>",
		Short: "Download a stream into the cache for offline playback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.newService()
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			res, err := svc.Prefetch(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "playlists=%d media=%d fetched=%d cached=%d failed=%d\n",
				res.Playlists, res.Media, res.Fetched, res.Cached, res.Failed)
			return nil
		},
	}
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
