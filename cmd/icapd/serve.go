package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"icap"
	"icap/criteria"
	"icap/server"
	"icap/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ICAP server",
	Long: `Start the ICAP server and block until interrupted.

The server registers an "echo" service at /echo/reqmod and /echo/respmod
that passes messages through unmodified, plus a default service at /reqmod
and /respmod. Use it as a smoke test target, or build a custom binary that
registers real services against the same server package.

Examples:
  # Serve with defaults (127.0.0.1:1344, in-memory sessions)
  icapd serve

  # Serve with a config file; edits to the istag field apply live
  icapd serve --config /etc/icapd.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		listen, _ := cmd.Flags().GetString("listen")
		return runServe(cmd.Context(), configPath, listen)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML config file")
	serveCmd.Flags().String("listen", "", "Listen address (overrides config)")
}

func runServe(ctx context.Context, configPath, listen string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	fileCfg := &ServerConfig{}
	if configPath != "" {
		loaded, err := LoadServerConfig(configPath)
		if err != nil {
			return err
		}
		fileCfg = loaded
	}
	if listen != "" {
		fileCfg.Listen = listen
	}

	cfg, err := fileCfg.ToServerConfig()
	if err != nil {
		return err
	}

	var store session.Store
	if fileCfg.SessionDB != "" {
		sqlStore, err := session.NewSQLiteStore(fileCfg.SessionDB)
		if err != nil {
			return fmt.Errorf("opening session store: %w", err)
		}
		defer sqlStore.Close()
		store = sqlStore
	}

	registry := criteria.NewRegistry()
	registry.Reqmod("", nil, echoHandler)
	registry.Respmod("", nil, echoHandler)
	registry.Reqmod("echo", nil, echoHandler)
	registry.Respmod("echo", nil, echoHandler)

	srv := server.New(cfg, registry, store, server.Hooks{})
	if err := srv.Start(ctx); err != nil {
		return err
	}

	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf("%s icapd listening on %s (ISTag %s)\n", green("✓"), srv.Addr(), srv.ISTag())

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return srv.Stop()
	})

	if configPath != "" {
		g.Go(func() error {
			server.WatchFile(ctx, configPath, func() {
				reloaded, err := LoadServerConfig(configPath)
				if err != nil {
					fmt.Fprintf(os.Stderr, "config reload failed: %v\n", err)
					return
				}
				if reloaded.ISTag != "" && reloaded.ISTag != srv.ISTag() {
					srv.SetISTag(reloaded.ISTag)
					fmt.Printf("ISTag rotated to %s\n", srv.ISTag())
				}
			})
			return nil
		})
	}

	return g.Wait()
}

// echoHandler leaves the encapsulated message untouched. The server answers
// 204 when the client allows it, otherwise echoes the message back.
func echoHandler(ctx context.Context, msg *icap.HTTPMessage) (*icap.HTTPMessage, error) {
	return nil, nil
}
