package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/peterje/ptyd/internal/config"
	"github.com/peterje/ptyd/internal/environ"
	"github.com/peterje/ptyd/internal/events"
	"github.com/peterje/ptyd/internal/logging"
	"github.com/peterje/ptyd/internal/preflight"
	ptymgr "github.com/peterje/ptyd/internal/pty"
	"github.com/peterje/ptyd/internal/server"
	"github.com/peterje/ptyd/internal/shepherd"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "ptyd",
	Short:         "Host interactive terminal sessions for agent CLIs",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session daemon in the foreground",
	Long: `Run the session daemon. It owns every PTY session, listens on
<data_dir>/ptyd.sock for the other ptyd commands and, when listen_addr is
set, serves the HTTP and WebSocket bridge for a UI.

SIGINT or SIGTERM closes every session before exiting.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default <data_dir>/config.toml)")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ptyd: %v\n", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging())
	if err != nil {
		return err
	}
	defer logger.Sync()

	vars := environ.FromOS()
	clis := preflight.CheckAll(vars.Dirs(), cfg.AgentBinary, cfg.Multiplexer)
	preflight.Report(clis, logger.Named("preflight"))

	hub := events.NewHub()
	defer hub.Close()

	mgr := ptymgr.NewManager(ptymgr.Config{
		Shell:    cfg.Shell,
		Planner:  cfg.Planner(),
		Sessions: cfg.SessionFiles(),
		Environ:  func() []string { return vars.Apply(os.Environ()) },
	}, hub, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.ListenAddr != "" {
		httpSrv := &http.Server{
			Addr:    cfg.ListenAddr,
			Handler: server.New(clis, mgr, hub, cfg.BridgeToken, logger).Handler(),
		}
		go func() {
			logger.Info("HTTP bridge listening",
				zap.String("addr", cfg.ListenAddr),
				zap.Bool("token_required", cfg.BridgeToken != ""))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP bridge failed", zap.Error(err))
				stop()
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			httpSrv.Shutdown(sctx)
		}()
	}

	return shepherd.Run(ctx, cfg.SocketPath(), cfg.LockPath(), shepherd.NewServer(mgr, hub, logger))
}
