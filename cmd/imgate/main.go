package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amoylab/imgate/internal/admin"
	"github.com/amoylab/imgate/internal/auth/jwt"
	"github.com/amoylab/imgate/internal/common/cnst"
	"github.com/amoylab/imgate/internal/common/config"
	"github.com/amoylab/imgate/internal/handler"
	"github.com/amoylab/imgate/internal/presence"
	"github.com/amoylab/imgate/internal/router"
	"github.com/amoylab/imgate/internal/server"
	"github.com/amoylab/imgate/internal/storage"
	"github.com/amoylab/imgate/internal/user"
	"github.com/amoylab/imgate/pkg/logger"
	"github.com/amoylab/imgate/pkg/metrics"
	"github.com/amoylab/imgate/pkg/trace"
	"github.com/amoylab/imgate/pkg/utils"
	"github.com/amoylab/imgate/pkg/version"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath string
	operator   string
	scope      string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of " + cnst.AppName,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Banner(cnst.AppName))
		},
	}

	testCmd = &cobra.Command{
		Use:   "test",
		Short: "Test the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfgPath, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("configuration file %s test failed: %w", cfgPath, err)
			}
			fmt.Printf("configuration file %s test is successful\n", cfgPath)
			return nil
		},
	}

	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Mint an operator token for the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			svc, err := jwt.NewService(cfg.Admin.JWT)
			if err != nil {
				return err
			}
			tok, err := svc.GenerateToken(operator, scope)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}

	stopCmd = &cobra.Command{
		Use:   "stop",
		Short: "Stop the running " + cnst.AppName + " process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			pm := utils.NewPIDManager(cfg.PID)
			if err := pm.Signal(syscall.SIGTERM); err != nil {
				return err
			}
			fmt.Printf("sent SIGTERM to the process in %s\n", pm.GetPIDFile())
			return nil
		},
	}

	rootCmd = &cobra.Command{
		Use:   cnst.CommandName,
		Short: "TCP message server",
		Long:  `imgate accepts persistent TCP connections and routes length-framed messages to handlers`,
		Run: func(cmd *cobra.Command, args []string) {
			run()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "conf", "c", cnst.ConfigYaml, "path to configuration file, like /etc/imgate/imgate.yaml")
	tokenCmd.Flags().StringVar(&operator, "operator", "admin", "operator name stored in the token")
	tokenCmd.Flags().StringVar(&scope, "scope", "admin", "scope stored in the token")
	rootCmd.AddCommand(versionCmd, testCmd, tokenCmd, stopCmd)
}

func run() {
	cfg, cfgPath, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	lg, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer lg.Sync()

	lg.Info("Loaded configuration", zap.String("path", cfgPath), zap.String("version", version.Get()))

	pm := utils.NewPIDManager(cfg.PID)
	if err := pm.WritePID(); err != nil {
		lg.Fatal("Failed to write PID file", zap.String("path", pm.GetPIDFile()), zap.Error(err))
	}
	defer func() {
		if err := pm.RemovePID(); err != nil {
			lg.Warn("Failed to remove PID file", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, lg, nil); err != nil {
		lg.Error("Server exited with error", zap.Error(err))
		os.Exit(1)
	}
	lg.Info("Server shutdown completed")
}

// serve wires every component from cfg and blocks until ctx is done. ready,
// when set, receives the bound TCP and admin addresses.
func serve(ctx context.Context, cfg *config.ServerConfig, lg *zap.Logger, ready func(tcp, adm net.Addr)) error {
	shutdownTracing, err := trace.InitTracing(ctx, &cfg.Tracing, lg)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}

	m := metrics.New(cfg.Metrics)

	store, err := storage.NewUserStore(&cfg.Database, lg)
	if err != nil {
		return fmt.Errorf("failed to open user store: %w", err)
	}
	defer store.Close()

	pres, err := presence.NewStore(ctx, lg, &cfg.Presence)
	if err != nil {
		return fmt.Errorf("failed to open presence store: %w", err)
	}
	defer pres.Close()

	r := router.New(lg, m)
	handler.Install(r, handler.Deps{
		Users:       user.NewManager(store, lg),
		Presence:    pres,
		Node:        cfg.Presence.Node,
		Logger:      lg,
		RequireAuth: cfg.Server.RequireAuth,
	})

	srv := server.New(cfg.Server, r, lg, m)
	srv.OnSession(handler.TrackPresence(pres, lg))

	notices, err := pres.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to notices: %w", err)
	}
	if err := srv.Start(cfg.Server.Addr(), cfg.Server.Backlog); err != nil {
		return err
	}
	go srv.RelayNotices(notices)

	var adm *admin.Server
	if cfg.Admin.Enabled {
		adm, err = admin.New(cfg.Admin, admin.Options{
			Registry: srv.Registry(),
			Presence: pres,
			Users:    store,
			Metrics:  m,
			Node:     cfg.Presence.Node,
			Logger:   lg,
		})
		if err == nil {
			err = adm.Start(cfg.Admin.Addr())
		}
		if err != nil {
			srv.Stop()
			return err
		}
	}

	if ready != nil {
		var admAddr net.Addr
		if adm != nil {
			admAddr = adm.Addr()
		}
		ready(srv.Addr(), admAddr)
	}

	<-ctx.Done()
	lg.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(shutdownCtx)
	if adm != nil {
		g.Go(func() error { return adm.Shutdown(gctx) })
	}
	g.Go(func() error {
		srv.Stop()
		return nil
	})
	g.Go(func() error { return shutdownTracing(gctx) })
	return g.Wait()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
