package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ziadkadry99/fixflow/internal/issues"
	"github.com/ziadkadry99/fixflow/internal/metrics"
	"github.com/ziadkadry99/fixflow/internal/server"
	"github.com/ziadkadry99/fixflow/internal/session"
)

var serverPort int

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the troubleshooting HTTP server",
	Long:  `Starts the fixflow HTTP server with the public troubleshooting API, the admin graph editor API, /healthz and /metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if serverPort != 0 {
			cfg.Server.Port = serverPort
		}

		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Sync()

		collector := metrics.NewCollector("fixflow")
		a, err := newApp(cfg, logger, collector)
		if err != nil {
			return err
		}
		defer a.Close()

		srv := server.New(server.Config{
			Port:           cfg.Server.Port,
			AllowAll:       cfg.Server.AllowAllOrigins,
			RequestTimeout: cfg.Server.RequestTimeout,
		}, a.db, logger.Named("http"), collector)

		r := srv.Router()
		session.RegisterRoutes(r, a.engine)
		issues.RegisterRoutes(r, a.issues, a.audit)

		// Graceful shutdown.
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go a.cache.Run(ctx, cfg.Cache.CleanupInterval, func(removed int) {
			logger.Debug("snapshot cache cleanup", zap.Int("removed", removed))
		})
		go a.reaper.Run(ctx, cfg.Sessions.ReapInterval)

		go func() {
			<-ctx.Done()
			logger.Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("shutdown", zap.Error(err))
			}
		}()

		logger.Info("fixflow starting",
			zap.String("version", Version),
			zap.Int("port", cfg.Server.Port),
			zap.String("database", a.db.Path()),
		)

		if err := srv.Start(); err != nil {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	},
}

func init() {
	serverCmd.Flags().IntVarP(&serverPort, "port", "p", 0, "port to listen on (overrides server.port)")
	rootCmd.AddCommand(serverCmd)
}
