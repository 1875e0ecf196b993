package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/lkarlslund/tokenrelay/pkg/config"
	"github.com/lkarlslund/tokenrelay/pkg/db"
	"github.com/lkarlslund/tokenrelay/pkg/logutil"
	"github.com/lkarlslund/tokenrelay/pkg/metrics"
	"github.com/lkarlslund/tokenrelay/pkg/proxy"
	"github.com/lkarlslund/tokenrelay/pkg/usage"
	"github.com/lkarlslund/tokenrelay/pkg/version"
)

const migrateRetryInterval = 15 * time.Second

var (
	serveConfigPath         string
	serveListenAddrOverride string
	serveDatabaseURL        string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfigOrDefault(serveConfigPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = serveListenAddrOverride
			}
			if cmd.Flags().Changed("database-url") {
				cfg.Database.URL = serveDatabaseURL
			}
			if !cmd.Flags().Changed("loglevel") {
				if err := logutil.Configure(cfg.Logs.Level); err != nil {
					return err
				}
			}
			if cfg.Logs.File != "" {
				closer, err := logutil.OpenFileTee(logutil.FileOptions{
					Path:       cfg.Logs.File,
					MaxSizeMB:  cfg.Logs.MaxSizeMB,
					MaxBackups: cfg.Logs.MaxBackups,
					MaxAgeDays: cfg.Logs.MaxAgeDays,
				})
				if err != nil {
					return fmt.Errorf("open log file: %w", err)
				}
				defer closer.Close()
			}
			log.Info("starting tokenrelay", "version", version.String(), "default_model", cfg.Models.Default)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			collector := metrics.NewCollector(nil)
			sink := usage.NewSink(openStore(ctx, cfg.Database), collector)

			srv, err := proxy.NewServer(cfg, sink, collector)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}
			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:8080)")
	serveCmd.Flags().StringVar(&serveDatabaseURL, "database-url", "", "Override database url from config (postgres DSN or sqlite path)")
	rootCmd.AddCommand(serveCmd)
}

// openStore connects the usage store. Only an unusable DSN leaves the relay
// without one; an unreachable database keeps the handle so accounting
// resumes once it is back. A failed migration is retried in the background.
func openStore(ctx context.Context, dbCfg config.DatabaseConfig) *gorm.DB {
	if dbCfg.URL == "" {
		log.Warn("no database configured; usage will not be recorded")
		return nil
	}
	conn, err := db.Open(dbCfg.URL, db.Options{MaxOpenConns: dbCfg.MaxOpenConns})
	if err != nil {
		log.Error("invalid usage database settings; usage will not be recorded", "err", err)
		return nil
	}
	if dbCfg.AutoMigrate {
		if err := db.Migrate(conn); err != nil {
			log.Warn("failed to migrate usage database", "err", err)
			go func() { _ = db.MigrateUntilReady(ctx, conn, migrateRetryInterval) }()
		}
	}
	log.Info("usage database configured", "dialect", db.DetectDialect(dbCfg.URL))
	return conn
}
