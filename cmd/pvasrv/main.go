// pvasrv runs a PVAccess server whose TLS listener follows the state of its keychain
// and the certificate's live status from the CMS. The plain listener is always on.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/houzhh15/pvasec/certstatus"
	"github.com/houzhh15/pvasec/cms"
	"github.com/houzhh15/pvasec/config"
	"github.com/houzhh15/pvasec/logging"
	"github.com/houzhh15/pvasec/tlscontext"
	"github.com/houzhh15/pvasec/transport"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const envPrefix = "PVAS"

var cfgFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:   "pvasrv",
		Short: "PVAccess server with certificate-status driven TLS",
		Long: `pvasrv serves PVAccess on a plain TCP listener and, while its keychain holds
a certificate the CMS reports as GOOD, on a TLS listener as well. Replacing or
removing the keychain file, revocation and stale status all take TLS down without
touching plain connections. SIGHUP reloads the configuration.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewLoader().LoadViper(v, cfgFile, envPrefix)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, func() (*config.Config, error) {
				return config.NewLoader().LoadViper(v, cfgFile, envPrefix)
			})
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml or json)")
	flags.String("keychain", "", "server keychain (PKCS#12) path")
	flags.String("cms-url", "", "CMS base URL for status and provisioning")
	flags.Bool("auto-provision", false, "request a certificate from the CMS when the keychain is missing")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	v.BindPFlag("tls.keychain_file", flags.Lookup("keychain"))
	v.BindPFlag("tls.cms_url", flags.Lookup("cms-url"))
	v.BindPFlag("tls.auto_provision", flags.Lookup("auto-provision"))
	v.BindPFlag("logging.level", flags.Lookup("log-level"))
	return root
}

func run(ctx context.Context, cfg *config.Config, reload func() (*config.Config, error)) error {
	logger, err := logging.NewLogger(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return err
	}
	defer logger.Close()
	logger.Info("PVA server starting", "name", cfg.Server.Name, "tls", cfg.TLS.String())

	var audit logging.AuditLogger
	if cfg.Logging.AuditFile != "" {
		fileAudit, err := logging.NewFileAuditLogger(cfg.Logging.AuditFile, logger)
		if err != nil {
			return err
		}
		defer fileAudit.Close()
		audit = fileAudit
	}

	health := transport.NewHealthServer()
	reactor := transport.NewReactor(&transport.ReactorConfig{
		PlainAddr: cfg.Server.PlainAddr,
		TLSAddr:   cfg.Server.TLSAddr,
		Health:    health,
		Logger:    logging.With(logger, "component", "reactor"),
	})
	if err := reactor.Start(); err != nil {
		return err
	}
	defer reactor.Stop()

	opts := &tlscontext.Options{
		Name:     cfg.Server.Name,
		Config:   &cfg.TLS,
		Listener: reactor,
		Logger:   logging.With(logger, "component", "tls"),
		Audit:    audit,
	}
	if !cfg.TLS.StatusCheckDisabled {
		opts.Monitor = certstatus.NewManager(&certstatus.Config{
			BaseURL: cfg.TLS.CMSURL,
			Timeout: cfg.TLS.StatusTimeout,
			Logger:  logging.With(logger, "component", "certstatus"),
		})
	}
	if cfg.TLS.AutoProvision {
		client := cms.NewClient(&cms.ClientConfig{BaseURL: cfg.TLS.CMSURL, Timeout: cfg.TLS.ProvisionTimeout})
		opts.Provisioner = cms.NewProvisioner(client, &cfg.TLS, logging.With(logger, "component", "provisioner"))
	}

	ctrl, err := tlscontext.New(opts)
	if err != nil {
		return err
	}
	if err := ctrl.Start(ctx); err != nil {
		// stop_if_no_cert
		return err
	}
	defer ctrl.Stop()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.HealthAddr != "" {
		grpcServer := transport.NewGRPCServer(nil)
		health.Register(grpcServer)
		g.Go(func() error { return grpcServer.Start(cfg.Server.HealthAddr) })
		g.Go(func() error {
			<-gctx.Done()
			health.Shutdown()
			return grpcServer.Stop()
		})
	}

	if cfg.Server.MetricsAddr != "" {
		httpServer := transport.NewHTTPServer(nil)
		g.Go(func() error { return httpServer.Start(cfg.Server.MetricsAddr, statusHandler(ctrl, reactor)) })
		g.Go(func() error {
			<-gctx.Done()
			return httpServer.Stop()
		})
	}

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				next, err := reload()
				if err != nil {
					logger.Error("Config reload failed", "error", err)
					continue
				}
				if err := ctrl.Reconfigure(gctx, &next.TLS); err != nil && !errors.Is(err, tlscontext.ErrNoCertificate) {
					logger.Error("TLS reconfigure failed", "error", err)
				}
			}
		}
	})

	err = g.Wait()
	logger.Info("PVA server shutting down", "tls_state", ctrl.State().String())
	return err
}

// statusHandler /metrics 与 /tls 状态查询
func statusHandler(ctrl *tlscontext.Controller, reactor *transport.Reactor) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/tls", func(c *gin.Context) {
		plain, secure := reactor.Connections()
		c.JSON(http.StatusOK, gin.H{
			"context":     ctrl.Info(),
			"advertise":   reactor.Advertise(),
			"connections": gin.H{"plain": plain, "tls": secure},
		})
	})
	return router
}
