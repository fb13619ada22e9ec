// pvacms runs the PVAccess certificate management service: it issues server and client
// certificates and publishes their signed status.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/houzhh15/pvasec/cms"
	"github.com/houzhh15/pvasec/config"
	"github.com/houzhh15/pvasec/logging"
	"github.com/houzhh15/pvasec/transport"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const envPrefix = "PVACMS"

var cfgFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:   "pvacms",
		Short: "PVAccess certificate management service",
		Long: `pvacms issues certificates for PVAccess servers and clients (CERT:CREATE),
tracks them in a sqlite registry and serves CA-signed status records, one-shot
or as a live stream, for every certificate carrying a status extension.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewLoader().LoadViper(v, cfgFile, envPrefix)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml or json)")
	flags.String("addr", "", "API listen address (default :8080)")
	flags.String("db", "", "sqlite database path (default pvacms.db)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	v.BindPFlag("cms.addr", flags.Lookup("addr"))
	v.BindPFlag("cms.db_path", flags.Lookup("db"))
	v.BindPFlag("logging.level", flags.Lookup("log-level"))

	root.AddCommand(newRevokeCmd())
	return root
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.NewLogger(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return err
	}
	defer logger.Close()

	var audit logging.AuditLogger
	if cfg.Logging.AuditFile != "" {
		fileAudit, err := logging.NewFileAuditLogger(cfg.Logging.AuditFile, logger)
		if err != nil {
			return err
		}
		defer fileAudit.Close()
		audit = fileAudit
	}

	ca, err := cms.LoadOrCreateCA(&cfg.CMS, logging.With(logger, "component", "ca"))
	if err != nil {
		return err
	}

	db, err := cms.OpenDB(cfg.CMS.DBPath)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	registry, err := cms.NewRegistry(db, logging.With(logger, "component", "registry"))
	if err != nil {
		return err
	}
	responder, err := cms.NewResponder(ca, cfg.CMS.StatusValidity, 0, nil)
	if err != nil {
		return err
	}

	sse := transport.NewSSEServer(logging.With(logger, "component", "sse"), 0)
	server, err := cms.NewServer(&cms.ServerConfig{
		CA:           ca,
		Registry:     registry,
		Responder:    responder,
		SSE:          sse,
		CertValidity: cfg.CMS.CertValidity,
		IssueRate:    cfg.CMS.IssueRate,
		IssueBurst:   cfg.CMS.IssueBurst,
		Logger:       logging.With(logger, "component", "api"),
		Audit:        audit,
	})
	if err != nil {
		return err
	}

	// 状态流是长连接，不设写超时
	httpServer := transport.NewHTTPServer(&transport.HTTPServerConfig{})

	logger.Info("PVA CMS starting",
		"addr", cfg.CMS.Addr,
		"issuer_id", ca.IssuerID(),
		"ca_subject", ca.Certificate().Subject.String(),
		"status_validity", cfg.CMS.StatusValidity)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpServer.Start(cfg.CMS.Addr, server.Handler())
	})
	g.Go(func() error {
		return cms.NewRepublisher(server, cfg.CMS.RepublishInterval).Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("PVA CMS shutting down")
		sse.Stop()
		return httpServer.Stop()
	})
	return g.Wait()
}

func newRevokeCmd() *cobra.Command {
	var (
		url     string
		reason  int
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "revoke <serial>",
		Short: "Revoke a certificate (CERT:REVOKE)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := cms.NewClient(&cms.ClientConfig{BaseURL: url, Timeout: timeout})
			info, err := client.Revoke(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://localhost:8080", "CMS base URL")
	cmd.Flags().IntVar(&reason, "reason", 0, "RFC 5280 revocation reason code")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	return cmd
}
