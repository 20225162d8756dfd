package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/conduitrun/conduit/internal/config"
	"github.com/conduitrun/conduit/internal/gateway"
)

func buildServeCmd() *cobra.Command {
	var configPath, addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the conduit orchestrator HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), addr)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&addr, "addr", "", "override server listen address (host:port)")
	return cmd
}

func runServe(ctx context.Context, configPath, addrOverride string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := buildApp(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer application.Close()

	addr := addrOverride
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	}

	srv := gateway.New(application.orch, application.hub, gateway.Config{
		Addr:      addr,
		Auth:      application.auth,
		Logger:    application.logger,
		Metrics:   application.metrics,
		Tracer:    application.tracer,
		ReqLogger: application.reqLogger,
	})
	if err := srv.Start(ctx, addr); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	application.logger.Info("conduit serving", "addr", addr)
	<-ctx.Done()
	application.logger.Info("shutting down")
	srv.Stop(context.Background())
	return nil
}
