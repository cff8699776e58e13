package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	appconfig "github.com/mohammad-safakhou/toolbridge/config"
	"github.com/mohammad-safakhou/toolbridge/internal/agentd"
	srv "github.com/mohammad-safakhou/toolbridge/internal/server"
)

func main() {
	var root = &cobra.Command{Use: "toolbridge"}

	var cfgPath string
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (yaml)")

	var serveAddr string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the task broker HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if serveAddr == "" {
				serveAddr = os.Getenv("TOOLBRIDGE_HTTP_ADDR")
			}
			if serveAddr != "" {
				cfg.Server.Address = serveAddr
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx, cfg)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (default :8090)")

	var agentID, brokerURL string
	var agent = &cobra.Command{
		Use:   "agent",
		Short: "Run the local agent reliability runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if agentID != "" {
				cfg.Agent.AgentID = agentID
			}
			if cfg.Agent.AgentID == "" {
				cfg.Agent.AgentID = os.Getenv("TOOLBRIDGE_AGENT_ID")
			}
			if brokerURL != "" {
				cfg.Agent.BrokerURL = brokerURL
			}
			if err := cfg.Agent.Validate(); err != nil {
				return err
			}

			runner, err := agentd.NewRunnerFromConfig(cfg.Agent)
			if err != nil {
				return err
			}
			logger := log.New(log.Writer(), "[AGENT] ", log.LstdFlags)
			client := agentd.NewClient(cfg.Agent.BrokerURL, cfg.Agent.Token, cfg.Agent.ConnectionTimeout)
			rt := agentd.NewRuntime(cfg.Agent, client, runner, logger)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return rt.Run(ctx)
		},
	}
	agent.Flags().StringVar(&agentID, "agent-id", "", "stable agent identifier")
	agent.Flags().StringVar(&brokerURL, "broker-url", "", "broker base URL")

	var migDir, direction string
	var steps int
	var migrate = &cobra.Command{
		Use:   "migrate",
		Short: "Run audit store migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			dsn := os.Getenv("DATABASE_URL")
			if dsn == "" && cfg.Storage.Postgres.Enabled() {
				dsn = cfg.Storage.Postgres.DSN()
			}
			return srv.Migrate(migDir, dsn, direction, steps)
		},
	}
	migrate.Flags().StringVar(&migDir, "dir", "file://migrations", "migrations source")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	var tokenTTL time.Duration
	var token = &cobra.Command{
		Use:   "token [agent-id]",
		Short: "Mint a bearer token for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("server.jwt_secret not configured")
			}
			signed, err := srv.SignAgentToken(args[0], []byte(cfg.Server.JWTSecret), tokenTTL)
			if err != nil {
				return err
			}
			fmt.Println(signed)
			return nil
		},
	}
	token.Flags().DurationVar(&tokenTTL, "ttl", 365*24*time.Hour, "token lifetime")

	root.AddCommand(serve, agent, migrate, token)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
