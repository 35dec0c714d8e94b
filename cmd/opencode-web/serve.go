// ABOUTME: Hidden broker and instance commands, the entry points of detached processes
// ABOUTME: Both log to files under the data dir since they have no terminal

package main

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/opencode-web/internal/auth"
	"github.com/2389/opencode-web/internal/broker"
	"github.com/2389/opencode-web/internal/client"
	"github.com/2389/opencode-web/internal/instance"
	"github.com/2389/opencode-web/internal/lifecycle"
	"github.com/2389/opencode-web/internal/logging"
)

// brokerRequestTimeout bounds each register, ping, and deregister call an
// instance makes, so a wedged broker is noticed within one heartbeat.
const brokerRequestTimeout = 5 * time.Second

func brokerCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:    "broker",
		Short:  "Run the broker (started automatically)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			logger, closer, err := logging.NewFile(cfg.Logging, "broker")
			if err != nil {
				return err
			}
			defer closer.Close()

			logger.Info("starting broker", "port", port, "version", cmd.Root().Version)

			b, err := broker.New(cfg, port, logger,
				broker.WithSpawner(lifecycle.ExecSpawner{ExtraArgs: configArgs()}),
			)
			if err != nil {
				logger.Error("creating broker failed", "error", err)
				return fmt.Errorf("creating broker: %w", err)
			}

			if err := b.Run(cmd.Context()); err != nil {
				logger.Error("broker exited", "error", err)
				return err
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "Port to listen on")
	_ = cmd.MarkFlagRequired("port")
	return cmd
}

func instanceCmd() *cobra.Command {
	var (
		cwd        string
		port       int
		agentPort  int
		brokerPort int
		launchID   string
	)

	cmd := &cobra.Command{
		Use:    "instance",
		Short:  "Run one project instance (started by the broker)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			logger, closer, err := logging.NewFile(cfg.Logging, "instance")
			if err != nil {
				return err
			}
			defer closer.Close()
			if launchID != "" {
				logger = logger.With("launch_id", launchID)
			}

			secret, err := auth.LoadOrCreateSecret(cfg.Auth.ControlKeyPath)
			if err != nil {
				logger.Error("loading control secret failed", "error", err)
				return fmt.Errorf("loading control secret: %w", err)
			}
			signer, err := auth.NewJWTSigner(secret)
			if err != nil {
				return fmt.Errorf("creating control token verifier: %w", err)
			}

			// Agent server output goes to the same log file.
			agentOut, _ := closer.(io.Writer)

			launcher := instance.ExecAgentLauncher{
				Command: cfg.Instances.AgentCommand,
				Args:    cfg.Instances.AgentArgs,
				Output:  agentOut,
			}
			brokerClient := &http.Client{Timeout: brokerRequestTimeout}
			newBroker := func(p int) instance.Broker {
				return client.New(cfg.Broker.Host, p).WithHTTPClient(brokerClient)
			}

			runner := instance.NewRunner(instance.Config{
				CWD:               cwd,
				Host:              cfg.Broker.Host,
				Port:              port,
				AgentPort:         agentPort,
				BrokerPort:        brokerPort,
				APIPrefix:         cfg.Instances.APIPrefix,
				HeartbeatInterval: cfg.Instances.HeartbeatInterval,
			}, launcher, newBroker, newDiscovery(cfg, logger), signer, logger)

			if err := runner.Run(cmd.Context()); err != nil {
				logger.Error("instance exited", "error", err)
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cwd, "cwd", "", "Project directory")
	cmd.Flags().IntVar(&port, "port", 0, "Proxy port to listen on and register")
	cmd.Flags().IntVar(&agentPort, "agent-port", 0, "Port for the agent server")
	cmd.Flags().IntVar(&brokerPort, "broker-port", 0, "Broker to register with")
	cmd.Flags().StringVar(&launchID, "launch-id", "", "Launch identifier for log correlation")
	for _, name := range []string{"cwd", "port", "agent-port", "broker-port"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}
