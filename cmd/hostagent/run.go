package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tensorlend/hostagent/pkg/agent"
	"github.com/tensorlend/hostagent/pkg/central"
	"github.com/tensorlend/hostagent/pkg/config"
	"github.com/tensorlend/hostagent/pkg/engine"
	"github.com/tensorlend/hostagent/pkg/gpu"
	"github.com/tensorlend/hostagent/pkg/healthpolicy"
	"github.com/tensorlend/hostagent/pkg/runtime"
	"github.com/tensorlend/hostagent/pkg/store"
)

// Exit codes: 0 clean, 1 startup failure (cobra prints the returned error
// and exits 1), 130 after a signal-initiated shutdown.
const exitSignal = 130

func runCmd() *cobra.Command {
	var (
		configPath string
		storeKind  string
		probeKind  string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the host agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runAgent(configPath, storeKind, probeKind)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "/etc/hostagent/config.yaml", "Path to the agent config file")
	cmd.Flags().StringVar(&storeKind, "store", "postgres", "State store backend (postgres, memory)")
	cmd.Flags().StringVar(&probeKind, "probe", "smi", "GPU probe (smi, nvml, fake)")

	return cmd
}

func runAgent(configPath, storeKind, probeKind string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// The central client bakes the agent id into its request paths, so the
	// identity has to exist before the client does.
	if cfg.Agent.ID == "" {
		cfg.Agent.ID = agent.MintAgentID()
		logger.Info("minted agent identity", slog.String("agent_id", cfg.Agent.ID))
		if err := cfg.Save(configPath); err != nil {
			logger.Warn("failed to persist agent id", slog.String("error", err.Error()))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st store.Store
	switch storeKind {
	case "postgres":
		st, err = store.OpenPostgres(ctx, cfg.DSN())
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
	case "memory":
		st = store.NewInMem()
	default:
		return fmt.Errorf("unknown store backend %q (postgres, memory)", storeKind)
	}
	defer st.Close()

	var probe gpu.Probe
	switch probeKind {
	case "smi":
		probe = gpu.NewSMI()
	case "nvml":
		probe = gpu.NewNVML()
	case "fake":
		probe = gpu.NewFake()
	default:
		return fmt.Errorf("unknown gpu probe %q (smi, nvml, fake)", probeKind)
	}

	driver, err := runtime.NewDocker(logger)
	if err != nil {
		return fmt.Errorf("failed to connect to docker: %w", err)
	}
	defer driver.Close()

	client := central.New(central.Config{
		BaseURL: cfg.Server.URL,
		APIKey:  cfg.Server.APIKey,
		AgentID: cfg.Agent.ID,
		Timeout: cfg.Server.Timeout.Duration(),
	})

	var policy *healthpolicy.Evaluator
	if cfg.PolicyPath != "" {
		p, err := healthpolicy.Load(cfg.PolicyPath)
		if err != nil {
			return fmt.Errorf("failed to load health policy: %w", err)
		}
		policy, err = healthpolicy.NewEvaluator(p)
		if err != nil {
			return fmt.Errorf("failed to compile health policy: %w", err)
		}
	}

	metrics := agent.NewMetrics(st)
	if cfg.Observability.Listen != "" {
		go func() {
			if err := agent.ServeMetrics(ctx, cfg.Observability.Listen, metrics, logger); err != nil {
				logger.Warn("metrics endpoint failed", slog.String("error", err.Error()))
			}
		}()
	}

	eng := engine.New(engine.Options{
		Store:    st,
		Driver:   driver,
		Notifier: client,
		Ports:    runtime.NewPortAllocator(),
		Logger:   logger,
		SlotID:   agent.SlotID,
		PublicIP: cfg.Network.PublicIP,
	})

	a, err := agent.New(agent.Options{
		Config:     cfg,
		ConfigPath: configPath,
		Store:      st,
		Client:     client,
		Probe:      probe,
		Driver:     driver,
		Engine:     eng,
		Policy:     policy,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		return err
	}

	// Everything Run can fail on is part of the startup sequence; the
	// loops contain their own errors. Returning lets cobra exit 1.
	if err := a.Run(ctx); err != nil {
		return err
	}

	if ctx.Err() != nil {
		stop()
		st.Close()
		driver.Close()
		os.Exit(exitSignal)
	}
	return nil
}
