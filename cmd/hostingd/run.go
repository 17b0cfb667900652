package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/cuemby/hostingd/pkg/activation"
	"github.com/cuemby/hostingd/pkg/activator"
	"github.com/cuemby/hostingd/pkg/config"
	"github.com/cuemby/hostingd/pkg/embedded"
	"github.com/cuemby/hostingd/pkg/environment"
	"github.com/cuemby/hostingd/pkg/events"
	"github.com/cuemby/hostingd/pkg/hostingquery"
	"github.com/cuemby/hostingd/pkg/log"
	"github.com/cuemby/hostingd/pkg/lrm"
	"github.com/cuemby/hostingd/pkg/messagebus"
	"github.com/cuemby/hostingd/pkg/metrics"
	"github.com/cuemby/hostingd/pkg/servicetype"
	"github.com/cuemby/hostingd/pkg/storage"
	"github.com/cuemby/hostingd/pkg/types"
	"github.com/cuemby/hostingd/pkg/vsp"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the hostingd activation daemon",
	Long: `Run starts the node-local hosting subsystem: LocalResourceManager,
ServiceTypeStateManager, the Activator retry harness, and the admin HTTP
surface that exposes metrics, health, and the HostingQueryManager's
restart/abort routes. It blocks until terminated.`,
	RunE: runHosting,
}

func init() {
	runCmd.Flags().String("node-id", "node-0", "Unique node ID")
	runCmd.Flags().String("data-dir", "./hostingd-data", "Data directory for the bbolt store and run layout")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the admin HTTP server (metrics, health, query)")
	runCmd.Flags().Bool("external-containerd", false, "Use external containerd instead of embedded (requires a containerd daemon already running)")
	runCmd.Flags().String("containerd-socket", "", "Custom containerd socket path (auto-detected if not specified)")
}

func runHosting(cmd *cobra.Command, args []string) error {
	configPath, _ := rootCmd.PersistentFlags().GetString("config")
	nodeID, _ := cmd.Flags().GetString("node-id")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	useExternal, _ := cmd.Flags().GetBool("external-containerd")
	socketPath, _ := cmd.Flags().GetString("containerd-socket")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if nodeID != "" {
		cfg.NodeID = nodeID
	}

	nodeLog := log.WithNodeID(cfg.NodeID)
	nodeLog.Info().Msg("starting hostingd")

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	lrmCapacity := cfg.LRMCapacity()
	lrmMgr := lrm.NewManager(lrmCapacity)
	serviceTypes := servicetype.NewManager(cfg.ServiceType.DisableThreshold)
	env := environment.NewManager(cfg.Environment.RootDir)

	ctx := context.Background()
	backends := activation.NewRegistry()
	backends.Register(types.IsolationProcess, activation.NewProcessBackend())
	backends.Register(types.IsolationHyperV, activation.NewVMBackend())

	var containerdMgr *embedded.ContainerdManager
	if !useExternal {
		containerdMgr, err = embedded.EnsureContainerd(ctx, dataDir, false, lrmCapacity.CPUCores, lrmCapacity.MemoryMB)
		if err != nil {
			nodeLog.Warn().Err(err).Msg("embedded containerd unavailable, container isolation disabled")
		} else {
			defer containerdMgr.Stop()
			socketPath = containerdMgr.GetSocketPath()
		}
	}
	if containerBackend, err := activation.NewContainerdBackend(socketPath); err != nil {
		nodeLog.Warn().Err(err).Msg("containerd backend unavailable, container isolation disabled")
	} else {
		backends.Register(types.IsolationContainer, containerBackend)
	}

	bus := messagebus.NewInProcessBus()
	health := messagebus.NewInProcessHealthReporter()

	eventBroker := events.NewBroker()
	eventBroker.Start()
	defer eventBroker.Stop()

	activatorMgr := activator.NewManager(cfg.ActivatorOptions(), health).WithEventBroker(eventBroker)
	defer activatorMgr.Close()

	hq := hostingquery.NewManager(bus)

	deps := vsp.Dependencies{
		LRM:          lrmMgr,
		ServiceTypes: serviceTypes,
		Environment:  env,
		Backends:     backends,
		Bus:          bus,
		Health:       health,
		Store:        store,
		CPConfig:     cfg.CodePackageOptions(),
	}

	collector := metrics.NewCollector(hq.CodePackages(), hq, lrmMgr)
	collector.Start()
	defer collector.Stop()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("store", true, "open")
	metrics.RegisterComponent("lrm", true, fmt.Sprintf("%.1f cores / %dMB", lrmMgr.AvailableCPUCores(), lrmMgr.AvailableMemoryMB()))
	metrics.RegisterComponent("containerd", containerdMgr != nil || socketPath != "", "see startup log")

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	mux.Handle("/query/", hq.Handler())
	mux.Handle("/query/open-service-package", hq.Admit(activatorMgr, deps))

	errCh := make(chan error, 1)
	go func() {
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			errCh <- fmt.Errorf("admin server error: %w", err)
		}
	}()
	nodeLog.Info().Str("addr", metricsAddr).Msg("admin HTTP server listening")
	nodeLog.Info().Str("os", runtime.GOOS).Msg("hostingd ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		nodeLog.Info().Msg("shutting down")
	case err := <-errCh:
		nodeLog.Error().Err(err).Msg("admin server failed")
	}

	return nil
}
