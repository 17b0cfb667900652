// +build darwin

package embedded

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/lima-vm/lima/pkg/instance"
	"github.com/lima-vm/lima/pkg/limayaml"
	"github.com/lima-vm/lima/pkg/store"
	"github.com/rs/zerolog"

	"github.com/cuemby/hostingd/pkg/log"
)

const (
	// HostingdLimaInstanceName is the name of the Lima VM instance hosting
	// this node's embedded containerd on macOS.
	HostingdLimaInstanceName = "hostingd"

	// LimaContainerdSocket is the path to containerd socket inside Lima VM
	LimaContainerdSocket = "/run/containerd/containerd.sock"

	// minLimaCPUs/minLimaMemoryMB floor the guest sizing below which
	// containerd itself becomes unreliable, regardless of how small the
	// node's declared LRM capacity is.
	minLimaCPUs     = 1
	minLimaMemoryMB = 1024

	limaDiskGiB = 20
)

// LimaManager manages the Lima VM that hosts containerd for hostingd on
// macOS. Its guest CPU/memory allotment tracks the node's declared
// LocalResourceManager capacity rather than a fixed size, so raising or
// lowering a node's hosting capacity also resizes the VM it runs containers
// in.
type LimaManager struct {
	instanceName string
	instance     *store.Instance
	dataDir      string
	cpus         int
	memoryMB     int64
	logger       zerolog.Logger
}

// NewLimaManager creates a Lima VM manager sized to host cpuCores/memoryMB
// worth of the node's LRM capacity, floored at minLimaCPUs/minLimaMemoryMB.
func NewLimaManager(dataDir string, cpuCores float64, memoryMB int64) (*LimaManager, error) {
	cpus := int(cpuCores)
	if cpus < minLimaCPUs {
		cpus = minLimaCPUs
	}
	if memoryMB < minLimaMemoryMB {
		memoryMB = minLimaMemoryMB
	}

	return &LimaManager{
		instanceName: HostingdLimaInstanceName,
		dataDir:      dataDir,
		cpus:         cpus,
		memoryMB:     memoryMB,
		logger:       log.WithComponent("lima-vm"),
	}, nil
}

// Start starts the Lima VM with containerd
func (lm *LimaManager) Start(ctx context.Context) error {
	lm.logger.Info().Msg("starting Lima VM for hostingd")

	if !lm.isLimaInstalled() {
		return fmt.Errorf("lima is not installed, install with: brew install lima")
	}

	inst, err := store.Inspect(lm.instanceName)
	if err == nil {
		lm.instance = inst
		lm.logger.Info().Str("instance", lm.instanceName).Msg("lima instance already exists")

		if inst.Status == store.StatusRunning {
			lm.logger.Info().Msg("lima VM already running")
			return nil
		}

		lm.logger.Info().Msg("starting existing lima instance")
		if err := instance.Start(ctx, inst, "", false); err != nil {
			return fmt.Errorf("start lima instance: %w", err)
		}
		return lm.waitForReady(ctx)
	}

	lm.logger.Info().Msg("creating new lima instance for hostingd")
	if err := lm.createInstance(ctx); err != nil {
		return fmt.Errorf("create lima instance: %w", err)
	}

	inst, err = store.Inspect(lm.instanceName)
	if err != nil {
		return fmt.Errorf("inspect created instance: %w", err)
	}
	lm.instance = inst

	lm.logger.Info().Msg("starting lima instance")
	if err := instance.Start(ctx, inst, "", false); err != nil {
		return fmt.Errorf("start lima instance: %w", err)
	}

	if err := lm.waitForReady(ctx); err != nil {
		return fmt.Errorf("lima VM failed to become ready: %w", err)
	}

	lm.logger.Info().Msg("lima VM started")
	return nil
}

// Stop stops the Lima VM
func (lm *LimaManager) Stop(ctx context.Context) error {
	if lm.instance == nil {
		return nil
	}

	lm.logger.Info().Msg("stopping lima VM")

	if err := instance.StopGracefully(ctx, lm.instance, false); err != nil {
		lm.logger.Warn().Err(err).Msg("graceful stop failed, forcing stop")
		instance.StopForcibly(lm.instance)
	}

	lm.logger.Info().Msg("lima VM stopped")
	return nil
}

// GetSocketPath returns the path to the containerd socket Lima exposes on
// the host for this instance.
func (lm *LimaManager) GetSocketPath() string {
	if lm.instance == nil {
		return ""
	}

	limaHome := os.Getenv("LIMA_HOME")
	if limaHome == "" {
		home, _ := os.UserHomeDir()
		limaHome = filepath.Join(home, ".lima")
	}

	return filepath.Join(limaHome, lm.instanceName, "sock", "containerd.sock")
}

// createInstance creates a new Lima instance with hostingd's containerd
// configuration.
func (lm *LimaManager) createInstance(ctx context.Context) error {
	config := lm.createLimaConfig()

	configYAML, err := limayaml.Marshal(&config, false)
	if err != nil {
		return fmt.Errorf("marshal lima config: %w", err)
	}

	if _, err := instance.Create(ctx, lm.instanceName, configYAML, false); err != nil {
		return fmt.Errorf("create instance: %w", err)
	}

	return nil
}

// createLimaConfig renders the guest sized to lm.cpus/lm.memoryMB, rather
// than a fixed VM footprint, so this node's declared LRM capacity governs
// what containerd actually has available to run code packages in.
func (lm *LimaManager) createLimaConfig() limayaml.LimaYAML {
	arch := limayaml.AARCH64
	if runtime.GOARCH == "amd64" {
		arch = limayaml.X8664
	}

	cpus := lm.cpus
	memory := fmt.Sprintf("%dMiB", lm.memoryMB)
	disk := fmt.Sprintf("%dGiB", limaDiskGiB)

	return limayaml.LimaYAML{
		Arch:   &arch,
		CPUs:   &cpus,
		Memory: &memory,
		Disk:   &disk,

		Images: []limayaml.Image{
			{
				File: limayaml.File{
					Location: "https://dl-cdn.alpinelinux.org/alpine/v3.19/releases/cloud/alpine-virt-3.19.0-aarch64.iso",
					Arch:     limayaml.AARCH64,
				},
			},
			{
				File: limayaml.File{
					Location: "https://dl-cdn.alpinelinux.org/alpine/v3.19/releases/cloud/alpine-virt-3.19.0-x86_64.iso",
					Arch:     limayaml.X8664,
				},
			},
		},

		Containerd: limayaml.Containerd{
			System: ptrBool(true),
		},

		Mounts: []limayaml.Mount{
			{
				Location: lm.dataDir,
				Writable: ptrBool(true),
			},
		},

		Provision: []limayaml.Provision{
			{
				Mode:   limayaml.ProvisionModeSystem,
				Script: "#!/bin/sh\nset -eux -o pipefail\nif ! command -v containerd > /dev/null; then\n  apk add containerd\nfi\nrc-update add containerd default\nrc-service containerd start || true",
			},
		},

		Message: "hostingd Lima VM - ready to run containers",
	}
}

// waitForReady waits for Lima VM to be ready
func (lm *LimaManager) waitForReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for lima VM to be ready")
		case <-ticker.C:
			inst, err := store.Inspect(lm.instanceName)
			if err != nil {
				lm.logger.Debug().Err(err).Msg("failed to inspect instance")
				continue
			}

			if inst.Status == store.StatusRunning {
				lm.logger.Info().Msg("lima VM is running")
				socketPath := lm.GetSocketPath()
				if _, err := os.Stat(socketPath); err == nil {
					lm.logger.Info().Str("socket", socketPath).Msg("containerd socket ready")
					return nil
				}
				lm.logger.Debug().Str("socket", socketPath).Msg("waiting for containerd socket")
			}
		}
	}
}

// isLimaInstalled checks if Lima is installed on the system
func (lm *LimaManager) isLimaInstalled() bool {
	_, err := exec.LookPath("limactl")
	return err == nil
}

func ptrBool(b bool) *bool {
	return &b
}

// EnsureLima starts (or reuses) hostingd's Lima VM, sized to cpuCores/
// memoryMB of the node's LRM capacity, and returns the manager owning its
// containerd socket path.
func EnsureLima(ctx context.Context, dataDir string, cpuCores float64, memoryMB int64) (*LimaManager, error) {
	manager, err := NewLimaManager(dataDir, cpuCores, memoryMB)
	if err != nil {
		return nil, err
	}

	if err := manager.Start(ctx); err != nil {
		return nil, err
	}

	return manager, nil
}
