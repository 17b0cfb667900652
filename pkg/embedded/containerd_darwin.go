// +build darwin

package embedded

import (
	"context"
	"fmt"

	"github.com/cuemby/hostingd/pkg/log"
)

// EnsureContainerdMacOS starts a Lima VM with containerd on macOS, since
// hostingd's embedded containerd binary is Linux-only. The VM's CPU/memory
// allotment is derived from the node's configured LRM capacity so the
// guest doesn't silently under- or over-provision the host's declared
// hosting capacity.
func EnsureContainerdMacOS(ctx context.Context, dataDir string, cpuCores float64, memoryMB int64) (*ContainerdManager, error) {
	logger := log.WithComponent("lima-containerd")
	logger.Info().Msg("starting Lima VM for containerd on macOS")

	limaManager, err := EnsureLima(ctx, dataDir, cpuCores, memoryMB)
	if err != nil {
		return nil, fmt.Errorf("failed to start Lima VM: %w", err)
	}

	socketPath := limaManager.GetSocketPath()
	if socketPath == "" {
		return nil, fmt.Errorf("failed to get containerd socket path from Lima VM")
	}

	logger.Info().Str("socket", socketPath).Msg("using containerd socket from Lima VM")

	manager := &ContainerdManager{
		dataDir:     dataDir,
		socketPath:  socketPath,
		useExternal: false, // we're managing the VM, so it's not "external"
		limaManager: limaManager,
		logger:      logger,
	}

	return manager, nil
}
