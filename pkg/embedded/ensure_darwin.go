// +build darwin

package embedded

import (
	"context"
)

// EnsureContainerd ensures containerd is available, preferring a Lima VM
// sized off the node's configured LRM capacity (cpuCores/memoryMB) unless
// useExternal asks for the system containerd instead.
func EnsureContainerd(ctx context.Context, dataDir string, useExternal bool, cpuCores float64, memoryMB int64) (*ContainerdManager, error) {
	if !useExternal {
		return EnsureContainerdMacOS(ctx, dataDir, cpuCores, memoryMB)
	}

	// Using external containerd
	manager, err := NewContainerdManager(dataDir, useExternal)
	if err != nil {
		return nil, err
	}

	if err := manager.Start(ctx); err != nil {
		return nil, err
	}

	return manager, nil
}
