// +build linux

package embedded

import (
	"context"
)

// EnsureContainerd ensures containerd is available, starting the embedded
// binary unless useExternal asks for the system containerd instead.
// cpuCores/memoryMB describe the node's configured LRM capacity; linux
// runs containerd directly against the host kernel so they go unused here,
// but the signature stays common with the darwin build, which sizes its
// Lima VM off them.
func EnsureContainerd(ctx context.Context, dataDir string, useExternal bool, cpuCores float64, memoryMB int64) (*ContainerdManager, error) {
	manager, err := NewContainerdManager(dataDir, useExternal)
	if err != nil {
		return nil, err
	}

	if err := manager.Start(ctx); err != nil {
		return nil, err
	}

	return manager, nil
}
