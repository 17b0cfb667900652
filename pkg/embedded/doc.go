/*
Package embedded provisions the containerd daemon that backs the
IsolationContainer ProcessActivator (pkg/activation.NewContainerdBackend)
when the node has no containerd of its own.

On Linux it extracts a bundled containerd binary (go:embed) and runs it as
a child process under a minimal generated config. On macOS, which has no
Linux binary to exec, it starts a Lima VM running Alpine with containerd
installed and forwards the guest socket to the host.

Both paths converge on a *ContainerdManager: Start/Stop lifecycle, and
GetSocketPath for the path activation.NewContainerdBackend should dial.
EnsureContainerd (ensure_linux.go / ensure_darwin.go) picks the right path
for the build's GOOS. useExternal skips all of this and assumes a
containerd the operator already runs is reachable at the system socket.

cmd/hostingd run calls EnsureContainerd at startup unless it is given
--external-containerd, whether or not the node later activates an
IsolationContainer code package.
*/
package embedded
