/*
Package activation implements the ProcessActivator capability (§4.6) with
three backends selected by DigestedCodePackageDescription.Isolation:

  - ProcessBackend (process_activator.go): plain os/exec supervision.
  - ContainerdBackend (containerd_activator.go): OCI containers via containerd.
  - VMBackend (vm_activator.go, darwin only): one Lima guest VM per instance,
    standing in for HyperV isolation.

CodePackage holds a Registry and looks up the right backend by isolation
mode rather than branching on it directly.
*/
package activation
