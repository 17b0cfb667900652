/*
Package activator implements Activator (§4.4): the shared retry harness
behind activate_application and activate_service_package_instance. It owns
a single-writer-per-key map of pending activations, so a second caller
racing the same entity is told HostingActivationInProgress, unless it asks
to ensure the latest version and the in-flight attempt did not, in which
case it pre-empts that stale attempt.

Callers supply the actual activation work (a VSP Open or Switch call) as a
Request.Work closure; this package only concerns itself with admission,
retry/backoff scheduling, health reporting on first failure, and the
close-time drain.
*/
package activator
