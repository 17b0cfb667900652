/*
Package types defines the data model of the node-local hosting engine:
identifiers, immutable per-version descriptions, and the mutable run-state
each component reads and writes.

# Identifiers

ApplicationIdentifier, ServicePackageIdentifier, ServicePackageInstanceIdentifier,
CodePackageIdentifier and CodePackageInstanceIdentifier form the identity
hierarchy in identifiers.go. ActivationContext distinguishes shared service
package instances (one per node) from exclusive ones (one per activation
GUID); multiple exclusive instances of the same service package coexist.

# Descriptions

ServicePackageDescription and DigestedCodePackageDescription (descriptions.go)
are immutable per version: they are produced by the external PackageStore
collaborator and never mutated by the core. RolloutVersion and
ContentChecksum drive VersionedServicePackage's switch diffing (§4.2.2 of
the specification).

# Run state

RunStats (runstats.go) tracks one code package's activation/exit history and
implements the continuous-failure-count and exit-classification rules that
drive CodePackage's retry scheduler. ProcessDescription is the synthesized,
effective description CodePackage hands to a ProcessActivator.

# State machines

states.go encodes the CodePackageState and VersionedServicePackageState
lifecycle graphs as transition tables rather than inline switch statements,
so CanTransition is a single map lookup and the graphs themselves are data a
test can walk exhaustively. ActivationOpState is declared there as plain
constants, with no transition table.
*/
package types
