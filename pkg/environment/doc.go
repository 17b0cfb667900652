/*
Package environment implements the EnvironmentManager capability: the
per-service-package-instance directory layout, declared endpoint port
reservations, and (where requested) dedicated run-as principals. Ownership
of the resulting Context moves into the VersionedServicePackage that
requested it and is torn down on close or abort.
*/
package environment
