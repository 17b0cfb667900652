/*
Package hostingquery implements HostingQueryManager: the node-local
registry of open VersionedServicePackage instances and the dispatcher
that turns restart/abort commands issued over cmd/hostingd's
administrative HTTP surface into calls against them.
*/
package hostingquery
