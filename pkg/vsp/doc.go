/*
Package vsp implements VersionedServicePackage: the per-version-instance
orchestrator that owns a service package's code packages and coordinates
open, rolling-upgrade switch, close, and on-demand activation (§4.2).
*/
package vsp
