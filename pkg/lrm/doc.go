/*
Package lrm is the per-node admission control and CPU-share accounting
component. It is the single writer of the node's CPU/memory counters;
every VersionedServicePackage registers on open and unregisters on close,
and nothing else ever mutates the counters directly (§5).
*/
package lrm
