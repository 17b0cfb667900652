/*
Package events is a lightweight in-memory pub/sub broker for node-local
hosting lifecycle notifications: activation attempts and outcomes, code
package state transitions, service package open/close. It exists for
diagnostics and local tooling to observe what the hosting subsystem is
doing without polling HostingQueryManager.

Subscribers never block a Publish call and are never guaranteed delivery:
a subscriber that falls behind simply misses events once its buffer fills.
Nothing in the activation path depends on an event actually being seen.
*/
package events
