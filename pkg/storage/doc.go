/*
Package storage is the durability layer: one bbolt file, one bucket per
entity kind (service package instances, code package run stats, LRM
reservations, service type registrations). Every record is a JSON blob
keyed by its own identifier string; there is no secondary indexing because
every query pattern the core needs is a point lookup or a full-bucket scan.

Only pkg/vsp writes records: it saves its ServicePackageRecord during open
and switch and deletes it on close. The run stats, LRM reservation and
service type registration buckets are created but no component writes them,
and no component reads records back on startup.
*/
package storage
